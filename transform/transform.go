// Package transform provides the named value transforms that make up a source pipeline and
// the Pipeline that runs them in order.
//
// A pipeline is all or nothing: the first failing stage aborts it with a *PipelineError and
// the update is dropped. Later updates run through the same pipeline as usual.
package transform

import (
	stderrors "errors"
	"fmt"
	"slices"
	"time"

	"github.com/c360/dataflow/value"
)

// ErrInvalidParams is returned by factories for unusable parameters.
var ErrInvalidParams = stderrors.New("invalid transform parameters")

// Context describes the update being transformed.
type Context struct {
	SourceID  string
	Timestamp time.Time
}

// Transform is one pipeline stage.
type Transform interface {
	Name() string
	Apply(v value.Value, tc Context) (value.Value, error)
}

type funcTransform struct {
	name string
	fn   func(value.Value, Context) (value.Value, error)
}

func (f funcTransform) Name() string { return f.name }

func (f funcTransform) Apply(v value.Value, tc Context) (value.Value, error) { return f.fn(v, tc) }

// Func adapts fn to a Transform.
func Func(name string, fn func(value.Value, Context) (value.Value, error)) Transform {
	return funcTransform{name: name, fn: fn}
}

// PipelineError reports which stage failed.
type PipelineError struct {
	Stage int
	Name  string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline stage %d (%s): %v", e.Stage, e.Name, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Pipeline is an ordered list of transforms. The zero value is the identity.
type Pipeline struct {
	stages []Transform
}

// NewPipeline creates a pipeline from stages.
func NewPipeline(stages ...Transform) *Pipeline {
	return &Pipeline{stages: slices.Clone(stages)}
}

// Len returns the number of stages.
func (p *Pipeline) Len() int {
	if p == nil {
		return 0
	}
	return len(p.stages)
}

// Names returns the stage names in order.
func (p *Pipeline) Names() []string {
	if p == nil {
		return nil
	}
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Execute runs v through every stage. A nil pipeline returns v unchanged.
func (p *Pipeline) Execute(v value.Value, tc Context) (value.Value, error) {
	if p == nil {
		return v, nil
	}
	current := v
	for i, stage := range p.stages {
		next, err := stage.Apply(current, tc)
		if err != nil {
			return value.Value{}, &PipelineError{Stage: i, Name: stage.Name(), Err: err}
		}
		current = next
	}
	return current, nil
}

