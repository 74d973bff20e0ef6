package transform

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/c360/dataflow/datapath"
	"github.com/c360/dataflow/errors"
	"github.com/c360/dataflow/value"
)

// Factory builds a transform from its parameters.
type Factory func(params value.Value) (Transform, error)

// StageConfig names a transform and its parameters. In JSON the parameters sit next to
// "type": {"type": "take", "n": 2}.
type StageConfig struct {
	Type   string
	Params value.Value
}

// UnmarshalJSON splits "type" from the remaining keys.
func (s *StageConfig) UnmarshalJSON(data []byte) error {
	v, err := value.FromJSON(data)
	if err != nil {
		return err
	}
	obj, ok := v.AsObject()
	if !ok {
		return fmt.Errorf("%w: stage must be an object", ErrInvalidParams)
	}
	typ, _ := obj.Get("type")
	name, ok := typ.AsString()
	if !ok || name == "" {
		return fmt.Errorf("%w: stage type is required", ErrInvalidParams)
	}
	params := obj.Clone()
	params.Delete("type")
	s.Type = name
	s.Params = value.ObjectValue(params)
	return nil
}

// MarshalJSON writes the flat form read by UnmarshalJSON.
func (s StageConfig) MarshalJSON() ([]byte, error) {
	out := value.NewObject()
	out.Set("type", value.String(s.Type))
	if obj, ok := s.Params.AsObject(); ok {
		obj.Range(func(k string, v value.Value) bool {
			out.Set(k, v)
			return true
		})
	}
	return json.Marshal(value.ObjectValue(out))
}

// Registry maps transform names to factories. It is open: callers may register their own.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry holding the built-in transforms.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{
		"map":    newMap,
		"filter": newFilter,
		"select": newSelect,
		"sort":   newSort,
		"take":   newTake,
		"skip":   newSkip,
	}}
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return errors.WrapInvalid(ErrInvalidParams, "transform.Registry", "Register", "validate factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	return nil
}

// Names lists the registered transform names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Build creates a single transform.
func (r *Registry) Build(name string, params value.Value) (Transform, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: unknown transform %q", errors.ErrNotFound, name),
			"transform.Registry", "Build", "lookup factory")
	}
	t, err := f(params)
	if err != nil {
		return nil, errors.WrapInvalid(err, "transform.Registry", "Build", "build "+name)
	}
	return t, nil
}

// BuildPipeline creates a pipeline from stage configs.
func (r *Registry) BuildPipeline(stages []StageConfig) (*Pipeline, error) {
	built := make([]Transform, 0, len(stages))
	for i, s := range stages {
		t, err := r.Build(s.Type, s.Params)
		if err != nil {
			return nil, fmt.Errorf("stage %d: %w", i, err)
		}
		built = append(built, t)
	}
	return NewPipeline(built...), nil
}

func stringParam(p value.Value, key string, required bool) (string, error) {
	v, ok := p.Field(key)
	if !ok {
		if required {
			return "", fmt.Errorf("%w: %q is required", ErrInvalidParams, key)
		}
		return "", nil
	}
	s, ok := v.AsString()
	if !ok {
		return "", fmt.Errorf("%w: %q must be a string", ErrInvalidParams, key)
	}
	return s, nil
}

func newMap(p value.Value) (Transform, error) {
	fields, ok := p.Field("fields")
	obj, isObj := fields.AsObject()
	if !ok || !isObj {
		return nil, fmt.Errorf("%w: map needs a \"fields\" object of target: source path", ErrInvalidParams)
	}
	m := Map{Mappings: make([]Mapping, 0, obj.Len())}
	var bad error
	obj.Range(func(target string, src value.Value) bool {
		path, ok := src.AsString()
		if !ok {
			bad = fmt.Errorf("%w: map source for %q must be a string", ErrInvalidParams, target)
			return false
		}
		m.Mappings = append(m.Mappings, Mapping{Target: target, Source: datapath.Parse(path)})
		return true
	})
	if bad != nil {
		return nil, bad
	}
	return m, nil
}

func newFilter(p value.Value) (Transform, error) {
	field, err := stringParam(p, "field", true)
	if err != nil {
		return nil, err
	}
	op, err := stringParam(p, "op", false)
	if err != nil {
		return nil, err
	}
	switch Operator(op) {
	case "":
		op = string(OpEq)
	case OpEq, OpNe:
	default:
		return nil, fmt.Errorf("%w: unknown filter op %q", ErrInvalidParams, op)
	}
	want, ok := p.Field("value")
	if !ok {
		return nil, fmt.Errorf("%w: \"value\" is required", ErrInvalidParams)
	}
	return Filter{Field: datapath.Parse(field), Op: Operator(op), Value: want}, nil
}

func newSelect(p value.Value) (Transform, error) {
	fields, ok := p.Field("fields")
	items, isArr := fields.AsArray()
	if !ok || !isArr {
		return nil, fmt.Errorf("%w: select needs a \"fields\" array", ErrInvalidParams)
	}
	s := Select{Fields: make([]string, 0, len(items))}
	for _, item := range items {
		name, ok := item.AsString()
		if !ok {
			return nil, fmt.Errorf("%w: select fields must be strings", ErrInvalidParams)
		}
		s.Fields = append(s.Fields, name)
	}
	return s, nil
}

func newSort(p value.Value) (Transform, error) {
	field, err := stringParam(p, "field", false)
	if err != nil {
		return nil, err
	}
	order, err := stringParam(p, "order", false)
	if err != nil {
		return nil, err
	}
	switch order {
	case "", "asc", "desc":
	default:
		return nil, fmt.Errorf("%w: sort order must be asc or desc", ErrInvalidParams)
	}
	return Sort{Field: datapath.Parse(field), Descending: order == "desc"}, nil
}

func newTake(p value.Value) (Transform, error) {
	n, err := count(p, "take")
	if err != nil {
		return nil, err
	}
	return Take{N: n}, nil
}

func newSkip(p value.Value) (Transform, error) {
	n, err := count(p, "skip")
	if err != nil {
		return nil, err
	}
	return Skip{N: n}, nil
}

func count(p value.Value, name string) (int, error) {
	v, ok := p.Field("n")
	if !ok {
		return 0, fmt.Errorf("%w: %s needs \"n\"", ErrInvalidParams, name)
	}
	n, ok := v.AsInt()
	if !ok || n < 0 {
		return 0, fmt.Errorf("%w: %s \"n\" must be a non-negative integer", ErrInvalidParams, name)
	}
	return int(n), nil
}
