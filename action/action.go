// Package action runs named actions in response to repository changes.
//
// Triggers pair a Condition with an action name and static parameters. OnDataChanged
// evaluates every trigger against a change, applies the trigger's debounce and throttle
// windows, and executes the matching actions in trigger order. Failures are reported in
// the returned results and never stop the remaining triggers.
package action

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/dataflow/errors"
	"github.com/c360/dataflow/metric"
	"github.com/c360/dataflow/repository"
	"github.com/c360/dataflow/value"
)

var (
	// ErrActionNotFound is reported for triggers naming an unregistered action.
	ErrActionNotFound = stderrors.New("action not found")
	// ErrInvalidParams is returned by actions for unusable parameters.
	ErrInvalidParams = stderrors.New("invalid action parameters")
)

// Context describes why an action runs.
type Context struct {
	TriggerID   string
	ExecutionID string
	Change      repository.Change
	FiredAt     time.Time
}

// Action is a named side effect.
type Action interface {
	Name() string
	Execute(ctx context.Context, params value.Value, ac Context) (value.Value, error)
}

type funcAction struct {
	name string
	fn   func(context.Context, value.Value, Context) (value.Value, error)
}

func (f funcAction) Name() string { return f.name }

func (f funcAction) Execute(ctx context.Context, params value.Value, ac Context) (value.Value, error) {
	return f.fn(ctx, params, ac)
}

// Func adapts fn to an Action.
func Func(name string, fn func(context.Context, value.Value, Context) (value.Value, error)) Action {
	return funcAction{name: name, fn: fn}
}

// Result is the outcome of one trigger firing.
type Result struct {
	TriggerID   string
	Action      string
	ExecutionID string
	Value       value.Value
	Err         error
	Duration    time.Duration
}

// Option configures a System.
type Option func(*System)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *System) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics counts trigger firings in the core metrics of registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *System) { s.metrics = registry.CoreMetrics() }
}

// WithClock replaces time.Now for debounce and throttle decisions.
func WithClock(now func() time.Time) Option {
	return func(s *System) { s.now = now }
}

type triggerEntry struct {
	trigger Trigger
	state   State
}

// System owns the triggers and the action registry.
type System struct {
	mu       sync.Mutex
	triggers []*triggerEntry

	actionsMu sync.RWMutex
	actions   map[string]Action

	now     func() time.Time
	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewSystem creates a system with no triggers and no actions.
func NewSystem(opts ...Option) *System {
	s := &System{
		actions: make(map[string]Action),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "action")
	return s
}

// Register adds an action under its name.
func (s *System) Register(a Action) error {
	if a == nil || a.Name() == "" {
		return errors.WrapInvalid(ErrInvalidParams, "action.System", "Register", "validate action")
	}
	s.actionsMu.Lock()
	defer s.actionsMu.Unlock()
	if _, exists := s.actions[a.Name()]; exists {
		return errors.WrapInvalid(fmt.Errorf("%w: action %q", errors.ErrAlreadyExists, a.Name()),
			"action.System", "Register", "register action")
	}
	s.actions[a.Name()] = a
	return nil
}

// Actions lists the registered action names in sorted order.
func (s *System) Actions() []string {
	s.actionsMu.RLock()
	defer s.actionsMu.RUnlock()
	names := make([]string, 0, len(s.actions))
	for n := range s.actions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *System) lookup(name string) (Action, bool) {
	s.actionsMu.RLock()
	defer s.actionsMu.RUnlock()
	a, ok := s.actions[name]
	return a, ok
}

// AddTrigger adds a trigger. Trigger ids are unique; the action does not have to be
// registered yet.
func (s *System) AddTrigger(t Trigger) error {
	if t.ID == "" || t.Action == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "action.System", "AddTrigger", "validate trigger")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.triggers {
		if e.trigger.ID == t.ID {
			return errors.WrapInvalid(fmt.Errorf("%w: trigger %q", errors.ErrAlreadyExists, t.ID),
				"action.System", "AddTrigger", "add trigger")
		}
	}
	t.Params = t.Params.Clone()
	s.triggers = append(s.triggers, &triggerEntry{trigger: t})
	return nil
}

// RemoveTrigger deletes a trigger and its state.
func (s *System) RemoveTrigger(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.triggers {
		if e.trigger.ID == id {
			s.triggers = append(s.triggers[:i], s.triggers[i+1:]...)
			return true
		}
	}
	return false
}

// TriggerState returns the state of a trigger.
func (s *System) TriggerState(id string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.triggers {
		if e.trigger.ID == id {
			return e.state, true
		}
	}
	return State{}, false
}

type firing struct {
	trigger Trigger
	action  Action
}

// OnDataChanged fires every trigger whose condition matches change and whose windows have
// passed. The result list has one entry per attempted firing, in trigger order.
func (s *System) OnDataChanged(ctx context.Context, change repository.Change) []Result {
	now := s.now()
	var (
		results []Result
		fire    []firing
	)

	s.mu.Lock()
	for _, e := range s.triggers {
		t := &e.trigger
		if !t.Condition.Matches(change) || t.suppressed(e.state, now) {
			continue
		}
		a, ok := s.lookup(t.Action)
		if !ok {
			results = append(results, Result{
				TriggerID: t.ID,
				Action:    t.Action,
				Err:       fmt.Errorf("%w: %q", ErrActionNotFound, t.Action),
			})
			continue
		}
		e.state.LastFired = now
		fire = append(fire, firing{trigger: *t, action: a})
	}
	s.mu.Unlock()

	for _, r := range results {
		s.metrics.RecordTriggerFire(r.TriggerID, r.Err)
		s.logger.Warn("Trigger names unknown action", "trigger", r.TriggerID, "action", r.Action)
	}

	for _, f := range fire {
		results = append(results, s.execute(ctx, f, change, now))
	}
	return results
}

func (s *System) execute(ctx context.Context, f firing, change repository.Change, now time.Time) Result {
	ac := Context{
		TriggerID:   f.trigger.ID,
		ExecutionID: uuid.NewString(),
		Change:      change,
		FiredAt:     now,
	}
	start := time.Now()
	v, err := f.action.Execute(ctx, f.trigger.Params.Clone(), ac)
	r := Result{
		TriggerID:   f.trigger.ID,
		Action:      f.trigger.Action,
		ExecutionID: ac.ExecutionID,
		Value:       v,
		Err:         err,
		Duration:    time.Since(start),
	}
	s.metrics.RecordTriggerFire(f.trigger.ID, err)
	if err != nil {
		s.logger.Error("Action failed", "trigger", f.trigger.ID, "action", f.trigger.Action,
			"execution_id", ac.ExecutionID, "error", err)
	} else {
		s.logger.Debug("Action executed", "trigger", f.trigger.ID, "action", f.trigger.Action,
			"execution_id", ac.ExecutionID, "duration", r.Duration)
	}
	return r
}
