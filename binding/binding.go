// Package binding forwards repository changes to UI component properties.
//
// A binding connects one repository path to one component property. Changes on the path
// run through the binding's expression (see Evaluate) and are emitted as Updates unless
// the result equals the last emitted value. OneTime bindings emit at most once. TwoWay
// bindings accept UI edits through OnUIChanged, which maps them back to a repository path.
package binding

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/dataflow/datapath"
	"github.com/c360/dataflow/repository"
	"github.com/c360/dataflow/value"
)

var (
	// ErrTargetNotFound is returned by OnUIChanged for a target without a binding.
	ErrTargetNotFound = stderrors.New("binding target not found")
	// ErrInvalidMode is returned by OnUIChanged for bindings that are not TwoWay.
	ErrInvalidMode = stderrors.New("binding mode does not accept UI changes")
)

// ID identifies a binding. IDs are unique within the process.
type ID uint64

var lastID atomic.Uint64

// Mode controls the direction and lifetime of a binding.
type Mode int

// Binding modes.
const (
	OneWay Mode = iota
	TwoWay
	OneTime
)

func (m Mode) String() string {
	switch m {
	case TwoWay:
		return "two_way"
	case OneTime:
		return "one_time"
	default:
		return "one_way"
	}
}

// ParseMode accepts one_way, two_way and one_time, with or without the underscore.
func ParseMode(s string) (Mode, error) {
	switch strings.ReplaceAll(strings.ToLower(s), "_", "") {
	case "", "oneway":
		return OneWay, nil
	case "twoway":
		return TwoWay, nil
	case "onetime":
		return OneTime, nil
	}
	return OneWay, fmt.Errorf("unknown binding mode %q", s)
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Target is a component property.
type Target struct {
	ComponentID string `json:"component_id"`
	Property    string `json:"property"`
}

func (t Target) String() string { return t.ComponentID + "." + t.Property }

// Config holds the optional parts of a binding.
type Config struct {
	Mode             Mode
	Transform        string
	InverseTransform string
	// Throttle holds back updates that arrive within the window after the last emitted
	// one. The latest held value is emitted by Flush once the window has passed.
	Throttle time.Duration
}

// Binding describes a registered binding.
type Binding struct {
	ID     ID
	Source string
	Target Target
	Config Config
}

// Update is one value for a component property.
type Update struct {
	BindingID ID
	Target    Target
	Value     value.Value
}

// PropertySink receives binding updates.
type PropertySink interface {
	SetProperty(componentID, property string, v value.Value) error
}

// SinkFunc adapts a function to PropertySink.
type SinkFunc func(componentID, property string, v value.Value) error

func (f SinkFunc) SetProperty(componentID, property string, v value.Value) error {
	return f(componentID, property, v)
}

type entry struct {
	Binding
	path        datapath.Path
	lastValue   *value.Value
	initialized bool
	lastEmit    time.Time
	shown       *value.Value // last value the target received
	pending     *value.Value
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

// WithClock replaces time.Now for throttle decisions.
func WithClock(now func() time.Time) Option {
	return func(s *System) { s.now = now }
}

// System owns every binding and its indexes.
type System struct {
	mu       sync.Mutex
	bindings map[ID]*entry
	byPath   map[string][]ID
	byTarget map[Target]ID

	now    func() time.Time
	logger *slog.Logger
}

// NewSystem creates an empty binding system.
func NewSystem(opts ...Option) *System {
	s := &System{
		bindings: make(map[ID]*entry),
		byPath:   make(map[string][]ID),
		byTarget: make(map[Target]ID),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "binding")
	return s
}

// Create registers a binding from the repository path source to target. A later binding
// for the same target takes over the target index; the earlier one keeps receiving
// changes.
func (s *System) Create(source string, target Target, cfg Config) ID {
	id := ID(lastID.Add(1))
	path := datapath.Parse(source)
	key := path.String()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[id] = &entry{
		Binding: Binding{ID: id, Source: key, Target: target, Config: cfg},
		path:    path,
	}
	s.byPath[key] = append(s.byPath[key], id)
	s.byTarget[target] = id

	s.logger.Debug("Created binding", "id", id, "source", key, "target", target.String(), "mode", cfg.Mode.String())
	return id
}

// Remove deletes a binding. It reports whether the binding existed.
func (s *System) Remove(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.bindings[id]
	if !ok {
		return false
	}
	delete(s.bindings, id)
	ids := slices.DeleteFunc(s.byPath[e.Source], func(other ID) bool { return other == id })
	if len(ids) == 0 {
		delete(s.byPath, e.Source)
	} else {
		s.byPath[e.Source] = ids
	}
	if s.byTarget[e.Target] == id {
		delete(s.byTarget, e.Target)
	}
	return true
}

// Get returns the binding with id.
func (s *System) Get(id ID) (Binding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.bindings[id]
	if !ok {
		return Binding{}, false
	}
	return e.Binding, true
}

// ForTarget returns the id indexed for target.
func (s *System) ForTarget(target Target) (ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byTarget[target]
	return id, ok
}

// Len returns the number of bindings.
func (s *System) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bindings)
}

// OnDataChanged evaluates the bindings whose source path is exactly the changed path.
func (s *System) OnDataChanged(change repository.Change) []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyExact(change, s.now(), nil)
}

// OnSubtreeChanged is OnDataChanged that also reaches bindings below the changed path.
// Those receive the part of the new value they point at, or Null when it is missing.
func (s *System) OnSubtreeChanged(change repository.Change) []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applySubtree(change, s.now(), nil)
}

// TryPropagate applies a batch of subtree changes and flushes throttled values that are
// due. It returns false without doing anything when another caller holds the system.
func (s *System) TryPropagate(changes []repository.Change) ([]Update, bool) {
	if !s.mu.TryLock() {
		return nil, false
	}
	defer s.mu.Unlock()
	now := s.now()
	var out []Update
	for _, c := range changes {
		out = s.applySubtree(c, now, out)
	}
	return s.flush(now, out), true
}

// Flush emits throttled values whose window has passed.
func (s *System) Flush() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush(s.now(), nil)
}

// OnUIChanged maps a UI edit of target back to the repository. It returns the binding's
// source path and the value after the inverse transform.
func (s *System) OnUIChanged(target Target, v value.Value) (string, value.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byTarget[target]
	if !ok {
		return "", value.Value{}, fmt.Errorf("%w: %s", ErrTargetNotFound, target)
	}
	e, ok := s.bindings[id]
	if !ok {
		return "", value.Value{}, fmt.Errorf("%w: %s", ErrTargetNotFound, target)
	}
	if e.Config.Mode != TwoWay {
		return "", value.Value{}, fmt.Errorf("%w: %s is %s", ErrInvalidMode, target, e.Config.Mode)
	}
	// the UI already shows v; an echo of the write-back is suppressed by de-dup
	shown := v.Clone()
	e.lastValue = &shown
	e.shown = &shown
	return e.Source, Evaluate(e.Config.InverseTransform, v), nil
}

func (s *System) applyExact(change repository.Change, now time.Time, out []Update) []Update {
	nv := newValue(change)
	for _, id := range s.byPath[change.Path.String()] {
		out = s.apply(s.bindings[id], nv, now, out)
	}
	return out
}

func (s *System) applySubtree(change repository.Change, now time.Time, out []Update) []Update {
	out = s.applyExact(change, now, out)
	nv := newValue(change)
	for key, ids := range s.byPath {
		if len(ids) == 0 {
			continue
		}
		rel, ok := below(s.bindings[ids[0]].path, change.Path)
		if !ok {
			continue
		}
		sub := value.Null()
		if got, found := rel.Get(&nv); found {
			sub = got.Clone()
		}
		for _, id := range s.byPath[key] {
			out = s.apply(s.bindings[id], sub, now, out)
		}
	}
	return out
}

func (s *System) apply(e *entry, v value.Value, now time.Time, out []Update) []Update {
	if e == nil {
		return out
	}
	if e.Config.Mode == OneTime && e.initialized {
		return out
	}
	result := Evaluate(e.Config.Transform, v)
	if e.lastValue != nil && e.lastValue.Equal(result) {
		return out
	}
	e.lastValue = &result

	if e.Config.Throttle > 0 && !e.lastEmit.IsZero() && now.Sub(e.lastEmit) < e.Config.Throttle {
		if e.shown != nil && e.shown.Equal(result) {
			e.pending = nil
			return out
		}
		pending := result.Clone()
		e.pending = &pending
		return out
	}
	return s.emit(e, result, now, out)
}

func (s *System) flush(now time.Time, out []Update) []Update {
	for _, e := range s.bindings {
		if e.pending == nil || now.Sub(e.lastEmit) < e.Config.Throttle {
			continue
		}
		if e.shown != nil && e.shown.Equal(*e.pending) {
			e.pending = nil
			continue
		}
		out = s.emit(e, *e.pending, now, out)
	}
	return out
}

func (s *System) emit(e *entry, v value.Value, now time.Time, out []Update) []Update {
	e.initialized = true
	e.lastEmit = now
	e.pending = nil
	shown := v.Clone()
	e.shown = &shown
	return append(out, Update{BindingID: e.ID, Target: e.Target, Value: v.Clone()})
}

func newValue(change repository.Change) value.Value {
	if change.NewValue == nil {
		return value.Null()
	}
	return *change.NewValue
}

// below returns the part of path that lies under prefix. It fails unless path is strictly
// longer than prefix and starts with it.
func below(path, prefix datapath.Path) (datapath.Path, bool) {
	if len(path) <= len(prefix) {
		return nil, false
	}
	for i := range prefix {
		if path[i] != prefix[i] {
			return nil, false
		}
	}
	return path[len(prefix):], true
}
