package action

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/c360/dataflow/datapath"
	"github.com/c360/dataflow/repository"
	"github.com/c360/dataflow/value"
)

// ConditionKind selects how a trigger matches changes.
type ConditionKind int

// Condition kinds.
const (
	PathChanged ConditionKind = iota
	Threshold
	AnyUpdate
)

func (k ConditionKind) String() string {
	switch k {
	case Threshold:
		return "threshold"
	case AnyUpdate:
		return "any_update"
	default:
		return "path_changed"
	}
}

// ParseConditionKind is the inverse of ConditionKind.String.
func ParseConditionKind(s string) (ConditionKind, error) {
	switch strings.ToLower(s) {
	case "path_changed", "changed":
		return PathChanged, nil
	case "threshold":
		return Threshold, nil
	case "any_update", "any":
		return AnyUpdate, nil
	}
	return PathChanged, fmt.Errorf("unknown condition %q", s)
}

// Direction is the edge a Threshold condition fires on.
type Direction int

// Threshold directions.
const (
	// Above fires when the value moves from at or below the threshold to above it.
	Above Direction = iota
	// Below fires when the value moves from at or above the threshold to below it.
	Below
	// Cross fires on any change of side, in either direction.
	Cross
)

func (d Direction) String() string {
	switch d {
	case Below:
		return "below"
	case Cross:
		return "cross"
	default:
		return "above"
	}
}

// ParseDirection is the inverse of Direction.String.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "", "above":
		return Above, nil
	case "below":
		return Below, nil
	case "cross":
		return Cross, nil
	}
	return Above, fmt.Errorf("unknown threshold direction %q", s)
}

// Condition decides whether a change fires a trigger. Path may contain wildcards.
//
// By default only writes to a path matching Path are considered. With Subtree set, a write
// to an ancestor of Path (such as a source replacing data.<id>) is matched too, using the
// values found at Path inside the old and new subtrees.
type Condition struct {
	Kind      ConditionKind
	Path      datapath.Path
	Threshold value.Value
	Direction Direction
	Subtree   bool
}

// OnPathChanged matches every change on paths matching pattern.
func OnPathChanged(pattern string) Condition {
	return Condition{Kind: PathChanged, Path: datapath.Parse(pattern)}
}

// OnAnyUpdate matches every change on paths matching pattern.
func OnAnyUpdate(pattern string) Condition {
	return Condition{Kind: AnyUpdate, Path: datapath.Parse(pattern)}
}

// OnThreshold matches changes on paths matching pattern whose value crosses threshold in
// direction.
func OnThreshold(pattern string, threshold value.Value, direction Direction) Condition {
	return Condition{Kind: Threshold, Path: datapath.Parse(pattern), Threshold: threshold, Direction: direction}
}

// Matches reports whether change satisfies the condition.
func (c Condition) Matches(change repository.Change) bool {
	if !c.Path.Matches(change.Path) {
		inner, ok := c.project(change)
		if !ok {
			return false
		}
		return c.matchesInner(inner)
	}
	if c.Kind != Threshold {
		return true
	}
	return c.crossed(change)
}

// project narrows an ancestor write down to the values at Path. It fails unless Subtree is
// set and change.Path is a proper prefix of Path.
func (c Condition) project(change repository.Change) (repository.Change, bool) {
	n := len(change.Path)
	if !c.Subtree || n >= len(c.Path) || !c.Path[:n].Matches(change.Path) {
		return repository.Change{}, false
	}
	rel := c.Path[n:]
	at := func(v *value.Value) *value.Value {
		if v == nil {
			return nil
		}
		got, ok := rel.Get(v)
		if !ok {
			return nil
		}
		cp := got.Clone()
		return &cp
	}
	return repository.Change{
		Path:      append(slices.Clone(change.Path), rel...),
		OldValue:  at(change.OldValue),
		NewValue:  at(change.NewValue),
		Timestamp: change.Timestamp,
	}, true
}

// matchesInner evaluates a projected change. The value at Path must exist after the write,
// and path_changed additionally needs it to differ from before.
func (c Condition) matchesInner(change repository.Change) bool {
	if change.NewValue == nil {
		return false
	}
	switch c.Kind {
	case AnyUpdate:
		return true
	case Threshold:
		return c.crossed(change)
	default:
		return change.OldValue == nil || !change.OldValue.Equal(*change.NewValue)
	}
}

func (c Condition) crossed(change repository.Change) bool {
	if change.OldValue == nil || change.NewValue == nil {
		return false
	}
	before, ok := value.Compare(*change.OldValue, c.Threshold)
	if !ok {
		return false
	}
	after, ok := value.Compare(*change.NewValue, c.Threshold)
	if !ok {
		return false
	}
	switch c.Direction {
	case Above:
		return before <= 0 && after > 0
	case Below:
		return before >= 0 && after < 0
	default:
		return before != after
	}
}

// Trigger runs the named action when its condition matches. Debounce and Throttle both
// suppress firing until the window has passed since the last fire.
type Trigger struct {
	ID        string
	Condition Condition
	Action    string
	Params    value.Value
	Debounce  time.Duration
	Throttle  time.Duration
}

// State is the runtime state of a trigger.
type State struct {
	LastFired time.Time
}

func (t *Trigger) suppressed(st State, now time.Time) bool {
	if st.LastFired.IsZero() {
		return false
	}
	elapsed := now.Sub(st.LastFired)
	return (t.Debounce > 0 && elapsed < t.Debounce) || (t.Throttle > 0 && elapsed < t.Throttle)
}
