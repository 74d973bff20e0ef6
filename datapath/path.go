// Package datapath parses and evaluates dot-notation addresses into a value tree.
//
// A path such as "data.sensor.readings[0].temp" is a sequence of segments: Property for a
// named object member, Index for an array position, and Wildcard ("*") which only takes
// part in pattern matching. Parsing never fails; anything that does not look like an index
// or a wildcard is a property name.
package datapath

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/c360/dataflow/value"
)

var (
	// ErrInvalidPath is returned for empty paths, wildcard segments in a write, and index
	// segments that address a missing array element.
	ErrInvalidPath = errors.New("invalid path")
	// ErrTypeMismatch is returned when a segment kind does not fit the value it walks into.
	ErrTypeMismatch = errors.New("type mismatch")
)

// SegmentKind distinguishes the three segment forms.
type SegmentKind uint8

const (
	Property SegmentKind = iota
	Index
	Wildcard
)

// Segment is one step of a Path.
type Segment struct {
	Kind  SegmentKind
	Name  string
	Index int
}

// Prop returns a Property segment.
func Prop(name string) Segment { return Segment{Kind: Property, Name: name} }

// Idx returns an Index segment.
func Idx(n int) Segment { return Segment{Kind: Index, Index: n} }

// Any returns a Wildcard segment.
func Any() Segment { return Segment{Kind: Wildcard} }

func (s Segment) String() string {
	switch s.Kind {
	case Index:
		return strconv.Itoa(s.Index)
	case Wildcard:
		return "*"
	}
	return s.Name
}

func (s Segment) matches(other Segment) bool {
	if s.Kind == Wildcard || other.Kind == Wildcard {
		return true
	}
	return s == other
}

// Path is an ordered list of segments.
type Path []Segment

// Parse splits s on "." into segments. Empty segments are skipped.
func Parse(s string) Path {
	parts := strings.Split(s, ".")
	p := make(Path, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		p = append(p, parseSegment(part)...)
	}
	return p
}

func parseSegment(raw string) []Segment {
	if raw == "*" {
		return []Segment{Any()}
	}
	if n, ok := parseIndex(raw); ok {
		return []Segment{Idx(n)}
	}

	open := strings.IndexByte(raw, '[')
	if open < 0 || !strings.HasSuffix(raw, "]") {
		return []Segment{Prop(raw)}
	}

	// name[n][m]...
	out := make([]Segment, 0, 2)
	if name := raw[:open]; name != "" {
		out = append(out, Prop(name))
	}
	rest := raw[open:]
	for rest != "" {
		if rest[0] != '[' {
			return []Segment{Prop(raw)}
		}
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return []Segment{Prop(raw)}
		}
		n, ok := parseIndex(rest[1:end])
		if !ok {
			return []Segment{Prop(raw)}
		}
		out = append(out, Idx(n))
		rest = rest[end+1:]
	}
	return out
}

func parseIndex(s string) (int, bool) {
	if s == "" || s[0] < '0' || s[0] > '9' {
		return 0, false
	}
	n, err := strconv.ParseUint(s, 10, 31)
	if err != nil {
		return 0, false
	}
	return int(n), true
}

// FromSource returns the repository path of a source's subtree, data.<id>.
func FromSource(id string) Path {
	return Path{Prop("data"), Prop(id)}
}

// String joins the segments with ".". For paths without bracket shorthand this is the
// exact inverse of Parse.
func (p Path) String() string {
	parts := make([]string, len(p))
	for i, s := range p {
		parts[i] = s.String()
	}
	return strings.Join(parts, ".")
}

// HasWildcard reports whether any segment is a Wildcard.
func (p Path) HasWildcard() bool {
	for _, s := range p {
		if s.Kind == Wildcard {
			return true
		}
	}
	return false
}

// Matches reports whether p and other have the same length and every position is either
// equal or a Wildcard on one side.
func (p Path) Matches(other Path) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if !p[i].matches(other[i]) {
			return false
		}
	}
	return true
}

// Get returns a pointer to the addressed value inside root. The pointer aliases root; callers
// that hand the value out must Clone it.
func (p Path) Get(root *value.Value) (*value.Value, bool) {
	cur := root
	for _, seg := range p {
		if cur == nil {
			return nil, false
		}
		switch seg.Kind {
		case Property:
			obj, ok := cur.AsObject()
			if !ok {
				return nil, false
			}
			cur = obj.Ptr(seg.Name)
		case Index:
			cur = cur.Index(seg.Index)
		default:
			return nil, false
		}
	}
	return cur, cur != nil
}

// Set writes v at the addressed location, creating intermediate objects for missing
// property segments. A Null intermediate is replaced by an empty object.
func (p Path) Set(root *value.Value, v value.Value) error {
	if len(p) == 0 {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if p.HasWildcard() {
		return fmt.Errorf("%w: wildcard in %q", ErrInvalidPath, p)
	}

	if err := p.writable(root); err != nil {
		return err
	}

	cur := root
	for i, seg := range p[:len(p)-1] {
		next, err := step(cur, seg, true)
		if err != nil {
			return fmt.Errorf("%w at %q", err, p[:i+1])
		}
		cur = next
	}

	last := p[len(p)-1]
	switch last.Kind {
	case Property:
		if cur.IsNull() {
			*cur = value.EmptyObject()
		}
		obj, ok := cur.AsObject()
		if !ok {
			return fmt.Errorf("%w: %q is %s, not object", ErrTypeMismatch, p[:len(p)-1], cur.Kind())
		}
		obj.Set(last.Name, v)
	case Index:
		elem, err := step(cur, last, false)
		if err != nil {
			return fmt.Errorf("%w at %q", err, p)
		}
		*elem = v
	}
	return nil
}

// writable walks p without touching root and reports the error Set would hit, so a failed
// Set leaves no vivified objects behind. A nil cursor stands for an object Set would create.
func (p Path) writable(root *value.Value) error {
	cur := root
	for i, seg := range p {
		at := p[:i+1]
		switch seg.Kind {
		case Property:
			if cur == nil || cur.IsNull() {
				cur = nil
				continue
			}
			obj, ok := cur.AsObject()
			if !ok {
				if i == len(p)-1 {
					return fmt.Errorf("%w: %q is %s, not object", ErrTypeMismatch, p[:i], cur.Kind())
				}
				return fmt.Errorf("%w: expected object, found %s at %q", ErrTypeMismatch, cur.Kind(), at)
			}
			cur = obj.Ptr(seg.Name)
		case Index:
			found := value.KindObject
			if cur != nil {
				found = cur.Kind()
			}
			if found != value.KindArray {
				return fmt.Errorf("%w: expected array, found %s at %q", ErrTypeMismatch, found, at)
			}
			cur = cur.Index(seg.Index)
			if cur == nil {
				return fmt.Errorf("%w: index %d out of range at %q", ErrInvalidPath, seg.Index, at)
			}
		}
	}
	return nil
}

func step(cur *value.Value, seg Segment, vivify bool) (*value.Value, error) {
	switch seg.Kind {
	case Property:
		if cur.IsNull() && vivify {
			*cur = value.EmptyObject()
		}
		obj, ok := cur.AsObject()
		if !ok {
			return nil, fmt.Errorf("%w: expected object, found %s", ErrTypeMismatch, cur.Kind())
		}
		child := obj.Ptr(seg.Name)
		if child == nil {
			obj.Set(seg.Name, value.EmptyObject())
			child = obj.Ptr(seg.Name)
		}
		return child, nil
	case Index:
		if cur.Kind() != value.KindArray {
			return nil, fmt.Errorf("%w: expected array, found %s", ErrTypeMismatch, cur.Kind())
		}
		elem := cur.Index(seg.Index)
		if elem == nil {
			return nil, fmt.Errorf("%w: index %d out of range", ErrInvalidPath, seg.Index)
		}
		return elem, nil
	}
	return nil, ErrInvalidPath
}
