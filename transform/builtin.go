package transform

import (
	"slices"

	"github.com/c360/dataflow/datapath"
	"github.com/c360/dataflow/value"
)

// Mapping projects the value at Source (a dot path) onto the output field Target.
type Mapping struct {
	Target string
	Source datapath.Path
}

// Map builds a new object per item from its mappings. Sources that do not resolve are left
// out of the result.
type Map struct {
	Mappings []Mapping
}

func (Map) Name() string { return "map" }

func (m Map) Apply(v value.Value, _ Context) (value.Value, error) {
	return eachItem(v, m.project), nil
}

func (m Map) project(item value.Value) value.Value {
	out := value.NewObject()
	for _, mp := range m.Mappings {
		if got, ok := mp.Source.Get(&item); ok {
			out.Set(mp.Target, got.Clone())
		}
	}
	return value.ObjectValue(out)
}

// Operator is a filter comparison.
type Operator string

// Filter operators.
const (
	OpEq Operator = "eq"
	OpNe Operator = "ne"
)

// Filter keeps array items whose Field compares to Value under Op. A non-array input passes
// unchanged when it matches and becomes Null otherwise. Items missing Field never match.
type Filter struct {
	Field datapath.Path
	Op    Operator
	Value value.Value
}

func (Filter) Name() string { return "filter" }

func (f Filter) Apply(v value.Value, _ Context) (value.Value, error) {
	if items, ok := v.AsArray(); ok {
		kept := make([]value.Value, 0, len(items))
		for _, item := range items {
			if f.matches(item) {
				kept = append(kept, item)
			}
		}
		return value.Array(kept...), nil
	}
	if f.matches(v) {
		return v, nil
	}
	return value.Null(), nil
}

func (f Filter) matches(item value.Value) bool {
	got, ok := f.Field.Get(&item)
	if !ok {
		return false
	}
	if f.Op == OpNe {
		return !got.Equal(f.Value)
	}
	return got.Equal(f.Value)
}

// Select keeps only the named top-level fields of an object, or of each object in an array.
type Select struct {
	Fields []string
}

func (Select) Name() string { return "select" }

func (s Select) Apply(v value.Value, _ Context) (value.Value, error) {
	return eachItem(v, s.project), nil
}

func (s Select) project(item value.Value) value.Value {
	obj, ok := item.AsObject()
	if !ok {
		return item
	}
	out := value.NewObject()
	for _, name := range s.Fields {
		if got, ok := obj.Get(name); ok {
			out.Set(name, got)
		}
	}
	return value.ObjectValue(out)
}

// Sort orders an array by Field with a stable sort. Only int/int, float/float and
// string/string pairs are ordered; every other pair compares equal and keeps its order.
type Sort struct {
	Field      datapath.Path
	Descending bool
}

func (Sort) Name() string { return "sort" }

func (s Sort) Apply(v value.Value, _ Context) (value.Value, error) {
	items, ok := v.AsArray()
	if !ok {
		return v, nil
	}
	sorted := slices.Clone(items)
	slices.SortStableFunc(sorted, func(a, b value.Value) int {
		c := compareSameKind(s.key(a), s.key(b))
		if s.Descending {
			return -c
		}
		return c
	})
	return value.Array(sorted...), nil
}

func (s Sort) key(item value.Value) value.Value {
	if got, ok := s.Field.Get(&item); ok {
		return *got
	}
	return value.Null()
}

func compareSameKind(a, b value.Value) int {
	if a.Kind() != b.Kind() {
		return 0
	}
	switch a.Kind() {
	case value.KindInt, value.KindFloat, value.KindString:
		if c, ok := value.Compare(a, b); ok {
			return c
		}
	}
	return 0
}

// Take keeps the first N array items.
type Take struct {
	N int
}

func (Take) Name() string { return "take" }

func (t Take) Apply(v value.Value, _ Context) (value.Value, error) {
	items, ok := v.AsArray()
	if !ok {
		return v, nil
	}
	n := max(0, min(t.N, len(items)))
	return value.Array(slices.Clone(items[:n])...), nil
}

// Skip drops the first N array items.
type Skip struct {
	N int
}

func (Skip) Name() string { return "skip" }

func (s Skip) Apply(v value.Value, _ Context) (value.Value, error) {
	items, ok := v.AsArray()
	if !ok {
		return v, nil
	}
	n := max(0, min(s.N, len(items)))
	return value.Array(slices.Clone(items[n:])...), nil
}

// eachItem applies fn to every element of an array, or to v itself otherwise.
func eachItem(v value.Value, fn func(value.Value) value.Value) value.Value {
	items, ok := v.AsArray()
	if !ok {
		return fn(v)
	}
	out := make([]value.Value, len(items))
	for i, item := range items {
		out[i] = fn(item)
	}
	return value.Array(out...)
}
