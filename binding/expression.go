package binding

import (
	"strings"
	"unicode"

	"github.com/c360/dataflow/datapath"
	"github.com/c360/dataflow/value"
)

// templateToken is replaced by the text of the input value in template expressions.
const templateToken = "value"

// Evaluate applies a binding expression to v.
//
//   - an empty expression returns v
//   - a single word without "value" extracts that dot path from an object, falling back
//     to v when the input is not an object or the path is missing
//   - an expression containing "value" is a template: every occurrence is replaced by the
//     text of v and the result is a string
//   - anything else returns v
//
// Evaluate never fails.
func Evaluate(expr string, v value.Value) value.Value {
	if strings.TrimSpace(expr) == "" {
		return v
	}
	if strings.Contains(expr, templateToken) {
		return value.String(strings.ReplaceAll(expr, templateToken, v.Text()))
	}
	if strings.IndexFunc(expr, unicode.IsSpace) >= 0 {
		return v
	}
	if _, ok := v.AsObject(); !ok {
		return v
	}
	got, ok := datapath.Parse(expr).Get(&v)
	if !ok {
		return v
	}
	return got.Clone()
}
