package value

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_Equal(t *testing.T) {
	a := ObjectOf(Pair("a", Int(1)), Pair("b", Array(String("x"), Null())))
	b := ObjectOf(Pair("b", Array(String("x"), Null())), Pair("a", Int(1)))

	assert.True(t, a.Equal(b), "key order is ignored")
	assert.False(t, Int(1).Equal(Float(1)), "int and float differ")
	assert.False(t, a.Equal(ObjectOf(Pair("a", Int(1)))))
	assert.True(t, Null().Equal(Value{}))
}

func TestValue_CloneIsDeep(t *testing.T) {
	orig := ObjectOf(Pair("list", Array(Int(1), Int(2))))
	clone := orig.Clone()

	obj, _ := clone.AsObject()
	list := obj.Ptr("list")
	*list.Index(0) = Int(99)

	first, _ := orig.Field("list")
	items, _ := first.AsArray()
	assert.Equal(t, Int(1), items[0])
}

func TestValue_JSONPreservesOrder(t *testing.T) {
	input := `{"z":1,"a":{"y":true,"b":null},"m":[1.5,"s",2.0]}`
	v, err := FromJSON([]byte(input))
	require.NoError(t, err)

	obj, ok := v.AsObject()
	require.True(t, ok)
	assert.Equal(t, []string{"z", "a", "m"}, obj.Keys())

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, input, string(out))

	m, _ := v.Field("m")
	items, _ := m.AsArray()
	assert.Equal(t, KindFloat, items[2].Kind(), "2.0 stays a float")
}

func TestValue_Text(t *testing.T) {
	tests := []struct {
		v    Value
		want string
	}{
		{Null(), "null"},
		{Bool(true), "true"},
		{Int(-7), "-7"},
		{Float(23.5), "23.5"},
		{Float(2), "2"},
		{String("hi"), "hi"},
		{Array(Int(1), String("a")), `[1,"a"]`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.v.Text())
	}
}

func TestCompare(t *testing.T) {
	cmp, ok := Compare(Int(5), Float(10))
	assert.True(t, ok)
	assert.Equal(t, -1, cmp)

	cmp, ok = Compare(String("b"), String("a"))
	assert.True(t, ok)
	assert.Equal(t, 1, cmp)

	_, ok = Compare(String("1"), Int(1))
	assert.False(t, ok)

	_, ok = Compare(Bool(true), Bool(true))
	assert.False(t, ok)
}

func TestDecode(t *testing.T) {
	assert.Equal(t, Int(42), Decode([]byte(" 42\n")))
	assert.Equal(t, String("not json"), Decode([]byte("not json")))
	assert.Equal(t, String(""), Decode(nil))

	v := Decode([]byte(`{"temp":23.5}`))
	temp, ok := v.Field("temp")
	assert.True(t, ok)
	assert.Equal(t, Float(23.5), temp)
}

func TestFromAny(t *testing.T) {
	v, err := FromAny(map[string]any{
		"b": []any{1, "two", 3.5},
		"a": map[string]any{"ok": true},
		"n": nil,
	})
	require.NoError(t, err)

	obj, _ := v.AsObject()
	assert.Equal(t, []string{"a", "b", "n"}, obj.Keys())
	assert.True(t, v.Equal(ObjectOf(
		Pair("a", ObjectOf(Pair("ok", Bool(true)))),
		Pair("b", Array(Int(1), String("two"), Float(3.5))),
		Pair("n", Null()),
	)))

	typed, err := FromAny([]map[string]any{{"x": 1}})
	require.NoError(t, err)
	assert.Equal(t, 1, typed.Len())

	_, err = FromAny(make(chan int))
	assert.Error(t, err)

	assert.Equal(t, map[string]any{"a": map[string]any{"ok": true}, "b": []any{int64(1), "two", 3.5}, "n": nil}, v.ToAny())
}

func TestFromYAML(t *testing.T) {
	v, err := FromYAML([]byte("zeta: 1\nalpha:\n  - x\n  - 2.5\nflag: true\n"))
	require.NoError(t, err)

	obj, _ := v.AsObject()
	assert.Equal(t, []string{"zeta", "alpha", "flag"}, obj.Keys())
	alpha, _ := v.Field("alpha")
	assert.True(t, alpha.Equal(Array(String("x"), Float(2.5))))
}

func TestObject_SetDelete(t *testing.T) {
	o := NewObject()
	o.Set("a", Int(1))
	o.Set("b", Int(2))
	o.Set("a", Int(3))

	assert.Equal(t, []string{"a", "b"}, o.Keys())
	v, _ := o.Get("a")
	assert.Equal(t, Int(3), v)

	assert.True(t, o.Delete("a"))
	assert.False(t, o.Delete("a"))
	assert.Equal(t, []string{"b"}, o.Keys())
}
