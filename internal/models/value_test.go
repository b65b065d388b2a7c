package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_Kinds(t *testing.T) {
	assert.Equal(t, KindNull, NullVal().Kind())
	assert.Equal(t, KindNull, Value{}.Kind())
	assert.Equal(t, KindBool, BoolVal(true).Kind())
	assert.Equal(t, KindInt, IntVal(5).Kind())
	assert.Equal(t, KindFloat, FloatVal(1.5).Kind())
	assert.Equal(t, KindString, StringVal("x").Kind())
	assert.Equal(t, KindList, ListVal(IntVal(1)).Kind())
	assert.Equal(t, KindMap, MapVal(map[string]Value{"a": IntVal(1)}).Kind())
}

func TestValue_Equal(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"null equals null", NullVal(), NullVal(), true},
		{"bool equal", BoolVal(true), BoolVal(true), true},
		{"bool unequal", BoolVal(true), BoolVal(false), false},
		{"int equal", IntVal(5), IntVal(5), true},
		{"int and float cross compare", IntVal(5), FloatVal(5.0), true},
		{"int and float differ", IntVal(5), FloatVal(5.5), false},
		{"string equal is case sensitive", StringVal("Admin"), StringVal("admin"), false},
		{"string not coerced to number", StringVal("5"), IntVal(5), false},
		{"null not equal to false", NullVal(), BoolVal(false), false},
		{
			"lists element wise",
			ListVal(IntVal(1), StringVal("a")),
			ListVal(IntVal(1), StringVal("a")),
			true,
		},
		{
			"lists differ in length",
			ListVal(IntVal(1)),
			ListVal(IntVal(1), IntVal(2)),
			false,
		},
		{
			"maps key wise",
			MapVal(map[string]Value{"a": IntVal(1), "b": StringVal("x")}),
			MapVal(map[string]Value{"b": StringVal("x"), "a": IntVal(1)}),
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Equal(tt.b))
			assert.Equal(t, tt.want, tt.b.Equal(tt.a))
		})
	}
}

func TestValue_Compare(t *testing.T) {
	c, ok := IntVal(92).Compare(IntVal(80))
	require.True(t, ok)
	assert.Equal(t, 1, c)

	c, ok = FloatVal(1.5).Compare(IntVal(2))
	require.True(t, ok)
	assert.Equal(t, -1, c)

	c, ok = IntVal(3).Compare(FloatVal(3))
	require.True(t, ok)
	assert.Equal(t, 0, c)

	_, ok = StringVal("92").Compare(IntVal(80))
	assert.False(t, ok, "strings must not compare numerically")

	_, ok = IntVal(1).Compare(NullVal())
	assert.False(t, ok)
}

func TestValue_Resolve(t *testing.T) {
	data := MapVal(map[string]Value{
		"performance": MapVal(map[string]Value{
			"cpu_percent": IntVal(92),
			"samples":     ListVal(FloatVal(0.1), FloatVal(0.9)),
		}),
		"plugins": ListVal(
			MapVal(map[string]Value{"name": StringVal("cache")}),
			MapVal(map[string]Value{"name": StringVal("seo")}),
		),
	})

	v, ok := data.Resolve("performance.cpu_percent")
	require.True(t, ok)
	assert.Equal(t, IntVal(92), v)

	v, ok = data.Resolve("performance.samples.1")
	require.True(t, ok)
	assert.Equal(t, FloatVal(0.9), v)

	v, ok = data.Resolve("plugins.0.name")
	require.True(t, ok)
	assert.Equal(t, StringVal("cache"), v)

	_, ok = data.Resolve("performance.missing")
	assert.False(t, ok)

	_, ok = data.Resolve("plugins.7.name")
	assert.False(t, ok)

	_, ok = data.Resolve("performance.cpu_percent.deeper")
	assert.False(t, ok, "cannot descend through a scalar")

	v, ok = data.Resolve("")
	require.True(t, ok)
	assert.Equal(t, KindMap, v.Kind())
}

func TestValue_JSONRoundTrip(t *testing.T) {
	raw := []byte(`{"cpu":92,"ratio":0.75,"name":"wordpress","ok":true,"tags":["a","b"],"nested":{"x":null}}`)

	v, err := ParseJSON(raw)
	require.NoError(t, err)

	cpu, ok := v.Resolve("cpu")
	require.True(t, ok)
	assert.Equal(t, KindInt, cpu.Kind(), "integral JSON numbers decode as ints")

	ratio, ok := v.Resolve("ratio")
	require.True(t, ok)
	assert.Equal(t, KindFloat, ratio.Kind())

	nested, ok := v.Resolve("nested.x")
	require.True(t, ok)
	assert.True(t, nested.IsNull())

	out, err := v.MarshalJSON()
	require.NoError(t, err)
	v2, err := ParseJSON(out)
	require.NoError(t, err)
	assert.True(t, v.Equal(v2))
}

func TestValue_MarshalDeterministic(t *testing.T) {
	v := MapVal(map[string]Value{
		"b": IntVal(2),
		"a": IntVal(1),
		"c": ListVal(StringVal("x")),
	})
	first, err := v.MarshalJSON()
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := v.MarshalJSON()
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
	assert.Equal(t, `{"a":1,"b":2,"c":["x"]}`, string(first))
}

func TestFromAny(t *testing.T) {
	v := FromAny(map[string]interface{}{
		"count": 3,
		"names": []interface{}{"a", "b"},
	})
	count, ok := v.Resolve("count")
	require.True(t, ok)
	assert.Equal(t, IntVal(3), count)
	names, ok := v.Resolve("names")
	require.True(t, ok)
	list, ok := names.AsList()
	require.True(t, ok)
	assert.Len(t, list, 2)
}

func TestDataSet_Resolve(t *testing.T) {
	ds := DataSet{
		"security": MapVal(map[string]Value{"tls_version": StringVal("1.0")}),
	}
	v, ok := ds.Resolve("security.tls_version")
	require.True(t, ok)
	assert.Equal(t, StringVal("1.0"), v)

	_, ok = ds.Resolve("absent.path")
	assert.False(t, ok)
}
