package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValueKind identifies the shape held by a Value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
	KindMap
)

// String returns the kind name used in logs and error messages.
func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is the tagged union the kernel uses for all data crossing the
// connector boundary: null, bool, int64, float64, string, list, map.
// External payloads are parsed into Values at the edge so the rule engine
// and remediation pipeline never handle raw interface{} data.
type Value struct {
	kind ValueKind
	b    bool
	i    int64
	f    float64
	s    string
	list []Value
	m    map[string]Value
}

// NullVal returns the null Value. The zero Value is also null.
func NullVal() Value { return Value{kind: KindNull} }

// BoolVal wraps a bool.
func BoolVal(b bool) Value { return Value{kind: KindBool, b: b} }

// IntVal wraps an int64.
func IntVal(i int64) Value { return Value{kind: KindInt, i: i} }

// FloatVal wraps a float64.
func FloatVal(f float64) Value { return Value{kind: KindFloat, f: f} }

// StringVal wraps a string.
func StringVal(s string) Value { return Value{kind: KindString, s: s} }

// ListVal wraps a list of Values.
func ListVal(items ...Value) Value {
	return Value{kind: KindList, list: items}
}

// MapVal wraps a map of Values. The map is used as given, not copied.
func MapVal(m map[string]Value) Value {
	return Value{kind: KindMap, m: m}
}

// Kind reports the shape of the value.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// IsNumber reports whether the value is an int or a float.
func (v Value) IsNumber() bool { return v.kind == KindInt || v.kind == KindFloat }

// AsBool returns the boolean payload. ok is false for non-bool values.
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// AsInt returns the integer payload. ok is false for non-int values.
func (v Value) AsInt() (int64, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return v.i, true
}

// AsFloat returns the numeric payload as a float64. Ints coerce losslessly
// within float64 precision; ok is false for non-numeric values.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	default:
		return 0, false
	}
}

// AsString returns the string payload. ok is false for non-string values.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

// AsList returns the list payload. ok is false for non-list values.
func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.list, true
}

// AsMap returns the map payload. ok is false for non-map values.
func (v Value) AsMap() (map[string]Value, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return v.m, true
}

// Equal reports deep equality. Ints and floats compare numerically across
// kinds so data decoded from JSON matches integer rule values; no other
// cross-kind coercion is applied.
func (v Value) Equal(o Value) bool {
	if v.IsNumber() && o.IsNumber() {
		a, _ := v.AsFloat()
		b, _ := o.AsFloat()
		return a == b
	}
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindString:
		return v.s == o.s
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, a := range v.m {
			b, ok := o.m[k]
			if !ok || !a.Equal(b) {
				return false
			}
		}
		return true
	}
	return false
}

// Compare orders two numeric values, returning -1, 0 or 1. ok is false when
// either side is not a number.
func (v Value) Compare(o Value) (int, bool) {
	a, okA := v.AsFloat()
	b, okB := o.AsFloat()
	if !okA || !okB {
		return 0, false
	}
	switch {
	case a < b:
		return -1, true
	case a > b:
		return 1, true
	default:
		return 0, true
	}
}

// Resolve walks a dotted field path through nested maps and lists. Numeric
// segments index lists; any miss or type mismatch returns ok=false.
func (v Value) Resolve(path string) (Value, bool) {
	if path == "" {
		return v, true
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch cur.kind {
		case KindMap:
			next, ok := cur.m[seg]
			if !ok {
				return NullVal(), false
			}
			cur = next
		case KindList:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(cur.list) {
				return NullVal(), false
			}
			cur = cur.list[idx]
		default:
			return NullVal(), false
		}
	}
	return cur, true
}

// String renders the value for logs and evidence context. Strings render
// raw; composites render as compact JSON.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	default:
		b, err := v.MarshalJSON()
		if err != nil {
			return fmt.Sprintf("<%s>", v.kind)
		}
		return string(b)
	}
}

// MarshalJSON renders the value as its natural JSON form. Map keys are
// emitted in sorted order so serialized snapshots compare byte-for-byte.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return []byte(strconv.FormatBool(v.b)), nil
	case KindInt:
		return []byte(strconv.FormatInt(v.i, 10)), nil
	case KindFloat:
		return json.Marshal(v.f)
	case KindString:
		return json.Marshal(v.s)
	case KindList:
		var sb strings.Builder
		sb.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				sb.WriteByte(',')
			}
			b, err := item.MarshalJSON()
			if err != nil {
				return nil, err
			}
			sb.Write(b)
		}
		sb.WriteByte(']')
		return []byte(sb.String()), nil
	case KindMap:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			sb.Write(kb)
			sb.WriteByte(':')
			vb, err := v.m[k].MarshalJSON()
			if err != nil {
				return nil, err
			}
			sb.Write(vb)
		}
		sb.WriteByte('}')
		return []byte(sb.String()), nil
	default:
		return nil, fmt.Errorf("value: cannot marshal kind %s", v.kind)
	}
}

// UnmarshalJSON parses arbitrary JSON into the union. Numbers without a
// fractional part become ints, everything else a float.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := fromDecoded(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseJSON decodes a JSON document into a Value.
func ParseJSON(data []byte) (Value, error) {
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return NullVal(), err
	}
	return v, nil
}

// UnmarshalYAML decodes a YAML node into the union, for rule packs.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	var raw interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*v = FromAny(raw)
	return nil
}

// MarshalYAML renders the value as its natural YAML form.
func (v Value) MarshalYAML() (interface{}, error) {
	return v.ToAny(), nil
}

func fromDecoded(raw interface{}) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return NullVal(), nil
	case bool:
		return BoolVal(t), nil
	case string:
		return StringVal(t), nil
	case json.Number:
		if i, err := strconv.ParseInt(t.String(), 10, 64); err == nil {
			return IntVal(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return NullVal(), fmt.Errorf("value: bad number %q", t.String())
		}
		return FloatVal(f), nil
	case []interface{}:
		items := make([]Value, len(t))
		for i, e := range t {
			v, err := fromDecoded(e)
			if err != nil {
				return NullVal(), err
			}
			items[i] = v
		}
		return ListVal(items...), nil
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			v, err := fromDecoded(e)
			if err != nil {
				return NullVal(), err
			}
			m[k] = v
		}
		return MapVal(m), nil
	default:
		return NullVal(), fmt.Errorf("value: unsupported type %T", raw)
	}
}

// FromAny converts common Go primitives into a Value. Unsupported types
// fall back to their fmt rendering as a string.
func FromAny(raw interface{}) Value {
	switch t := raw.(type) {
	case nil:
		return NullVal()
	case Value:
		return t
	case bool:
		return BoolVal(t)
	case int:
		return IntVal(int64(t))
	case int32:
		return IntVal(int64(t))
	case int64:
		return IntVal(t)
	case uint:
		return IntVal(int64(t))
	case uint32:
		return IntVal(int64(t))
	case float32:
		return FloatVal(float64(t))
	case float64:
		return FloatVal(t)
	case string:
		return StringVal(t)
	case []Value:
		return ListVal(t...)
	case map[string]Value:
		return MapVal(t)
	case []interface{}:
		items := make([]Value, len(t))
		for i, e := range t {
			items[i] = FromAny(e)
		}
		return ListVal(items...)
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = FromAny(e)
		}
		return MapVal(m)
	default:
		return StringVal(fmt.Sprintf("%v", raw))
	}
}

// ToAny converts the value back to plain Go types for JSON-oriented sinks.
func (v Value) ToAny() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindList:
		out := make([]interface{}, len(v.list))
		for i, e := range v.list {
			out[i] = e.ToAny()
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, len(v.m))
		for k, e := range v.m {
			out[k] = e.ToAny()
		}
		return out
	default:
		return nil
	}
}

// DataSet is the structured payload a scanner extracts from a target system
// for rule evaluation.
type DataSet map[string]Value

// Resolve walks a dotted field path rooted at the data set.
func (d DataSet) Resolve(path string) (Value, bool) {
	return MapVal(d).Resolve(path)
}

// Merge overlays other onto d, returning d for chaining. Colliding keys are
// overwritten.
func (d DataSet) Merge(other DataSet) DataSet {
	for k, v := range other {
		d[k] = v
	}
	return d
}
