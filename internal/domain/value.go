package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ValueKind identifies the concrete type held by a Value.
type ValueKind string

const (
	KindInt    ValueKind = "int"
	KindFloat  ValueKind = "float"
	KindBool   ValueKind = "bool"
	KindString ValueKind = "string"
	KindList   ValueKind = "list"
)

// IsValid returns true if the kind is a known ValueKind.
func (k ValueKind) IsValid() bool {
	switch k {
	case KindInt, KindFloat, KindBool, KindString, KindList:
		return true
	default:
		return false
	}
}

// String returns the string representation of the kind.
func (k ValueKind) String() string {
	return string(k)
}

// Value is a single strategy parameter value. Integers and floats are kept
// apart so that a checkpoint round trip never turns 14 into 14.0.
type Value struct {
	Kind  ValueKind
	Int   int64
	Float float64
	Bool  bool
	Str   string
	List  []Value
}

// IntValue returns an integer Value.
func IntValue(v int64) Value { return Value{Kind: KindInt, Int: v} }

// FloatValue returns a float Value.
func FloatValue(v float64) Value { return Value{Kind: KindFloat, Float: v} }

// BoolValue returns a boolean Value.
func BoolValue(v bool) Value { return Value{Kind: KindBool, Bool: v} }

// StringValue returns a string Value.
func StringValue(v string) Value { return Value{Kind: KindString, Str: v} }

// ListValue returns a list Value holding copies of items.
func ListValue(items ...Value) Value {
	list := make([]Value, len(items))
	for i, item := range items {
		list[i] = item.Clone()
	}
	return Value{Kind: KindList, List: list}
}

// IsNumeric reports whether the value is an int or a float. Booleans are not
// numeric.
func (v Value) IsNumeric() bool {
	return v.Kind == KindInt || v.Kind == KindFloat
}

// AsFloat returns the numeric value as float64. Non-numeric values return 0.
func (v Value) AsFloat() float64 {
	switch v.Kind {
	case KindInt:
		return float64(v.Int)
	case KindFloat:
		return v.Float
	default:
		return 0
	}
}

// Clone returns a deep copy of the value.
func (v Value) Clone() Value {
	if v.Kind != KindList {
		return v
	}
	out := Value{Kind: KindList, List: make([]Value, len(v.List))}
	for i, item := range v.List {
		out.List[i] = item.Clone()
	}
	return out
}

// Equal reports whether two values have the same kind and content.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindInt:
		return v.Int == other.Int
	case KindFloat:
		return v.Float == other.Float || (math.IsNaN(v.Float) && math.IsNaN(other.Float))
	case KindBool:
		return v.Bool == other.Bool
	case KindString:
		return v.Str == other.Str
	case KindList:
		if len(v.List) != len(other.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(other.List[i]) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// Interface converts the value to a plain Go value (int64, float64, bool,
// string or []interface{}), suitable for JSON request bodies sent to
// external backtesters.
func (v Value) Interface() interface{} {
	switch v.Kind {
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindBool:
		return v.Bool
	case KindString:
		return v.Str
	case KindList:
		out := make([]interface{}, len(v.List))
		for i, item := range v.List {
			out[i] = item.Interface()
		}
		return out
	default:
		return nil
	}
}

// String returns a human readable representation.
func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindString:
		return v.Str
	case KindList:
		parts := make([]string, len(v.List))
		for i, item := range v.List {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return "<nil>"
	}
}

// ValueFromInterface converts a decoded YAML/JSON scalar or list into a Value.
// Whole-number floats stay floats; callers that know the declared type should
// use Coerce afterwards.
func ValueFromInterface(raw interface{}) (Value, error) {
	switch v := raw.(type) {
	case int:
		return IntValue(int64(v)), nil
	case int32:
		return IntValue(int64(v)), nil
	case int64:
		return IntValue(v), nil
	case uint64:
		return IntValue(int64(v)), nil
	case float32:
		return FloatValue(float64(v)), nil
	case float64:
		return FloatValue(v), nil
	case bool:
		return BoolValue(v), nil
	case string:
		return StringValue(v), nil
	case []interface{}:
		items := make([]Value, 0, len(v))
		for _, item := range v {
			iv, err := ValueFromInterface(item)
			if err != nil {
				return Value{}, err
			}
			items = append(items, iv)
		}
		return Value{Kind: KindList, List: items}, nil
	default:
		return Value{}, fmt.Errorf("%w: unsupported parameter value %v (%T)", ErrInvalidInput, raw, raw)
	}
}

// Coerce converts a numeric value to the requested parameter type. Other
// combinations are returned unchanged.
func (v Value) Coerce(t ParamType) Value {
	switch {
	case t == ParamTypeInt && v.Kind == KindFloat:
		return IntValue(int64(math.Round(v.Float)))
	case t == ParamTypeFloat && v.Kind == KindInt:
		return FloatValue(float64(v.Int))
	default:
		return v
	}
}

// Parameters maps parameter names to values.
type Parameters map[string]Value

// Clone returns a deep copy of the parameters.
func (p Parameters) Clone() Parameters {
	if p == nil {
		return nil
	}
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = v.Clone()
	}
	return out
}

// Names returns the parameter names in sorted order.
func (p Parameters) Names() []string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Equal reports whether both parameter sets hold the same values.
func (p Parameters) Equal(other Parameters) bool {
	if len(p) != len(other) {
		return false
	}
	for k, v := range p {
		ov, ok := other[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Map converts the parameters into plain Go values.
func (p Parameters) Map() map[string]interface{} {
	out := make(map[string]interface{}, len(p))
	for k, v := range p {
		out[k] = v.Interface()
	}
	return out
}

// MarshalJSON encodes the value as a plain JSON scalar or array.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON decodes a plain JSON scalar or array. Numbers without a
// fraction or exponent become ints.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := valueFromJSON(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func valueFromJSON(raw interface{}) (Value, error) {
	switch t := raw.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return IntValue(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: bad number %q", ErrInvalidInput, t)
		}
		return FloatValue(f), nil
	case []interface{}:
		items := make([]Value, 0, len(t))
		for _, item := range t {
			iv, err := valueFromJSON(item)
			if err != nil {
				return Value{}, err
			}
			items = append(items, iv)
		}
		return Value{Kind: KindList, List: items}, nil
	default:
		return ValueFromInterface(raw)
	}
}
