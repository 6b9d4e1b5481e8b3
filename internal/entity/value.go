package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"unicode/utf16"
)

// Value is a sealed interface over the field value types an entity may carry.
// Only Null, String, Int, Bool, List and Object implement it.
type Value interface {
	entityValue()
}

// Null represents an explicit JSON null.
type Null struct{}

func (Null) entityValue() {}

// MarshalJSON implements json.Marshaler.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// String is a string field value.
type String string

func (String) entityValue() {}

// Int is an integer field value. Monetary amounts are Ints in cents.
type Int int64

func (Int) entityValue() {}

// Bool is a boolean field value.
type Bool bool

func (Bool) entityValue() {}

// List is an ordered list of values.
type List []Value

func (List) entityValue() {}

// Object is a nested map of values.
type Object map[string]Value

func (Object) entityValue() {}

// Fields holds the mutable attributes of an entity beyond its envelope
// (id, version, status, timestamps).
type Fields map[string]Value

// Clone returns a deep copy of the fields.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = CloneValue(v)
	}
	return out
}

// String returns the named field as a string. Ints and bools are formatted.
func (f Fields) String(name string) (string, bool) {
	switch v := f[name].(type) {
	case String:
		return string(v), true
	case Int:
		return strconv.FormatInt(int64(v), 10), true
	case Bool:
		return strconv.FormatBool(bool(v)), true
	default:
		return "", false
	}
}

// Int returns the named field as an int64.
func (f Fields) Int(name string) (int64, bool) {
	v, ok := f[name].(Int)
	return int64(v), ok
}

// Bool returns the named field as a bool.
func (f Fields) Bool(name string) (bool, bool) {
	v, ok := f[name].(Bool)
	return bool(v), ok
}

// UnmarshalJSON decodes fields with strict value validation.
func (f *Fields) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if raw == nil {
		*f = nil
		return nil
	}
	out := make(Fields, len(raw))
	for k, v := range raw {
		val, err := FromAny(v)
		if err != nil {
			return fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = val
	}
	*f = out
	return nil
}

// CloneValue deep-copies a value. Scalars are returned as-is.
func CloneValue(v Value) Value {
	switch val := v.(type) {
	case List:
		out := make(List, len(val))
		for i, elem := range val {
			out[i] = CloneValue(elem)
		}
		return out
	case Object:
		out := make(Object, len(val))
		for k, elem := range val {
			out[k] = CloneValue(elem)
		}
		return out
	default:
		return v
	}
}

// ValueEqual reports whether two values are structurally equal.
// A nil Value and Null are considered equal.
func ValueEqual(a, b Value) bool {
	if a == nil {
		a = Null{}
	}
	if b == nil {
		b = Null{}
	}
	switch av := a.(type) {
	case Null:
		_, ok := b.(Null)
		return ok
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Int:
		bv, ok := b.(Int)
		return ok && av == bv
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case List:
		bv, ok := b.(List)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !ValueEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Object:
		bv, ok := b.(Object)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, exists := bv[k]
			if !exists || !ValueEqual(v, other) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// FieldsEqual reports whether two field maps hold the same values.
func FieldsEqual(a, b Fields) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		other, ok := b[k]
		if !ok || !ValueEqual(v, other) {
			return false
		}
	}
	return true
}

// FromAny converts a decoded Go value into a Value.
//
// It accepts what encoding/json (with or without UseNumber), msgpack and
// database drivers produce. Floats are only accepted when integral, since
// transports that decode numbers as float64 cannot be avoided entirely.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case []byte:
		return String(string(val)), nil
	case bool:
		return Bool(val), nil
	case json.Number:
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("non-integer number %s: floats are not allowed", val)
		}
		return Int(n), nil
	case int:
		return Int(val), nil
	case int8:
		return Int(val), nil
	case int16:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint8:
		return Int(val), nil
	case uint16:
		return Int(val), nil
	case uint32:
		return Int(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("number %d out of int64 range", val)
		}
		return Int(val), nil
	case float32:
		return fromFloat(float64(val))
	case float64:
		return fromFloat(val)
	case []any:
		out := make(List, len(val))
		for i, elem := range val {
			conv, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = conv
		}
		return out, nil
	case map[string]any:
		out := make(Object, len(val))
		for k, elem := range val {
			conv, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			out[k] = conv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func fromFloat(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return nil, fmt.Errorf("non-integer number %v: floats are not allowed", f)
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return nil, fmt.Errorf("number %v out of int64 range", f)
	}
	return Int(int64(f)), nil
}

// ToAny converts a Value into plain Go types (string, int64, bool, []any,
// map[string]any, nil) for transports that do not know about Value.
func ToAny(v Value) any {
	switch val := v.(type) {
	case nil, Null:
		return nil
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Bool:
		return bool(val)
	case List:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = ToAny(elem)
		}
		return out
	case Object:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = ToAny(elem)
		}
		return out
	default:
		return nil
	}
}

// FieldsFromMap converts a plain map into Fields.
func FieldsFromMap(m map[string]any) (Fields, error) {
	out := make(Fields, len(m))
	for k, v := range m {
		val, err := FromAny(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = val
	}
	return out, nil
}

// FieldsToMap converts Fields into a plain map.
func FieldsToMap(f Fields) map[string]any {
	out := make(map[string]any, len(f))
	for k, v := range f {
		out[k] = ToAny(v)
	}
	return out
}

// sortedKeys returns keys in RFC 8785 order (UTF-16 code units).
// Go's string comparison orders by UTF-8 bytes, which differs for
// characters outside the BMP.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	default:
		return 0
	}
}
