package propmap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Kind is the tag of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindBytes
	// KindOpaque holds any other Go value. Only untyped properties accept it.
	KindOpaque
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "str"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindBytes:
		return "bytes"
	default:
		return "opaque"
	}
}

// Value is a property value. The zero Value is null.
type Value struct {
	kind   Kind
	s      string
	i      int64
	f      float64
	b      bool
	raw    []byte
	opaque any
}

// Constructors for each kind. Bytes copies its argument.
func Null() Value { return Value{} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func Int(i int64) Value { return Value{kind: KindInt, i: i} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Bytes(b []byte) Value { return Value{kind: KindBytes, raw: append([]byte(nil), b...)} }
func Opaque(v any) Value { return Value{kind: KindOpaque, opaque: v} }
func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) IsNumber() bool { return v.kind == KindInt || v.kind == KindFloat }

// Of converts a native Go value into a Value. A Value is returned as is.
func Of(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case *Value:
		if t == nil {
			return Null()
		}
		return *t
	case string:
		return String(t)
	case []byte:
		return Bytes(t)
	case bool:
		return Bool(t)
	case int:
		return Int(int64(t))
	case int8:
		return Int(int64(t))
	case int16:
		return Int(int64(t))
	case int32:
		return Int(int64(t))
	case int64:
		return Int(t)
	case uint:
		if uint64(t) > math.MaxInt64 {
			return Opaque(x)
		}
		return Int(int64(t))
	case uint8:
		return Int(int64(t))
	case uint16:
		return Int(int64(t))
	case uint32:
		return Int(int64(t))
	case uint64:
		if t > math.MaxInt64 {
			return Opaque(x)
		}
		return Int(int64(t))
	case float32:
		return Float(float64(t))
	case float64:
		return Float(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i)
		}
		if f, err := t.Float64(); err == nil {
			return Float(f)
		}
		return String(t.String())
	default:
		return Opaque(x)
	}
}

// Str returns the string payload.
func (v Value) Str() (string, bool) { return v.s, v.kind == KindString }

// IntVal returns the integer payload.
func (v Value) IntVal() (int64, bool) { return v.i, v.kind == KindInt }

// FloatVal returns the float payload, widening integers.
func (v Value) FloatVal() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	}
	return 0, false
}

// BoolVal returns the boolean payload.
func (v Value) BoolVal() (bool, bool) { return v.b, v.kind == KindBool }

// BytesVal returns a copy of the binary payload.
func (v Value) BytesVal() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return append([]byte(nil), v.raw...), true
}

// Interface returns the native Go value held by v.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindBool:
		return v.b
	case KindBytes:
		return append([]byte(nil), v.raw...)
	case KindOpaque:
		return v.opaque
	default:
		return nil
	}
}

// Equal compares by value. Int and Float compare numerically.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		if v.IsNumber() && o.IsNumber() {
			a, _ := v.FloatVal()
			b, _ := o.FloatVal()
			return a == b
		}
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.s == o.s
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindBool:
		return v.b == o.b
	case KindBytes:
		return bytes.Equal(v.raw, o.raw)
	default:
		return reflect.DeepEqual(v.opaque, o.opaque)
	}
}

// Key is the canonical string form of v, used for cache keys and file names.
func (v Value) Key() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindString:
		return v.s
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindBytes:
		return string(v.raw)
	default:
		return fmt.Sprint(v.opaque)
	}
}

// String formats v for logs and error messages.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindString:
		return strconv.Quote(v.s)
	case KindBytes:
		return fmt.Sprintf("b%q", v.raw)
	default:
		return v.Key()
	}
}

// MarshalJSON encodes v as its native JSON form. Floats always carry a
// fraction or an exponent so they decode as floats again.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindFloat && !math.IsInf(v.f, 0) && !math.IsNaN(v.f) {
		return []byte(FormatFloat(v.f)), nil
	}
	return json.Marshal(v.Interface())
}

// FormatFloat formats f in its shortest form, keeping a ".0" suffix on
// integral values so that text decoders read a float back.
func FormatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if strings.ContainsAny(s, ".eEnN") {
		return s
	}
	return s + ".0"
}

// UnmarshalJSON decodes any JSON value, keeping integers as KindInt.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var x any
	if err := dec.Decode(&x); err != nil {
		return err
	}
	*v = Of(x)
	return nil
}
