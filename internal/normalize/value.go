package normalize

import (
	"fmt"
	"strconv"

	"github.com/ohler55/ojg"
	"github.com/ohler55/ojg/oj"
)

// Kind tags the dynamic shape of a decoded JSON field.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
	KindObject
)

func (k Kind) String() string {
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
	case KindObject:
		return "object"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Nested reports whether the kind is a list or an object.
func (k Kind) Nested() bool {
	return k == KindList || k == KindObject
}

// Value is one field of a source record. Exactly one payload is meaningful,
// selected by Kind. Lists and objects keep their decoded form in Nested.
type Value struct {
	Kind   Kind
	Bool   bool
	Int    int64
	Float  float64
	Str    string
	Nested any
}

var canonical = &ojg.Options{Sort: true, HTMLUnsafe: true}

func Null() Value           { return Value{} }
func Bool(b bool) Value     { return Value{Kind: KindBool, Bool: b} }
func Int(i int64) Value     { return Value{Kind: KindInt, Int: i} }
func Float(f float64) Value { return Value{Kind: KindFloat, Float: f} }
func String(s string) Value { return Value{Kind: KindString, Str: s} }

func (v Value) IsNull() bool { return v.Kind == KindNull }

// FromAny tags a value produced by the ojg parser.
func FromAny(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case int64:
		return Int(t)
	case int:
		return Int(int64(t))
	case float64:
		return Float(t)
	case string:
		return String(t)
	case []any:
		return Value{Kind: KindList, Nested: t}
	case map[string]any:
		return Value{Kind: KindObject, Nested: t}
	default:
		// Numbers too large for int64 arrive as big values; keep their text.
		return String(fmt.Sprint(t))
	}
}

// Any returns the decoded Go form of the value.
func (v Value) Any() any {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindString:
		return v.Str
	case KindList, KindObject:
		return v.Nested
	}
	return nil
}

// JSON renders the value as canonical JSON: object keys sorted, no indentation.
func (v Value) JSON() string {
	return oj.JSON(v.Any(), canonical)
}

// Text renders scalars as plain text and nested values as canonical JSON.
func (v Value) Text() string {
	switch v.Kind {
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindString:
		return v.Str
	case KindList, KindObject:
		return v.JSON()
	}
	return ""
}
