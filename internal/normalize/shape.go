package normalize

import (
	"fmt"
	"sort"
)

// ColumnType is the physical type of one output column.
type ColumnType uint8

const (
	// TypeUnknown is a column that has only carried nulls so far.
	TypeUnknown ColumnType = iota
	TypeBool
	TypeInt64
	TypeDouble
	TypeString
	// TypeJSON is a column of lists or objects, persisted as JSON text.
	TypeJSON
)

func (t ColumnType) String() string {
	switch t {
	case TypeBool:
		return "BOOLEAN"
	case TypeInt64:
		return "BIGINT"
	case TypeDouble:
		return "DOUBLE"
	case TypeString:
		return "VARCHAR"
	case TypeJSON:
		return "JSON"
	}
	return "NULL"
}

func typeOf(k Kind) ColumnType {
	switch k {
	case KindBool:
		return TypeBool
	case KindInt:
		return TypeInt64
	case KindFloat:
		return TypeDouble
	case KindString:
		return TypeString
	case KindList, KindObject:
		return TypeJSON
	}
	return TypeUnknown
}

// ShapeError reports a field whose shape changed within one file in a way
// the coercion table does not cover.
type ShapeError struct {
	Field string
	Have  ColumnType
	Got   Kind
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("field %q: %s value in %s column (add it to columns_to_varchar)", e.Field, e.Got, e.Have)
}

// Column is one resolved output column.
type Column struct {
	Name string
	Type ColumnType
}

// Shape accumulates the column types of one file's records.
type Shape struct {
	types map[string]ColumnType
}

func NewShape() *Shape {
	return &Shape{types: make(map[string]ColumnType)}
}

// Observe merges one (already coerced) field value into the shape.
// Int and float widen to double; any other disagreement is a ShapeError.
func (s *Shape) Observe(field string, v Value) error {
	have, seen := s.types[field]
	got := typeOf(v.Kind)
	switch {
	case !seen || have == TypeUnknown:
		s.types[field] = got
	case got == TypeUnknown || got == have:
	case (have == TypeInt64 && got == TypeDouble) || (have == TypeDouble && got == TypeInt64):
		s.types[field] = TypeDouble
	default:
		return &ShapeError{Field: field, Have: have, Got: v.Kind}
	}
	return nil
}

// ObserveRecord merges every field of a record.
func (s *Shape) ObserveRecord(rec map[string]Value) error {
	for k, v := range rec {
		if err := s.Observe(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Columns returns the resolved columns sorted by name. All-null columns
// become strings.
func (s *Shape) Columns() []Column {
	cols := make([]Column, 0, len(s.types))
	for name, t := range s.types {
		if t == TypeUnknown {
			t = TypeString
		}
		cols = append(cols, Column{Name: name, Type: t})
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })
	return cols
}

// Physical converts a field value to the representation its column stores.
// The value must have been observed by the shape that produced the column.
func (c Column) Physical(v Value) Value {
	if v.IsNull() {
		return v
	}
	switch c.Type {
	case TypeDouble:
		if v.Kind == KindInt {
			return Float(float64(v.Int))
		}
	case TypeJSON:
		return String(v.JSON())
	}
	return v
}
