// Package schema describes the fields of a record store: their element
// types, cardinalities and the mapping onto Arrow columns.
package schema

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
)

// ---------------------------------------------------------------------
// Element types
// ---------------------------------------------------------------------

// ElementType is the type of a single stored value.
type ElementType uint8

const (
	Invalid ElementType = iota
	Int8
	UInt8
	Int16
	UInt16
	Int32
	UInt32
	Int64
	UInt64
	Float32
	Float64
	// Struct is a flat composite of primitive members.
	Struct
)

var elementNames = [...]string{
	Invalid: "invalid",
	Int8:    "int8",
	UInt8:   "uint8",
	Int16:   "int16",
	UInt16:  "uint16",
	Int32:   "int32",
	UInt32:  "uint32",
	Int64:   "int64",
	UInt64:  "uint64",
	Float32: "float32",
	Float64: "float64",
	Struct:  "struct",
}

func (t ElementType) String() string {
	if int(t) < len(elementNames) {
		return elementNames[t]
	}
	return fmt.Sprintf("ElementType(%d)", uint8(t))
}

// Valid reports whether t is a known element type.
func (t ElementType) Valid() bool {
	return t > Invalid && t <= Struct
}

// Primitive reports whether t is a numeric element type.
func (t ElementType) Primitive() bool {
	return t > Invalid && t < Struct
}

// Size is the width of one value in bytes. Struct reports 0.
func (t ElementType) Size() int {
	switch t {
	case Int8, UInt8:
		return 1
	case Int16, UInt16:
		return 2
	case Int32, UInt32, Float32:
		return 4
	case Int64, UInt64, Float64:
		return 8
	}
	return 0
}

// arrowType returns the Arrow type of a primitive element.
func (t ElementType) arrowType() arrow.DataType {
	switch t {
	case Int8:
		return arrow.PrimitiveTypes.Int8
	case UInt8:
		return arrow.PrimitiveTypes.Uint8
	case Int16:
		return arrow.PrimitiveTypes.Int16
	case UInt16:
		return arrow.PrimitiveTypes.Uint16
	case Int32:
		return arrow.PrimitiveTypes.Int32
	case UInt32:
		return arrow.PrimitiveTypes.Uint32
	case Int64:
		return arrow.PrimitiveTypes.Int64
	case UInt64:
		return arrow.PrimitiveTypes.Uint64
	case Float32:
		return arrow.PrimitiveTypes.Float32
	case Float64:
		return arrow.PrimitiveTypes.Float64
	}
	return nil
}

func elementTypeOf(id arrow.Type) (ElementType, bool) {
	switch id {
	case arrow.INT8:
		return Int8, true
	case arrow.UINT8:
		return UInt8, true
	case arrow.INT16:
		return Int16, true
	case arrow.UINT16:
		return UInt16, true
	case arrow.INT32:
		return Int32, true
	case arrow.UINT32:
		return UInt32, true
	case arrow.INT64:
		return Int64, true
	case arrow.UINT64:
		return UInt64, true
	case arrow.FLOAT32:
		return Float32, true
	case arrow.FLOAT64:
		return Float64, true
	case arrow.STRUCT:
		return Struct, true
	}
	return Invalid, false
}

// ---------------------------------------------------------------------
// Cardinality
// ---------------------------------------------------------------------

// Kind distinguishes the shapes a field can take per entry.
type Kind uint8

const (
	KindScalar Kind = iota
	KindFixedArray
	KindVariable
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindFixedArray:
		return "fixed-array"
	case KindVariable:
		return "variable"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Cardinality is the number of values a field holds per entry.
type Cardinality struct {
	Kind Kind
	// Len is the array length for KindFixedArray and 1 for KindScalar.
	Len int
}

// Scalar is the cardinality of a single value per entry.
func Scalar() Cardinality { return Cardinality{Kind: KindScalar, Len: 1} }

// FixedArray is the cardinality of exactly n values per entry.
func FixedArray(n int) Cardinality { return Cardinality{Kind: KindFixedArray, Len: n} }

// Variable is the cardinality of a per-entry variable number of values.
func Variable() Cardinality { return Cardinality{Kind: KindVariable} }

func (c Cardinality) String() string {
	switch c.Kind {
	case KindFixedArray:
		return fmt.Sprintf("[%d]", c.Len)
	case KindVariable:
		return "[]"
	}
	return ""
}

func (c Cardinality) valid() bool {
	switch c.Kind {
	case KindScalar, KindVariable:
		return true
	case KindFixedArray:
		return c.Len >= 1
	}
	return false
}
