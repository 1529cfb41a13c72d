// Package buffer provides caller-owned typed memory that a store reads
// entries into and writes entries from.
//
// Every buffer carries an explicit element type tag fixed at construction.
// The binder compares tags structurally; nothing is inferred from values.
package buffer

import (
	"fmt"

	"github.com/TFMV/ntuple/schema"
)

// Element is the set of Go types a primitive buffer can hold.
type Element interface {
	int8 | uint8 | int16 | uint16 | int32 | uint32 | int64 | uint64 | float32 | float64
}

// Buffer is typed memory for one field of the current entry.
type Buffer interface {
	// ElementType is the tag checked against the bound field.
	ElementType() schema.ElementType
	// Cap is the number of elements the buffer holds without growing.
	Cap() int
	// Growable reports whether Assign may resize the buffer.
	Growable() bool
	// Assign copies values, a []T of the buffer's element type, into the buffer.
	Assign(values any) error
	// Values returns the current contents as a []T.
	Values() any
}

// Composite is implemented by caller types holding a set of named members,
// e.g. the target of a struct field. Member values are T for scalar members
// and []T for array members.
type Composite interface {
	FieldNames() []string
	Get(name string) (any, error)
	Set(name string, value any) error
}

// TypeOf returns the element type tag of T.
func TypeOf[T Element]() schema.ElementType {
	var zero T
	switch any(zero).(type) {
	case int8:
		return schema.Int8
	case uint8:
		return schema.UInt8
	case int16:
		return schema.Int16
	case uint16:
		return schema.UInt16
	case int32:
		return schema.Int32
	case uint32:
		return schema.UInt32
	case int64:
		return schema.Int64
	case uint64:
		return schema.UInt64
	case float32:
		return schema.Float32
	case float64:
		return schema.Float64
	}
	return schema.Invalid
}

// TypeOfValue returns the element type of a scalar or slice value, or
// schema.Invalid if v is neither.
func TypeOfValue(v any) schema.ElementType {
	switch v.(type) {
	case int8, []int8:
		return schema.Int8
	case uint8, []uint8:
		return schema.UInt8
	case int16, []int16:
		return schema.Int16
	case uint16, []uint16:
		return schema.UInt16
	case int32, []int32:
		return schema.Int32
	case uint32, []uint32:
		return schema.UInt32
	case int64, []int64:
		return schema.Int64
	case uint64, []uint64:
		return schema.UInt64
	case float32, []float32:
		return schema.Float32
	case float64, []float64:
		return schema.Float64
	}
	return schema.Invalid
}

// ---------------------------------------------------------------------
// Fixed arrays
// ---------------------------------------------------------------------

// Array is a fixed-capacity buffer.
type Array[T Element] struct {
	Data []T
}

// NewArray allocates an n element fixed buffer.
func NewArray[T Element](n int) *Array[T] {
	return &Array[T]{Data: make([]T, n)}
}

// Wrap binds the buffer to caller memory; reads write straight into s.
func Wrap[T Element](s []T) *Array[T] {
	return &Array[T]{Data: s}
}

// NewScalar allocates a single element buffer.
func NewScalar[T Element]() *Array[T] {
	return NewArray[T](1)
}

func (a *Array[T]) ElementType() schema.ElementType { return TypeOf[T]() }
func (a *Array[T]) Cap() int                        { return len(a.Data) }
func (a *Array[T]) Growable() bool                  { return false }
func (a *Array[T]) Values() any                     { return a.Data }

func (a *Array[T]) Assign(values any) error {
	src, ok := values.([]T)
	if !ok {
		return fmt.Errorf("buffer: cannot assign %T to %s array", values, TypeOf[T]())
	}
	if len(src) > len(a.Data) {
		return fmt.Errorf("buffer: %d values exceed capacity %d", len(src), len(a.Data))
	}
	copy(a.Data, src)
	return nil
}

// Value returns the first element.
func (a *Array[T]) Value() T { return a.Data[0] }

// Set stores v as the first element.
func (a *Array[T]) Set(v T) { a.Data[0] = v }

// ---------------------------------------------------------------------
// Growable vectors
// ---------------------------------------------------------------------

// Vector is a growable buffer; its length follows the stored entry.
type Vector[T Element] struct {
	Data []T
}

// NewVector returns an empty growable buffer.
func NewVector[T Element]() *Vector[T] {
	return &Vector[T]{}
}

func (v *Vector[T]) ElementType() schema.ElementType { return TypeOf[T]() }
func (v *Vector[T]) Cap() int                        { return len(v.Data) }
func (v *Vector[T]) Growable() bool                  { return true }
func (v *Vector[T]) Values() any                     { return v.Data }

func (v *Vector[T]) Assign(values any) error {
	src, ok := values.([]T)
	if !ok {
		return fmt.Errorf("buffer: cannot assign %T to %s vector", values, TypeOf[T]())
	}
	v.Data = append(v.Data[:0], src...)
	return nil
}

// Len is the number of elements of the current entry.
func (v *Vector[T]) Len() int { return len(v.Data) }

// New returns a growable buffer of element type t.
func New(t schema.ElementType) (Buffer, error) {
	switch t {
	case schema.Int8:
		return NewVector[int8](), nil
	case schema.UInt8:
		return NewVector[uint8](), nil
	case schema.Int16:
		return NewVector[int16](), nil
	case schema.UInt16:
		return NewVector[uint16](), nil
	case schema.Int32:
		return NewVector[int32](), nil
	case schema.UInt32:
		return NewVector[uint32](), nil
	case schema.Int64:
		return NewVector[int64](), nil
	case schema.UInt64:
		return NewVector[uint64](), nil
	case schema.Float32:
		return NewVector[float32](), nil
	case schema.Float64:
		return NewVector[float64](), nil
	}
	return nil, fmt.Errorf("buffer: no primitive buffer for %s", t)
}
