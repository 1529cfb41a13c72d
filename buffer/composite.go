package buffer

import (
	"fmt"

	"github.com/TFMV/ntuple/schema"
)

// Record is a map backed Composite with a fixed member list.
type Record struct {
	names  []string
	values map[string]any
}

// NewRecord returns a composite with the given members, all unset.
func NewRecord(names ...string) *Record {
	r := &Record{names: names, values: make(map[string]any, len(names))}
	for _, n := range names {
		r.values[n] = nil
	}
	return r
}

func (r *Record) FieldNames() []string { return r.names }

func (r *Record) Get(name string) (any, error) {
	v, ok := r.values[name]
	if !ok {
		return nil, fmt.Errorf("buffer: record has no member %q", name)
	}
	return v, nil
}

func (r *Record) Set(name string, value any) error {
	if _, ok := r.values[name]; !ok {
		return fmt.Errorf("buffer: record has no member %q", name)
	}
	r.values[name] = value
	return nil
}

// Map returns a copy of the members.
func (r *Record) Map() map[string]any {
	out := make(map[string]any, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// member exposes one member of a Composite as a Buffer.
type member struct {
	c     Composite
	field schema.Field
}

// Member adapts member f of c to the Buffer interface. Scalar members are
// set as T, array members as a fresh []T.
func Member(c Composite, f schema.Field) Buffer {
	return &member{c: c, field: f}
}

func (m *member) ElementType() schema.ElementType { return m.field.Type }
func (m *member) Growable() bool                  { return m.field.Card.Kind == schema.KindVariable }

func (m *member) Cap() int {
	if m.field.Card.Kind == schema.KindFixedArray {
		return m.field.Card.Len
	}
	return 1
}

func (m *member) Assign(values any) error {
	if m.field.Card.Kind == schema.KindScalar {
		v, ok := First(values)
		if !ok {
			return fmt.Errorf("buffer: no scalar in %T for member %q", values, m.field.Name)
		}
		return m.c.Set(m.field.Name, v)
	}
	return m.c.Set(m.field.Name, Clone(values))
}

func (m *member) Values() any {
	v, err := m.c.Get(m.field.Name)
	if err != nil {
		return nil
	}
	return AsSlice(v)
}

// Clone copies a []T. Other values are returned unchanged.
func Clone(values any) any {
	switch s := values.(type) {
	case []int8:
		return append([]int8(nil), s...)
	case []uint8:
		return append([]uint8(nil), s...)
	case []int16:
		return append([]int16(nil), s...)
	case []uint16:
		return append([]uint16(nil), s...)
	case []int32:
		return append([]int32(nil), s...)
	case []uint32:
		return append([]uint32(nil), s...)
	case []int64:
		return append([]int64(nil), s...)
	case []uint64:
		return append([]uint64(nil), s...)
	case []float32:
		return append([]float32(nil), s...)
	case []float64:
		return append([]float64(nil), s...)
	}
	return values
}

// First returns the first element of a []T.
func First(values any) (any, bool) {
	switch s := values.(type) {
	case []int8:
		return elem(s)
	case []uint8:
		return elem(s)
	case []int16:
		return elem(s)
	case []uint16:
		return elem(s)
	case []int32:
		return elem(s)
	case []uint32:
		return elem(s)
	case []int64:
		return elem(s)
	case []uint64:
		return elem(s)
	case []float32:
		return elem(s)
	case []float64:
		return elem(s)
	}
	return nil, false
}

func elem[T Element](s []T) (any, bool) {
	if len(s) == 0 {
		return nil, false
	}
	return s[0], true
}

// AsSlice wraps a scalar into a one element slice; slices pass through.
func AsSlice(v any) any {
	switch x := v.(type) {
	case int8:
		return []int8{x}
	case uint8:
		return []uint8{x}
	case int16:
		return []int16{x}
	case uint16:
		return []uint16{x}
	case int32:
		return []int32{x}
	case uint32:
		return []uint32{x}
	case int64:
		return []int64{x}
	case uint64:
		return []uint64{x}
	case float32:
		return []float32{x}
	case float64:
		return []float64{x}
	}
	return v
}
