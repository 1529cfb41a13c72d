package bind

import (
	"reflect"

	"github.com/TFMV/ntuple/buffer"
	"github.com/TFMV/ntuple/schema"
)

// check validates buf against the field behind h and returns the column
// targets it would fill. A nil buffer, typed or not, never matches.
func check(h schema.Handle, buf any) (Status, []Target) {
	if isNil(buf) {
		return StatusTypeMismatch, nil
	}
	f := h.Field
	if f.Type == schema.Struct {
		c, ok := buf.(buffer.Composite)
		if !ok {
			return StatusTypeMismatch, nil
		}
		return checkComposite(h.Path, f, c)
	}

	b, ok := buf.(buffer.Buffer)
	if !ok {
		return StatusTypeMismatch, nil
	}
	if status := checkBuffer(f, b); status != StatusOK {
		return status, nil
	}
	return StatusOK, []Target{{Path: h.Path, Field: f, Buffer: b}}
}

func checkBuffer(f schema.Field, b buffer.Buffer) Status {
	if b.ElementType() != f.Type {
		return StatusTypeMismatch
	}
	if b.Growable() {
		return StatusOK
	}
	switch f.Card.Kind {
	case schema.KindScalar:
		if b.Cap() < 1 {
			return StatusCardinalityMismatch
		}
	case schema.KindFixedArray:
		if b.Cap() < f.Card.Len {
			return StatusCardinalityMismatch
		}
	case schema.KindVariable:
		return StatusCardinalityMismatch
	}
	return StatusOK
}

// checkComposite binds a struct field member by member. Leaf-list structs
// take the members as declared; model-declared structs first negotiate
// that the composite exposes every member with the right element type.
func checkComposite(path string, f schema.Field, c buffer.Composite) (Status, []Target) {
	if f.LeafList == "" {
		if status := negotiate(f, c); status != StatusOK {
			return status, nil
		}
	}
	targets := make([]Target, len(f.Members))
	for i, m := range f.Members {
		targets[i] = Target{Path: path + "." + m.Name, Field: m, Buffer: buffer.Member(c, m)}
	}
	return StatusOK, targets
}

func negotiate(f schema.Field, c buffer.Composite) Status {
	names := make(map[string]struct{})
	for _, n := range c.FieldNames() {
		names[n] = struct{}{}
	}
	for _, m := range f.Members {
		if _, ok := names[m.Name]; !ok {
			return StatusMemberMismatch
		}
		v, err := c.Get(m.Name)
		if err != nil {
			return StatusMemberMismatch
		}
		if v != nil && buffer.TypeOfValue(v) != m.Type {
			return StatusMemberMismatch
		}
	}
	return StatusOK
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
