package schema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

// ErrInvalidField is returned for malformed field declarations.
var ErrInvalidField = errors.New("invalid field")

const leafListKey = "ntuple.leaflist"

// Field describes one column of a store.
type Field struct {
	Name string
	Type ElementType
	Card Cardinality
	// Members lists the primitive sub-fields of a Struct field in order.
	Members []Field
	// LeafList holds the descriptor the field was declared from, if any.
	// Struct fields declared this way bind member by member.
	LeafList string
}

// NewField returns a primitive or struct field with the given shape.
func NewField(name string, t ElementType, c Cardinality, members ...Field) Field {
	return Field{Name: name, Type: t, Card: c, Members: members}
}

// Member returns the member field with the given name.
func (f Field) Member(name string) (Field, int, bool) {
	for i, m := range f.Members {
		if m.Name == name {
			return m, i, true
		}
	}
	return Field{}, -1, false
}

// MemberNames returns the member names of a struct field in order.
func (f Field) MemberNames() []string {
	names := make([]string, len(f.Members))
	for i, m := range f.Members {
		names[i] = m.Name
	}
	return names
}

func (f Field) String() string {
	if f.Type == Struct {
		parts := make([]string, len(f.Members))
		for i, m := range f.Members {
			parts[i] = m.String()
		}
		return fmt.Sprintf("%s{%s}", f.Name, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s%s/%s", f.Name, f.Card, f.Type)
}

func (f Field) normalize() Field {
	if f.Card.Kind == KindScalar {
		f.Card.Len = 1
	}
	if f.Card.Kind == KindVariable {
		f.Card.Len = 0
	}
	if len(f.Members) > 0 {
		members := make([]Field, len(f.Members))
		for i, m := range f.Members {
			members[i] = m.normalize()
		}
		f.Members = members
	}
	return f
}

func (f Field) validate() error {
	if f.Name == "" || strings.ContainsAny(f.Name, ".:/[]") {
		return fmt.Errorf("%w: bad name %q", ErrInvalidField, f.Name)
	}
	if !f.Type.Valid() {
		return fmt.Errorf("%w: %q has no element type", ErrInvalidField, f.Name)
	}
	if !f.Card.valid() {
		return fmt.Errorf("%w: %q has cardinality %+v", ErrInvalidField, f.Name, f.Card)
	}
	if f.Type != Struct {
		if len(f.Members) > 0 {
			return fmt.Errorf("%w: primitive %q has members", ErrInvalidField, f.Name)
		}
		return nil
	}
	if f.Card.Kind != KindScalar {
		return fmt.Errorf("%w: struct %q must be scalar", ErrInvalidField, f.Name)
	}
	if len(f.Members) == 0 {
		return fmt.Errorf("%w: struct %q has no members", ErrInvalidField, f.Name)
	}
	seen := make(map[string]struct{}, len(f.Members))
	for _, m := range f.Members {
		if m.Type == Struct {
			return fmt.Errorf("%w: nested struct %q.%q", ErrInvalidField, f.Name, m.Name)
		}
		if err := m.validate(); err != nil {
			return err
		}
		if _, dup := seen[m.Name]; dup {
			return fmt.Errorf("%w: %q declares member %q twice", ErrInvalidField, f.Name, m.Name)
		}
		seen[m.Name] = struct{}{}
	}
	return nil
}

// ---------------------------------------------------------------------
// Arrow mapping
// ---------------------------------------------------------------------

// DataType returns the Arrow type of the column holding f.
func (f Field) DataType() arrow.DataType {
	var elem arrow.DataType
	if f.Type == Struct {
		members := make([]arrow.Field, len(f.Members))
		for i, m := range f.Members {
			members[i] = m.ArrowField()
		}
		elem = arrow.StructOf(members...)
	} else {
		elem = f.Type.arrowType()
	}
	switch f.Card.Kind {
	case KindFixedArray:
		return arrow.FixedSizeListOf(int32(f.Card.Len), elem)
	case KindVariable:
		return arrow.ListOf(elem)
	}
	return elem
}

// ArrowField returns the Arrow field describing f.
func (f Field) ArrowField() arrow.Field {
	af := arrow.Field{Name: f.Name, Type: f.DataType()}
	if f.LeafList != "" {
		af.Metadata = arrow.NewMetadata([]string{leafListKey}, []string{f.LeafList})
	}
	return af
}

// FieldFromArrow recovers a Field from its Arrow description.
func FieldFromArrow(af arrow.Field) (Field, error) {
	f := Field{Name: af.Name, Card: Scalar()}
	elem := af.Type
	switch dt := af.Type.(type) {
	case *arrow.FixedSizeListType:
		elem = dt.Elem()
		f.Card = FixedArray(int(dt.Len()))
	case *arrow.ListType:
		elem = dt.Elem()
		f.Card = Variable()
	}
	t, ok := elementTypeOf(elem.ID())
	if !ok {
		return Field{}, fmt.Errorf("%w: %q has unsupported arrow type %s", ErrInvalidField, af.Name, af.Type)
	}
	f.Type = t
	if st, ok := elem.(*arrow.StructType); ok {
		for _, mf := range st.Fields() {
			m, err := FieldFromArrow(mf)
			if err != nil {
				return Field{}, err
			}
			f.Members = append(f.Members, m)
		}
	}
	if i := af.Metadata.FindKey(leafListKey); i >= 0 {
		f.LeafList = af.Metadata.Values()[i]
	}
	return f, f.validate()
}
