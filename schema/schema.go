package schema

import (
	"strings"

	"github.com/TFMV/ntuple"
	"github.com/apache/arrow-go/v18/arrow"
)

// Schema is an ordered set of uniquely named fields.
type Schema struct {
	fields []Field
	index  map[string]int
}

// New builds a schema from fields, rejecting duplicates.
func New(fields ...Field) (*Schema, error) {
	s := &Schema{index: make(map[string]int, len(fields))}
	for _, f := range fields {
		if err := s.Add(f); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add appends f to the schema.
func (s *Schema) Add(f Field) error {
	f = f.normalize()
	if err := f.validate(); err != nil {
		return err
	}
	if s.index == nil {
		s.index = make(map[string]int)
	}
	if _, ok := s.index[f.Name]; ok {
		return &ntuple.DuplicateFieldError{Field: f.Name}
	}
	s.index[f.Name] = len(s.fields)
	s.fields = append(s.fields, f)
	return nil
}

// Len is the number of top-level fields.
func (s *Schema) Len() int { return len(s.fields) }

// Fields returns the fields in declaration order.
func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// Names returns the field names in declaration order.
func (s *Schema) Names() []string {
	names := make([]string, len(s.fields))
	for i, f := range s.fields {
		names[i] = f.Name
	}
	return names
}

// Field returns the i-th field.
func (s *Schema) Field(i int) Field { return s.fields[i] }

// FieldByName returns the top-level field called name.
func (s *Schema) FieldByName(name string) (Field, bool) {
	i, ok := s.index[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// Handle is a resolved reference to a field or to a member of a struct
// field. Handles are only meaningful for the schema that produced them.
type Handle struct {
	Path   string
	Column int
	// Member is the member index within a struct column, or -1.
	Member int
	Field  Field
	// Parent is the enclosing struct field when Member >= 0.
	Parent Field
}

// IsMember reports whether h addresses a struct member.
func (h Handle) IsMember() bool { return h.Member >= 0 }

// Lookup resolves "name" or "name.member".
func (s *Schema) Lookup(path string) (Handle, bool) {
	name, member, dotted := strings.Cut(path, ".")
	i, ok := s.index[name]
	if !ok {
		return Handle{}, false
	}
	f := s.fields[i]
	if !dotted {
		return Handle{Path: path, Column: i, Member: -1, Field: f}, true
	}
	if f.Type != Struct {
		return Handle{}, false
	}
	m, j, ok := f.Member(member)
	if !ok {
		return Handle{}, false
	}
	return Handle{Path: path, Column: i, Member: j, Field: m, Parent: f}, true
}

// Arrow returns the Arrow schema for s with optional schema metadata.
func (s *Schema) Arrow(md *arrow.Metadata) *arrow.Schema {
	fields := make([]arrow.Field, len(s.fields))
	for i, f := range s.fields {
		fields[i] = f.ArrowField()
	}
	return arrow.NewSchema(fields, md)
}

// FromArrow rebuilds a Schema from an Arrow schema written by Arrow.
func FromArrow(as *arrow.Schema) (*Schema, error) {
	s := &Schema{index: make(map[string]int, len(as.Fields()))}
	for _, af := range as.Fields() {
		f, err := FieldFromArrow(af)
		if err != nil {
			return nil, err
		}
		if err := s.Add(f); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ---------------------------------------------------------------------
// Read models
// ---------------------------------------------------------------------

// Model declares the fields a processor should materialize.
type Model struct {
	schema Schema
}

// NewModel returns an empty model.
func NewModel() *Model {
	return &Model{schema: Schema{index: make(map[string]int)}}
}

// MakeField adds a field of the given type and cardinality.
func (m *Model) MakeField(name string, t ElementType, c Cardinality) error {
	return m.schema.Add(NewField(name, t, c))
}

// AddField adds a fully described field, e.g. a struct.
func (m *Model) AddField(f Field) error {
	return m.schema.Add(f)
}

// Schema returns the fields declared so far.
func (m *Model) Schema() *Schema {
	return &m.schema
}
