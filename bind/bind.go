// Package bind associates caller buffers with store fields for the length
// of a read or write session.
//
// Bind validates a buffer against a field in a fixed order: existence
// (a hard error), element type, then cardinality. Type and cardinality
// failures are reported as negative Status codes so callers can probe
// several candidate buffers without treating a mismatch as an error.
package bind

import (
	"fmt"

	"github.com/TFMV/ntuple"
	"github.com/TFMV/ntuple/buffer"
	"github.com/TFMV/ntuple/schema"
)

// Status is the outcome of a bind attempt.
type Status int

const (
	StatusOK Status = 0
	// StatusMemberMismatch: a composite lacks a struct member or holds a
	// member of the wrong type.
	StatusMemberMismatch Status = -1
	// StatusTypeMismatch: element types differ. No implicit conversion.
	StatusTypeMismatch Status = -2
	// StatusCardinalityMismatch: the buffer cannot hold the field's values.
	StatusCardinalityMismatch Status = -3
	// StatusMissingField accompanies a FieldNotFoundError.
	StatusMissingField Status = -5
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusMemberMismatch:
		return "member_mismatch"
	case StatusTypeMismatch:
		return "type_mismatch"
	case StatusCardinalityMismatch:
		return "cardinality_mismatch"
	case StatusMissingField:
		return "missing_field"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Source is anything with a named schema to bind against.
type Source interface {
	Name() string
	Schema() *schema.Schema
}

// Target is one primitive column path routed to one buffer.
type Target struct {
	Path   string
	Field  schema.Field
	Buffer buffer.Buffer
}

// Binding is the association of one field name with a caller value: a
// buffer.Buffer, or a buffer.Composite for struct fields.
type Binding struct {
	Name    string
	Field   schema.Field
	Value   any
	Targets []Target
}

// Set holds the bindings of one session, at most one per field name.
type Set struct {
	bindings map[string]*Binding
	order    []string
}

// NewSet returns an empty binding set.
func NewSet() *Set {
	return &Set{bindings: make(map[string]*Binding)}
}

// Bind binds buf to the field called name in src. The last successful
// bind for a name wins; a failed bind leaves every existing binding,
// including the one for name, untouched.
func (s *Set) Bind(src Source, name string, buf any) (Status, error) {
	h, ok := src.Schema().Lookup(name)
	if !ok {
		bindResults.WithLabelValues(StatusMissingField.String()).Inc()
		return StatusMissingField, &ntuple.FieldNotFoundError{Store: src.Name(), Field: name}
	}
	return s.bind(name, h, buf), nil
}

// BindHandle binds buf through a handle obtained from src.Schema().Lookup
// instead of resolving name again.
//
// Deprecated: use Bind. BindHandle performs the same checks and exists for
// callers that already hold a handle.
func (s *Set) BindHandle(_ Source, name string, buf any, h schema.Handle) (Status, error) {
	return s.bind(name, h, buf), nil
}

func (s *Set) bind(name string, h schema.Handle, buf any) Status {
	status, targets := check(h, buf)
	bindResults.WithLabelValues(status.String()).Inc()
	if status != StatusOK {
		return status
	}
	if _, exists := s.bindings[name]; !exists {
		s.order = append(s.order, name)
	}
	s.bindings[name] = &Binding{Name: name, Field: h.Field, Value: buf, Targets: targets}
	return StatusOK
}

// Revalidate checks every binding against src, e.g. a newly entered
// constituent of a chain, and re-resolves the targets on success.
func (s *Set) Revalidate(src Source) error {
	sch := src.Schema()
	next := make(map[string]*Binding, len(s.bindings))
	for _, name := range s.order {
		b := s.bindings[name]
		h, ok := sch.Lookup(name)
		if !ok {
			return ntuple.NewSchemaMismatchError(src.Name(), name, "field missing", nil)
		}
		status, targets := check(h, b.Value)
		if status != StatusOK {
			return ntuple.NewSchemaMismatchError(src.Name(), name, status.String(), nil)
		}
		next[name] = &Binding{Name: name, Field: h.Field, Value: b.Value, Targets: targets}
	}
	s.bindings = next
	return nil
}

// Unbind drops the binding for name, if any.
func (s *Set) Unbind(name string) {
	if _, ok := s.bindings[name]; !ok {
		return
	}
	delete(s.bindings, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Lookup returns the binding for name.
func (s *Set) Lookup(name string) (*Binding, bool) {
	b, ok := s.bindings[name]
	return b, ok
}

// Len is the number of bound names.
func (s *Set) Len() int { return len(s.order) }

// Names returns the bound names in bind order.
func (s *Set) Names() []string {
	return append([]string(nil), s.order...)
}

// Each calls fn for every target of every binding in bind order.
func (s *Set) Each(fn func(Target) error) error {
	for _, name := range s.order {
		for _, t := range s.bindings[name].Targets {
			if err := fn(t); err != nil {
				return err
			}
		}
	}
	return nil
}
