package processor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/TFMV/ntuple"
	"github.com/TFMV/ntuple/buffer"
	"github.com/TFMV/ntuple/schema"
)

// Entry is the projection of the current record onto the read model.
// Values returned by Get are copies and stay valid after the next advance.
type Entry struct {
	proc   *Processor
	fields map[string]schema.Field
	// values holds a buffer.Buffer per primitive field and a
	// *buffer.Record per struct field.
	values  map[string]any
	missing map[string]bool
	store   string
}

func newEntry(p *Processor) *Entry {
	return &Entry{
		proc:    p,
		fields:  make(map[string]schema.Field),
		values:  make(map[string]any),
		missing: make(map[string]bool),
	}
}

// ensure allocates a buffer for every model field that lacks one.
func (e *Entry) ensure(model *schema.Schema) {
	for _, f := range model.Fields() {
		if _, ok := e.values[f.Name]; ok {
			continue
		}
		e.fields[f.Name] = f
		if f.Type == schema.Struct {
			e.values[f.Name] = buffer.NewRecord(f.MemberNames()...)
			continue
		}
		b, err := buffer.New(f.Type)
		if err != nil {
			// Validated fields always have a primitive buffer.
			panic(err)
		}
		e.values[f.Name] = b
	}
}

// Fields returns the names the entry can be asked for, auxiliary fields
// included, sorted.
func (e *Entry) Fields() []string {
	names := make([]string, 0, len(e.fields))
	for name := range e.fields {
		names = append(names, name)
	}
	for _, a := range e.proc.aux {
		for _, f := range a.fields {
			names = append(names, a.name+"."+f.Name)
		}
	}
	sort.Strings(names)
	return names
}

// Get returns the value of field name: a T for scalar fields, a []T for
// array fields and a map[string]any for struct fields. "s.m" addresses
// member m of struct field s, "aux.f" field f of auxiliary store aux.
//
// Fields outside the read model fail with FieldNotInModelError. Fields in
// the model that the current store lacks fail with FieldNotFoundError.
func (e *Entry) Get(name string) (any, error) {
	if e.proc.current < 0 {
		return nil, fmt.Errorf("processor %q: no entry loaded", e.proc.name)
	}
	if f, ok := e.fields[name]; ok {
		if e.missing[name] {
			return nil, &ntuple.FieldNotFoundError{Store: e.store, Field: name}
		}
		return materialize(f, e.values[name]), nil
	}
	prefix, rest, dotted := strings.Cut(name, ".")
	if !dotted {
		return nil, &ntuple.FieldNotInModelError{Field: name}
	}
	if f, ok := e.fields[prefix]; ok && f.Type == schema.Struct {
		m, _, ok := f.Member(rest)
		if !ok {
			return nil, &ntuple.FieldNotInModelError{Field: name}
		}
		if e.missing[prefix] {
			return nil, &ntuple.FieldNotFoundError{Store: e.store, Field: name}
		}
		v, err := e.values[prefix].(*buffer.Record).Get(m.Name)
		if err != nil {
			return nil, err
		}
		return buffer.Clone(v), nil
	}
	for _, a := range e.proc.aux {
		if a.name == prefix {
			return a.get(rest)
		}
	}
	return nil, &ntuple.FieldNotInModelError{Field: name}
}

// Has reports whether Get(name) would succeed.
func (e *Entry) Has(name string) bool {
	_, err := e.Get(name)
	return err == nil
}

func materialize(f schema.Field, v any) any {
	if f.Type == schema.Struct {
		m := v.(*buffer.Record).Map()
		for k, mv := range m {
			m[k] = buffer.Clone(mv)
		}
		return m
	}
	values := v.(buffer.Buffer).Values()
	if f.Card.Kind == schema.KindScalar {
		first, _ := buffer.First(values)
		return first
	}
	return buffer.Clone(values)
}

// Value returns scalar field name of e as a T.
func Value[T buffer.Element](e *Entry, name string) (T, error) {
	var zero T
	v, err := e.Get(name)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, ntuple.NewSchemaMismatchError(e.store, name, fmt.Sprintf("holds %T, not %s", v, buffer.TypeOf[T]()), nil)
	}
	return t, nil
}

// Slice returns array field name of e as a []T.
func Slice[T buffer.Element](e *Entry, name string) ([]T, error) {
	v, err := e.Get(name)
	if err != nil {
		return nil, err
	}
	t, ok := v.([]T)
	if !ok {
		return nil, ntuple.NewSchemaMismatchError(e.store, name, fmt.Sprintf("holds %T, not []%s", v, buffer.TypeOf[T]()), nil)
	}
	return t, nil
}
