package processor

import (
	"fmt"
	"strings"

	"github.com/TFMV/ntuple"
	"github.com/TFMV/ntuple/bind"
	"github.com/TFMV/ntuple/buffer"
	"github.com/TFMV/ntuple/index"
	"github.com/TFMV/ntuple/schema"
	"github.com/TFMV/ntuple/store"
	"go.uber.org/zap"
)

// MaxJoinFields bounds the number of fields a join may match on.
const MaxJoinFields = 4

// CreateJoin returns a processor that iterates primary and attaches, for
// every primary entry, the matching entry of each auxiliary store. Fields
// of auxiliary store a are read as "a.<field>".
//
// With join fields, the auxiliary entry whose join fields equal those of
// the primary entry is loaded; the lowest one when several match. Without
// join fields the stores are aligned and entry n meets entry n. When no
// auxiliary entry matches, its fields report FieldNotFoundError for that
// primary entry.
//
// model restricts the fields of the primary store only. Every field of an
// auxiliary store is read, struct fields included: "a.s" yields the
// whole struct and "a.s.m" one member.
func CreateJoin(primary store.Spec, aux []store.Spec, joinFields []string, model *schema.Model, opts ...Option) (*Processor, error) {
	if len(joinFields) > MaxJoinFields {
		return nil, fmt.Errorf("join on %d fields: at most %d are allowed", len(joinFields), MaxJoinFields)
	}
	seen := make(map[string]struct{}, len(joinFields))
	for _, f := range joinFields {
		if _, dup := seen[f]; dup {
			return nil, &ntuple.DuplicateFieldError{Field: f}
		}
		seen[f] = struct{}{}
	}

	p, err := Create(primary, model, opts...)
	if err != nil {
		return nil, err
	}
	names := make(map[string]struct{}, len(aux))
	for _, spec := range aux {
		if _, dup := names[spec.Name]; dup {
			return nil, fmt.Errorf("auxiliary store %q joined twice", spec.Name)
		}
		if model != nil {
			if _, clash := model.Schema().FieldByName(spec.Name); clash {
				return nil, fmt.Errorf("auxiliary store %q clashes with a field of the read model", spec.Name)
			}
		}
		names[spec.Name] = struct{}{}
		p.aux = append(p.aux, &auxiliary{name: spec.Name, spec: spec, joinFields: joinFields})
	}
	return p, nil
}

// auxiliary is one joined store with its own buffers.
type auxiliary struct {
	name       string
	spec       store.Spec
	joinFields []string

	store  *store.Store
	index  *index.Index
	set    *bind.Set
	fields []schema.Field
	// values holds a buffer.Buffer per primitive field and a
	// *buffer.Record per struct field.
	values map[string]any
	// keys holds the primary's join values, bound into the primary set.
	keys  []buffer.Buffer
	valid bool
}

func (a *auxiliary) open(p *Processor) error {
	if _, clash := p.model.FieldByName(a.name); clash {
		return fmt.Errorf("auxiliary store %q clashes with a field of %q", a.name, p.name)
	}
	s, err := store.OpenSpec(a.spec, p.storeOpts...)
	if err != nil {
		return fmt.Errorf("auxiliary store %s: %w", a.spec, err)
	}
	a.store = s
	a.set = bind.NewSet()
	a.values = make(map[string]any)
	for _, f := range s.Schema().Fields() {
		var b any
		if f.Type == schema.Struct {
			b = buffer.NewRecord(f.MemberNames()...)
		} else if b, err = buffer.New(f.Type); err != nil {
			return err
		}
		status, err := a.set.Bind(s, f.Name, b)
		if err != nil {
			return err
		}
		if status != bind.StatusOK {
			return ntuple.NewSchemaMismatchError(a.spec.String(), f.Name, status.String(), nil)
		}
		a.fields = append(a.fields, f)
		a.values[f.Name] = b
	}
	if len(a.joinFields) == 0 {
		return nil
	}

	a.index, err = index.Build(s, a.joinFields, index.Settings{BloomFilterFPRate: 0.01, Logger: p.logger})
	if err != nil {
		return err
	}
	// The primary's join values are read through the chain's binding set
	// under their own names. Model fields already bound are reused.
	set := p.chain.Bindings()
	for _, name := range a.joinFields {
		if b, ok := set.Lookup(name); ok {
			if buf, ok := b.Value.(buffer.Buffer); ok {
				a.keys = append(a.keys, buf)
				continue
			}
		}
		cur := p.chain.Current()
		f, ok := cur.Schema().FieldByName(name)
		if !ok {
			return &ntuple.FieldNotFoundError{Store: cur.Name(), Field: name}
		}
		buf, err := buffer.New(f.Type)
		if err != nil {
			return ntuple.NewSchemaMismatchError(cur.Name(), name, "join fields must be scalar primitives", err)
		}
		status, err := set.Bind(cur, name, buf)
		if err != nil {
			return err
		}
		if status != bind.StatusOK {
			return ntuple.NewSchemaMismatchError(cur.Name(), name, status.String(), nil)
		}
		a.keys = append(a.keys, buf)
	}
	p.logger.Debug("joined auxiliary store",
		zap.String("processor", p.name),
		zap.String("auxiliary", a.name),
		zap.Int("keys", a.index.Len()))
	return nil
}

// load positions the auxiliary store on the partner of primary entry n.
func (a *auxiliary) load(n int64) error {
	target := n
	if a.index != nil {
		values := make([]any, len(a.keys))
		for i, b := range a.keys {
			values[i], _ = buffer.First(b.Values())
		}
		e, ok := a.index.FirstEntry(values...)
		if !ok {
			a.valid = false
			return nil
		}
		target = e
	}
	if target >= a.store.NumEntries() {
		a.valid = false
		return nil
	}
	if err := a.store.ReadRecord(target, a.set); err != nil {
		return err
	}
	a.valid = true
	return nil
}

func (a *auxiliary) get(name string) (any, error) {
	qualified := a.name + "." + name
	field, member, dotted := strings.Cut(name, ".")
	var f schema.Field
	found := false
	for _, af := range a.fields {
		if af.Name == field {
			f, found = af, true
			break
		}
	}
	if !found || (dotted && f.Type != schema.Struct) {
		return nil, &ntuple.FieldNotInModelError{Field: qualified}
	}
	var m schema.Field
	if dotted {
		var ok bool
		if m, _, ok = f.Member(member); !ok {
			return nil, &ntuple.FieldNotInModelError{Field: qualified}
		}
	}
	if !a.valid {
		return nil, &ntuple.FieldNotFoundError{Store: a.name, Field: name}
	}
	if !dotted {
		return materialize(f, a.values[field]), nil
	}
	v, err := a.values[field].(*buffer.Record).Get(m.Name)
	if err != nil {
		return nil, err
	}
	return buffer.Clone(v), nil
}

func (a *auxiliary) close() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}
