package store

import (
	"fmt"
	"reflect"
	"time"

	"github.com/TFMV/ntuple"
	"github.com/TFMV/ntuple/bind"
	"github.com/TFMV/ntuple/buffer"
	"github.com/TFMV/ntuple/schema"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"go.uber.org/zap"
)

// AppendRecord appends one entry. values maps every declared field name
// to its value:
//
//   - scalar fields take a T or a one element []T
//   - fixed array fields take a []T of exactly the declared length
//   - variable fields take a []T of any length
//   - struct fields take a map[string]any or a buffer.Composite
//
// A buffer.Buffer is accepted wherever a []T is. The entry is validated as
// a whole before anything is appended. The first append seals the schema.
func (s *Store) AppendRecord(values map[string]any) error {
	start := time.Now()
	if err := s.checkWritable(); err != nil {
		return err
	}
	if s.schema.Len() == 0 {
		return ntuple.NewSchemaMismatchError(s.name, "", "no fields declared", nil)
	}
	for name := range values {
		if _, ok := s.schema.FieldByName(name); !ok {
			return ntuple.NewSchemaMismatchError(s.name, name, "field not declared", nil)
		}
	}
	row := make([]any, s.schema.Len())
	for i, f := range s.schema.Fields() {
		v, ok := values[f.Name]
		if !ok {
			return ntuple.NewSchemaMismatchError(s.name, f.Name, "no value", nil)
		}
		p, err := s.prepare(f.Name, f, v)
		if err != nil {
			return err
		}
		row[i] = p
	}
	if err := s.appendRow(row); err != nil {
		return err
	}
	appendLatency.Observe(time.Since(start).Seconds())
	return nil
}

// AppendFrom appends one entry taken from the buffers bound in set. Every
// declared field must be bound. Fixed buffers larger than the field
// contribute their leading elements.
func (s *Store) AppendFrom(set *bind.Set) error {
	start := time.Now()
	if err := s.checkWritable(); err != nil {
		return err
	}
	if s.schema.Len() == 0 {
		return ntuple.NewSchemaMismatchError(s.name, "", "no fields declared", nil)
	}
	row := make([]any, s.schema.Len())
	for i, f := range s.schema.Fields() {
		b, ok := set.Lookup(f.Name)
		if !ok {
			return ntuple.NewSchemaMismatchError(s.name, f.Name, "field not bound", nil)
		}
		v := b.Value
		if buf, ok := v.(buffer.Buffer); ok && f.Type != schema.Struct {
			n := f.Card.Len
			if f.Card.Kind == schema.KindVariable {
				n = -1
			}
			v = head(buf.Values(), n)
		}
		p, err := s.prepare(f.Name, f, v)
		if err != nil {
			return err
		}
		row[i] = p
	}
	if err := s.appendRow(row); err != nil {
		return err
	}
	appendLatency.Observe(time.Since(start).Seconds())
	return nil
}

// AppendBatch appends every row of rec. A store without declared fields
// adopts the batch schema; otherwise the batch must match field by field.
func (s *Store) AppendBatch(rec arrow.Record) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	if s.schema.Len() == 0 && !s.sealed {
		sch, err := schema.FromArrow(rec.Schema())
		if err != nil {
			return ntuple.NewSchemaMismatchError(s.name, "", "unsupported batch schema", err)
		}
		s.schema = sch
	} else if err := s.matchBatch(rec.Schema()); err != nil {
		return err
	}
	s.sealed = true
	s.flush()
	if rec.NumRows() == 0 {
		return nil
	}
	out := array.NewRecord(s.schema.Arrow(nil), rec.Columns(), rec.NumRows())
	s.addBatch(out)
	entriesAppended.Add(float64(rec.NumRows()))
	return nil
}

func (s *Store) matchBatch(as *arrow.Schema) error {
	if len(as.Fields()) != s.schema.Len() {
		return ntuple.NewSchemaMismatchError(s.name, "", fmt.Sprintf("batch has %d columns, store has %d", len(as.Fields()), s.schema.Len()), nil)
	}
	for i, f := range s.schema.Fields() {
		af := as.Field(i)
		if af.Name != f.Name {
			return ntuple.NewSchemaMismatchError(s.name, f.Name, fmt.Sprintf("batch column %d is %q", i, af.Name), nil)
		}
		if !arrow.TypeEqual(af.Type, f.DataType()) {
			return ntuple.NewSchemaMismatchError(s.name, f.Name, fmt.Sprintf("batch type %s, store type %s", af.Type, f.DataType()), nil)
		}
	}
	return nil
}

// prepare checks v against f and returns the normalized value: a []T for
// primitive fields, one prepared value per member for struct fields.
func (s *Store) prepare(path string, f schema.Field, v any) (any, error) {
	if f.Type == schema.Struct {
		return s.prepareStruct(path, f, v)
	}
	if b, ok := v.(buffer.Buffer); ok {
		v = b.Values()
	}
	vals := buffer.AsSlice(v)
	if t := buffer.TypeOfValue(vals); t != f.Type {
		return nil, ntuple.NewSchemaMismatchError(s.name, path, fmt.Sprintf("want %s values, got %T", f.Type, v), nil)
	}
	n := reflect.ValueOf(vals).Len()
	switch f.Card.Kind {
	case schema.KindScalar:
		if n != 1 {
			return nil, ntuple.NewSchemaMismatchError(s.name, path, fmt.Sprintf("scalar given %d values", n), nil)
		}
	case schema.KindFixedArray:
		if n != f.Card.Len {
			return nil, ntuple.NewSchemaMismatchError(s.name, path, fmt.Sprintf("array of %d given %d values", f.Card.Len, n), nil)
		}
	}
	return vals, nil
}

func (s *Store) prepareStruct(path string, f schema.Field, v any) (any, error) {
	var get func(string) (any, bool)
	switch c := v.(type) {
	case map[string]any:
		if len(c) > len(f.Members) {
			for name := range c {
				if _, _, ok := f.Member(name); !ok {
					return nil, ntuple.NewSchemaMismatchError(s.name, path+"."+name, "member not declared", nil)
				}
			}
		}
		get = func(name string) (any, bool) {
			mv, ok := c[name]
			return mv, ok
		}
	case buffer.Composite:
		get = func(name string) (any, bool) {
			mv, err := c.Get(name)
			return mv, err == nil && mv != nil
		}
	default:
		return nil, ntuple.NewSchemaMismatchError(s.name, path, fmt.Sprintf("struct given %T", v), nil)
	}
	out := make([]any, len(f.Members))
	for i, m := range f.Members {
		mv, ok := get(m.Name)
		if !ok {
			return nil, ntuple.NewSchemaMismatchError(s.name, path+"."+m.Name, "no value", nil)
		}
		p, err := s.prepare(path+"."+m.Name, m, mv)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

func (s *Store) appendRow(row []any) error {
	s.sealed = true
	if s.builder == nil {
		s.builder = array.NewRecordBuilder(s.opts.mem, s.schema.Arrow(nil))
	}
	for i, f := range s.schema.Fields() {
		if err := appendColumn(s.builder.Field(i), f, row[i]); err != nil {
			return fmt.Errorf("store %q field %q: %w", s.name, f.Name, err)
		}
	}
	s.pending++
	s.entries++
	entriesAppended.Inc()
	if s.pending >= s.opts.cfg.BatchSize {
		s.flush()
	}
	return nil
}

// flush turns pending entries into a batch.
func (s *Store) flush() {
	if s.builder == nil || s.pending == 0 {
		return
	}
	rec := s.builder.NewRecord()
	s.entries -= int64(s.pending)
	s.pending = 0
	s.addBatch(rec)
	s.logger.Debug("flushed batch", zap.Int64("rows", rec.NumRows()), zap.Int("batches", len(s.batches)))
}

func (s *Store) addBatch(rec arrow.Record) {
	s.batches = append(s.batches, rec)
	s.addBatchLayout(rec.NumRows())
}

func appendColumn(b array.Builder, f schema.Field, v any) error {
	if f.Type == schema.Struct {
		sb, ok := b.(*array.StructBuilder)
		if !ok {
			return fmt.Errorf("unexpected builder %T for struct", b)
		}
		sb.Append(true)
		members := v.([]any)
		for i, m := range f.Members {
			if err := appendColumn(sb.FieldBuilder(i), m, members[i]); err != nil {
				return err
			}
		}
		return nil
	}
	switch f.Card.Kind {
	case schema.KindFixedArray:
		lb, ok := b.(*array.FixedSizeListBuilder)
		if !ok {
			return fmt.Errorf("unexpected builder %T for fixed array", b)
		}
		lb.Append(true)
		return appendValues(lb.ValueBuilder(), v)
	case schema.KindVariable:
		lb, ok := b.(*array.ListBuilder)
		if !ok {
			return fmt.Errorf("unexpected builder %T for variable array", b)
		}
		lb.Append(true)
		return appendValues(lb.ValueBuilder(), v)
	}
	return appendValues(b, v)
}

func appendValues(b array.Builder, v any) error {
	switch bb := b.(type) {
	case *array.Int8Builder:
		return appendTyped(bb.AppendValues, v)
	case *array.Uint8Builder:
		return appendTyped(bb.AppendValues, v)
	case *array.Int16Builder:
		return appendTyped(bb.AppendValues, v)
	case *array.Uint16Builder:
		return appendTyped(bb.AppendValues, v)
	case *array.Int32Builder:
		return appendTyped(bb.AppendValues, v)
	case *array.Uint32Builder:
		return appendTyped(bb.AppendValues, v)
	case *array.Int64Builder:
		return appendTyped(bb.AppendValues, v)
	case *array.Uint64Builder:
		return appendTyped(bb.AppendValues, v)
	case *array.Float32Builder:
		return appendTyped(bb.AppendValues, v)
	case *array.Float64Builder:
		return appendTyped(bb.AppendValues, v)
	}
	return fmt.Errorf("unsupported builder %T", b)
}

func appendTyped[T buffer.Element](fn func([]T, []bool), v any) error {
	vals, ok := v.([]T)
	if !ok {
		return fmt.Errorf("cannot append %T", v)
	}
	fn(vals, nil)
	return nil
}

// head returns the first n elements of a slice, or values itself when
// n < 0 or the slice is shorter.
func head(values any, n int) any {
	rv := reflect.ValueOf(values)
	if n < 0 || rv.Kind() != reflect.Slice || rv.Len() <= n {
		return values
	}
	return rv.Slice(0, n).Interface()
}
