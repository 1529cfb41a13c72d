package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/TFMV/ntuple"
	"github.com/TFMV/ntuple/bind"
	"github.com/TFMV/ntuple/schema"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// ReadRecord fills every buffer bound in set with the values of entry
// index. Bindings may have been made against another store with the same
// fields, e.g. an earlier constituent of a chain.
func (s *Store) ReadRecord(index int64, set *bind.Set) error {
	start := time.Now()
	if s.closed {
		return ntuple.ErrClosed
	}
	if index < 0 || index >= s.entries {
		return &ntuple.RecordNotFoundError{Index: index, Entries: s.entries}
	}
	s.flush()
	rec, row, err := s.batchFor(index)
	if err != nil {
		return err
	}
	err = set.Each(func(t bind.Target) error {
		return s.fill(rec, row, t)
	})
	if err != nil {
		return err
	}
	readLatency.Observe(time.Since(start).Seconds())
	return nil
}

// ArrowSchema returns the Arrow schema of the stored batches.
func (s *Store) ArrowSchema() *arrow.Schema {
	return s.schema.Arrow(nil)
}

// Batches calls fn for every stored batch in entry order. The batch is only
// valid during the call; retain it to keep it longer.
func (s *Store) Batches(fn func(arrow.Record) error) error {
	if s.closed {
		return ntuple.ErrClosed
	}
	s.flush()
	for i := range s.rows {
		rec, err := s.batch(i)
		if err != nil {
			return err
		}
		rec.Retain()
		err = fn(rec)
		rec.Release()
		if err != nil {
			return err
		}
	}
	return nil
}

// batchFor locates the batch holding entry index and the row within it.
func (s *Store) batchFor(index int64) (arrow.Record, int, error) {
	i := sort.Search(len(s.offsets), func(i int) bool { return s.offsets[i] > index }) - 1
	rec, err := s.batch(i)
	if err != nil {
		return nil, 0, err
	}
	return rec, int(index - s.offsets[i]), nil
}

// batch returns batch i. Decoded batches stay owned by the cache.
func (s *Store) batch(i int) (arrow.Record, error) {
	if s.reader == nil {
		return s.batches[i], nil
	}
	if v, ok := s.cache.Get(i); ok {
		return v.(arrow.Record), nil
	}
	rec, err := s.reader.RecordAt(i)
	if err != nil {
		return nil, fmt.Errorf("failed to read record %d of %q: %w", i, s.name, err)
	}
	batchesDecoded.Inc()
	s.cache.Add(i, rec)
	return rec, nil
}

func (s *Store) fill(rec arrow.Record, row int, t bind.Target) error {
	h, ok := s.schema.Lookup(t.Path)
	if !ok {
		return ntuple.NewSchemaMismatchError(s.name, t.Path, "field missing", nil)
	}
	if h.Field.Type != t.Field.Type || h.Field.Card != t.Field.Card {
		return ntuple.NewSchemaMismatchError(s.name, t.Path, fmt.Sprintf("stored as %s, bound as %s", h.Field, t.Field), nil)
	}
	col := rec.Column(h.Column)
	if h.IsMember() {
		st, ok := col.(*array.Struct)
		if !ok {
			return ntuple.NewSchemaMismatchError(s.name, t.Path, "parent is not a struct column", nil)
		}
		col = st.Field(h.Member)
	}
	values, err := valuesAt(col, row, h.Field.Card)
	if err != nil {
		return ntuple.NewSchemaMismatchError(s.name, t.Path, "unreadable column", err)
	}
	if err := t.Buffer.Assign(values); err != nil {
		return fmt.Errorf("store %q field %q: %w", s.name, t.Path, err)
	}
	return nil
}

// valuesAt returns the values of one row as a []T aliasing Arrow memory.
func valuesAt(col arrow.Array, row int, c schema.Cardinality) (any, error) {
	if c.Kind == schema.KindScalar {
		return primitiveSlice(col, int64(row), int64(row)+1)
	}
	l, ok := col.(array.ListLike)
	if !ok {
		return nil, fmt.Errorf("column %s is not a list", col.DataType())
	}
	lo, hi := l.ValueOffsets(row)
	return primitiveSlice(l.ListValues(), lo, hi)
}

func primitiveSlice(arr arrow.Array, lo, hi int64) (any, error) {
	switch a := arr.(type) {
	case *array.Int8:
		return a.Int8Values()[lo:hi], nil
	case *array.Uint8:
		return a.Uint8Values()[lo:hi], nil
	case *array.Int16:
		return a.Int16Values()[lo:hi], nil
	case *array.Uint16:
		return a.Uint16Values()[lo:hi], nil
	case *array.Int32:
		return a.Int32Values()[lo:hi], nil
	case *array.Uint32:
		return a.Uint32Values()[lo:hi], nil
	case *array.Int64:
		return a.Int64Values()[lo:hi], nil
	case *array.Uint64:
		return a.Uint64Values()[lo:hi], nil
	case *array.Float32:
		return a.Float32Values()[lo:hi], nil
	case *array.Float64:
		return a.Float64Values()[lo:hi], nil
	}
	return nil, fmt.Errorf("unsupported array %s", arr.DataType())
}
