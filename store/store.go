// Package store implements the record store: an ordered list of typed
// fields plus an append-only sequence of entries kept as Arrow batches.
//
// A store is written by declaring fields, appending records and closing
// it; closing serializes the batches as an Arrow IPC file into the
// enclosing storage.File. A store opened for reading decodes batches on
// demand and keeps the most recent ones in an LRU cache.
//
// Stores are not safe for concurrent use.
package store

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/TFMV/ntuple"
	"github.com/TFMV/ntuple/schema"
	"github.com/TFMV/ntuple/storage"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/golang/groupcache/lru"
	"go.uber.org/zap"
)

// Store kinds recorded in the file.
const (
	KindTree   = "tree"
	KindNTuple = "ntuple"
)

const (
	metaKind    = "ntuple.kind"
	metaBatches = "ntuple.batches"
)

// Spec names a store inside a file.
type Spec struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

func (s Spec) String() string { return s.Path + ":" + s.Name }

// Store is a columnar record store.
type Store struct {
	name   string
	kind   string
	file   *storage.File
	owns   bool
	schema *schema.Schema
	opts   options
	logger *zap.Logger

	writable bool
	sealed   bool
	closed   bool

	// write side
	builder *array.RecordBuilder
	pending int

	// batches[i] holds entries [offsets[i], offsets[i]+rows[i]).
	batches []arrow.Record
	offsets []int64
	rows    []int64
	entries int64

	// read side
	reader *ipc.FileReader
	cache  *lru.Cache
}

// New returns an empty in-memory store that is never persisted. Its
// entries live only until Close: closing releases the batches, so the
// store can be neither read nor appended to afterwards. Use Create to
// keep the entries.
func New(name string, opts ...Option) *Store {
	o := newOptions(opts)
	return &Store{
		name:     name,
		kind:     o.kind,
		schema:   &schema.Schema{},
		opts:     o,
		logger:   o.logger.With(zap.String("store", name)),
		writable: true,
	}
}

// Create returns an empty store that is written into f on Close.
func Create(f *storage.File, name string, opts ...Option) (*Store, error) {
	if !f.Mode().Writable() {
		return nil, fmt.Errorf("%w: cannot create store %q in %s", ntuple.ErrReadOnly, name, f.Path())
	}
	s := New(name, opts...)
	s.file = f
	return s, nil
}

// Open opens the store called name in f for reading.
func Open(f *storage.File, name string, opts ...Option) (*Store, error) {
	data, err := f.Read(name)
	if err != nil {
		return nil, err
	}
	o := newOptions(opts)
	reader, err := ipc.NewFileReader(bytes.NewReader(data), ipc.WithAllocator(o.mem))
	if err != nil {
		return nil, fmt.Errorf("failed to create Arrow file reader for %q: %w", name, err)
	}
	sch, err := schema.FromArrow(reader.Schema())
	if err != nil {
		_ = reader.Close()
		return nil, fmt.Errorf("store %q: %w", name, err)
	}

	s := &Store{
		name:   name,
		kind:   o.kind,
		file:   f,
		schema: sch,
		opts:   o,
		logger: o.logger.With(zap.String("store", name)),
		sealed: true,
		reader: reader,
		cache:  lru.New(o.cfg.CacheBatches),
	}
	s.cache.OnEvicted = func(_ lru.Key, v interface{}) {
		v.(arrow.Record).Release()
	}
	if kind, ok := f.Kind(name); ok {
		s.kind = kind
	}
	if err := s.loadLayout(); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.logger.Debug("opened store", zap.Int64("entries", s.entries), zap.Int("batches", len(s.rows)))
	return s, nil
}

// OpenSpec opens the file named by spec read-only and the store inside
// it. Closing the store closes the file.
func OpenSpec(spec Spec, opts ...Option) (*Store, error) {
	o := newOptions(opts)
	f, err := storage.Open(spec.Path, storage.ModeRead, storage.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	s, err := Open(f, spec.Name, opts...)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	s.owns = true
	return s, nil
}

// loadLayout recovers the per-batch entry counts, from the schema
// metadata when present and by decoding every batch otherwise.
func (s *Store) loadLayout() error {
	md := s.reader.Schema().Metadata()
	if i := md.FindKey(metaBatches); i >= 0 {
		if v := md.Values()[i]; v != "" {
			for _, part := range strings.Split(v, ",") {
				n, err := strconv.ParseInt(part, 10, 64)
				if err != nil {
					return fmt.Errorf("%w: store %q batch layout %q", ntuple.ErrCorrupt, s.name, v)
				}
				s.addBatchLayout(n)
			}
		}
		if len(s.rows) != s.reader.NumRecords() {
			return fmt.Errorf("%w: store %q lists %d batches, file has %d", ntuple.ErrCorrupt, s.name, len(s.rows), s.reader.NumRecords())
		}
		return nil
	}
	for i := 0; i < s.reader.NumRecords(); i++ {
		rec, err := s.reader.RecordAt(i)
		if err != nil {
			return fmt.Errorf("failed to read record %d of %q: %w", i, s.name, err)
		}
		s.addBatchLayout(rec.NumRows())
		rec.Release()
	}
	return nil
}

func (s *Store) addBatchLayout(n int64) {
	s.offsets = append(s.offsets, s.entries)
	s.rows = append(s.rows, n)
	s.entries += n
}

// Name is the store name within its file.
func (s *Store) Name() string { return s.name }

// Kind is KindTree or KindNTuple.
func (s *Store) Kind() string { return s.kind }

// Schema returns the declared fields. It must not be modified.
func (s *Store) Schema() *schema.Schema { return s.schema }

// NumEntries is the number of appended entries.
func (s *Store) NumEntries() int64 { return s.entries }

// Writable reports whether records can still be appended.
func (s *Store) Writable() bool { return s.writable && !s.closed }

// ---------------------------------------------------------------------
// Schema declaration
// ---------------------------------------------------------------------

// DeclareField adds a primitive field.
func (s *Store) DeclareField(name string, t schema.ElementType, c schema.Cardinality) error {
	return s.DeclareSchema(schema.NewField(name, t, c))
}

// DeclareLeafList adds a field described by a leaf-list string such as
// "b[3]/s" or "a/I:b/I".
func (s *Store) DeclareLeafList(name, desc string) error {
	f, err := schema.ParseLeafList(name, desc)
	if err != nil {
		return err
	}
	return s.DeclareSchema(f)
}

// DeclareSchema adds a fully described field, e.g. a struct.
func (s *Store) DeclareSchema(f schema.Field) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	if s.sealed {
		return &ntuple.SealedStoreError{Store: s.name, Field: f.Name}
	}
	return s.schema.Add(f)
}

func (s *Store) checkWritable() error {
	if s.closed {
		return ntuple.ErrClosed
	}
	if !s.writable {
		return fmt.Errorf("%w: store %q", ntuple.ErrReadOnly, s.name)
	}
	return nil
}

// ---------------------------------------------------------------------
// Close
// ---------------------------------------------------------------------

// Close flushes pending entries, writes a file backed store into its file
// and releases memory. Any further read or append fails with ErrClosed;
// NumEntries keeps reporting the final count. Close is idempotent.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	var err error
	if s.writable {
		s.flush()
		if s.file != nil {
			err = s.persist()
		}
		s.writable = false
	}
	s.closed = true
	s.release()
	if s.owns {
		if cerr := s.file.Close(); err == nil {
			err = cerr
		}
	}
	s.logger.Debug("closed store", zap.Int64("entries", s.entries))
	return err
}

// Discard closes the store without writing it into its file. Entries
// appended since Create are dropped.
func (s *Store) Discard() error {
	if s.closed {
		return nil
	}
	s.writable = false
	s.closed = true
	s.release()
	s.logger.Debug("discarded store", zap.Int64("entries", s.entries))
	if s.owns {
		return s.file.Close()
	}
	return nil
}

func (s *Store) persist() error {
	parts := make([]string, len(s.rows))
	for i, n := range s.rows {
		parts[i] = strconv.FormatInt(n, 10)
	}
	md := arrow.NewMetadata([]string{metaKind, metaBatches}, []string{s.kind, strings.Join(parts, ",")})
	as := s.schema.Arrow(&md)

	var buf bytes.Buffer
	opts := append([]ipc.Option{ipc.WithSchema(as), ipc.WithAllocator(s.opts.mem)}, s.opts.cfg.ipcOptions()...)
	writer, err := ipc.NewFileWriter(&buf, opts...)
	if err != nil {
		return fmt.Errorf("failed to create Arrow file writer: %w", err)
	}
	for _, rec := range s.batches {
		out := array.NewRecord(as, rec.Columns(), rec.NumRows())
		err := writer.Write(out)
		out.Release()
		if err != nil {
			_ = writer.Close()
			return fmt.Errorf("failed to write record to Arrow file: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close Arrow file writer: %w", err)
	}
	if err := s.file.Write(s.name, s.kind, buf.Bytes()); err != nil {
		return err
	}
	s.logger.Debug("persisted store", zap.Int("batches", len(s.batches)), zap.Int("bytes", buf.Len()))
	return nil
}

func (s *Store) release() {
	if s.builder != nil {
		s.builder.Release()
		s.builder = nil
	}
	for _, rec := range s.batches {
		rec.Release()
	}
	s.batches = nil
	if s.cache != nil {
		s.cache.Clear()
	}
	if s.reader != nil {
		_ = s.reader.Close()
		s.reader = nil
	}
}
