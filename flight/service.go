// Package flight serves stores over Arrow Flight and provides a client for
// that service.
package flight

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/TFMV/ntuple"
	"github.com/TFMV/ntuple/schema"
	"github.com/TFMV/ntuple/storage"
	"github.com/TFMV/ntuple/store"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Ticket selects what DoGet streams: the batches of every store in Specs,
// in order, restricted to Fields (all fields when empty).
type Ticket struct {
	Specs  []store.Spec `json:"specs"`
	Fields []string     `json:"fields,omitempty"`
}

// Encode serializes t into a Flight ticket.
func (t Ticket) Encode() (*flight.Ticket, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return &flight.Ticket{Ticket: data}, nil
}

func decodeTicket(data []byte) (Ticket, error) {
	var t Ticket
	if err := json.Unmarshal(data, &t); err != nil {
		return t, err
	}
	if len(t.Specs) == 0 {
		return t, errors.New("ticket names no stores")
	}
	return t, nil
}

// Descriptor returns the path descriptor addressing a store.
func Descriptor(spec store.Spec) *flight.FlightDescriptor {
	return &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{spec.Path, spec.Name},
	}
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithRoot confines every path to dir. Paths are resolved relative to it
// and cannot escape it.
func WithRoot(dir string) ServiceOption {
	return func(s *Service) { s.root = dir }
}

// WithServiceLogger sets the service logger.
func WithServiceLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithServiceStoreOptions passes options to every store the service
// opens or creates.
func WithServiceStoreOptions(opts ...store.Option) ServiceOption {
	return func(s *Service) { s.storeOpts = opts }
}

// Service exposes stores through DoGet, DoPut and GetSchema.
type Service struct {
	flight.BaseFlightServer
	root      string
	storeOpts []store.Option
	logger    *zap.Logger
	mem       memory.Allocator
}

// NewService returns a Flight service over the local filesystem.
func NewService(opts ...ServiceOption) *Service {
	s := &Service{
		logger: zap.NewNop(),
		mem:    memory.DefaultAllocator,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) resolve(spec store.Spec) store.Spec {
	if s.root != "" {
		spec.Path = filepath.Join(s.root, filepath.Clean("/"+spec.Path))
	}
	return spec
}

// DoGet streams the projected batches of the stores named by the ticket.
// All stores must agree on the projected schema.
func (s *Service) DoGet(ticket *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	t, err := decodeTicket(ticket.GetTicket())
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid ticket: %v", err)
	}

	var (
		writer  *flight.Writer
		want    *arrow.Schema
		batches int
	)
	defer func() {
		if writer != nil {
			writer.Close()
		}
	}()

	for _, spec := range t.Specs {
		if err := stream.Context().Err(); err != nil {
			return status.FromContextError(err).Err()
		}
		st, err := store.OpenSpec(s.resolve(spec), s.storeOpts...)
		if err != nil {
			return toStatus(err)
		}
		proj, err := newProjection(st.ArrowSchema(), t.Fields, spec)
		if err != nil {
			st.Close()
			return toStatus(err)
		}
		if writer == nil {
			want = proj.schema
			writer = flight.NewRecordWriter(stream, ipc.WithSchema(want), ipc.WithAllocator(s.mem))
		} else if !want.Equal(proj.schema) {
			st.Close()
			return status.Errorf(codes.FailedPrecondition, "store %s: projected schema differs from the first store", spec)
		}

		err = st.Batches(func(rec arrow.Record) error {
			out := proj.apply(rec)
			defer out.Release()
			batches++
			return writer.Write(out)
		})
		st.Close()
		if err != nil {
			return toStatus(err)
		}
	}
	batchesSent.Add(float64(batches))
	s.logger.Debug("served stores", zap.Int("stores", len(t.Specs)), zap.Int("batches", batches))
	return nil
}

// DoPut creates the store named by the path descriptor [file, store] of
// the stream and appends every uploaded batch to it. The file is opened
// for update, so other stores in it are kept. An existing store of the
// same name is never replaced.
func (s *Service) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.mem))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "failed to create reader: %v", err)
	}
	defer reader.Release()

	desc := reader.LatestFlightDescriptor()
	if desc == nil || desc.GetType() != flight.DescriptorPATH || len(desc.GetPath()) != 2 {
		return status.Error(codes.InvalidArgument, "descriptor must be a path [file, store]")
	}
	spec := s.resolve(store.Spec{Path: desc.GetPath()[0], Name: desc.GetPath()[1]})

	entries, err := s.put(spec, reader)
	if err != nil {
		return toStatus(err)
	}
	meta, err := json.Marshal(putResult{Entries: entries})
	if err != nil {
		return status.Errorf(codes.Internal, "failed to encode result: %v", err)
	}
	s.logger.Info("stored upload", zap.Stringer("store", spec), zap.Int64("entries", entries))
	return stream.Send(&flight.PutResult{AppMetadata: meta})
}

type putResult struct {
	Entries int64 `json:"entries"`
}

func (s *Service) put(spec store.Spec, reader *flight.Reader) (n int64, err error) {
	sch, err := schema.FromArrow(reader.Schema())
	if err != nil {
		return 0, ntuple.NewSchemaMismatchError(spec.String(), "", "unsupported upload schema", err)
	}

	f, err := storage.Open(spec.Path, storage.ModeUpdate, storage.WithLogger(s.logger))
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if f.Has(spec.Name) {
		return 0, fmt.Errorf("%w: %q in %s", ntuple.ErrStoreExists, spec.Name, spec.Path)
	}

	st, err := store.Create(f, spec.Name, s.storeOpts...)
	if err != nil {
		return 0, err
	}
	if err := s.fill(st, sch, reader); err != nil {
		_ = st.Discard()
		return 0, err
	}
	n = st.NumEntries()
	return n, st.Close()
}

func (s *Service) fill(st *store.Store, sch *schema.Schema, reader *flight.Reader) error {
	for _, field := range sch.Fields() {
		if err := st.DeclareSchema(field); err != nil {
			return err
		}
	}
	for reader.Next() {
		if err := st.AppendBatch(reader.Record()); err != nil {
			return err
		}
	}
	if err := reader.Err(); err != nil {
		return fmt.Errorf("stream error: %w", err)
	}
	return nil
}

// GetSchema returns the Arrow schema of the store addressed by a path
// descriptor.
func (s *Service) GetSchema(_ context.Context, desc *flight.FlightDescriptor) (*flight.SchemaResult, error) {
	if desc.GetType() != flight.DescriptorPATH || len(desc.GetPath()) != 2 {
		return nil, status.Error(codes.InvalidArgument, "descriptor must be a path [file, store]")
	}
	st, err := store.OpenSpec(s.resolve(store.Spec{Path: desc.GetPath()[0], Name: desc.GetPath()[1]}), s.storeOpts...)
	if err != nil {
		return nil, toStatus(err)
	}
	defer st.Close()
	return &flight.SchemaResult{Schema: flight.SerializeSchema(st.ArrowSchema(), s.mem)}, nil
}

// projection selects columns of a stored batch by name.
type projection struct {
	schema  *arrow.Schema
	columns []int
}

func newProjection(as *arrow.Schema, fields []string, spec store.Spec) (*projection, error) {
	if len(fields) == 0 {
		fields = make([]string, as.NumFields())
		for i, f := range as.Fields() {
			fields[i] = f.Name
		}
	}
	p := &projection{}
	out := make([]arrow.Field, 0, len(fields))
	for _, name := range fields {
		idx := as.FieldIndices(name)
		if len(idx) == 0 {
			return nil, &ntuple.FieldNotFoundError{Store: spec.String(), Field: name}
		}
		p.columns = append(p.columns, idx[0])
		out = append(out, as.Field(idx[0]))
	}
	p.schema = arrow.NewSchema(out, nil)
	return p, nil
}

func (p *projection) apply(rec arrow.Record) arrow.Record {
	cols := make([]arrow.Array, len(p.columns))
	for i, c := range p.columns {
		cols[i] = rec.Column(c)
	}
	return array.NewRecord(p.schema, cols, rec.NumRows())
}

// toStatus maps store errors onto gRPC codes.
func toStatus(err error) error {
	var (
		notFound *ntuple.FieldNotFoundError
		mismatch *ntuple.SchemaMismatchError
		dup      *ntuple.DuplicateFieldError
	)
	switch {
	case errors.Is(err, ntuple.ErrStoreNotFound), errors.As(err, &notFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ntuple.ErrStoreExists), errors.Is(err, ntuple.ErrFileExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, ntuple.ErrBusy):
		return status.Error(codes.Unavailable, err.Error())
	case errors.As(err, &mismatch), errors.As(err, &dup):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, fs.ErrNotExist):
		return status.Error(codes.NotFound, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
