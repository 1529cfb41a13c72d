package flight

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/TFMV/ntuple/schema"
	"github.com/TFMV/ntuple/storage"
	"github.com/TFMV/ntuple/store"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func startServer(t *testing.T, root string) *Client {
	t.Helper()
	srv := flight.NewServerWithMiddleware(nil)
	require.NoError(t, srv.Init("localhost:0"))
	srv.RegisterFlightService(NewService(WithRoot(root)))
	go srv.Serve()
	t.Cleanup(srv.Shutdown)

	c, err := NewClient(srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func writeStore(t *testing.T, path string, n int) {
	t.Helper()
	f, err := storage.Open(path, storage.ModeRecreate)
	require.NoError(t, err)
	cfg := store.DefaultConfig()
	cfg.BatchSize = 4
	s, err := store.Create(f, "events", store.WithConfig(cfg))
	require.NoError(t, err)
	require.NoError(t, s.DeclareField("id", schema.Int64, schema.Scalar()))
	require.NoError(t, s.DeclareField("e", schema.Float64, schema.Scalar()))
	require.NoError(t, s.DeclareField("p", schema.Float32, schema.FixedArray(3)))
	for i := 0; i < n; i++ {
		require.NoError(t, s.AppendRecord(map[string]any{
			"id": int64(i),
			"e":  float64(i) / 2,
			"p":  []float32{1, 2, 3},
		}))
	}
	require.NoError(t, s.Close())
	require.NoError(t, f.Close())
}

func ids(records []arrow.Record) []int64 {
	var out []int64
	for _, rec := range records {
		out = append(out, rec.Column(0).(*array.Int64).Int64Values()...)
		rec.Release()
	}
	return out
}

func TestFetch(t *testing.T) {
	dir := t.TempDir()
	writeStore(t, filepath.Join(dir, "a.nt"), 6)
	writeStore(t, filepath.Join(dir, "b.nt"), 3)
	c := startServer(t, dir)
	ctx := context.Background()

	records, err := c.Fetch(ctx, Ticket{
		Specs: []store.Spec{
			{Name: "events", Path: "a.nt"},
			{Name: "events", Path: "b.nt"},
		},
		Fields: []string{"id"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, 1, len(records[0].Schema().Fields()))
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 0, 1, 2}, ids(records))

	sch, err := c.Schema(ctx, store.Spec{Name: "events", Path: "a.nt"})
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "e", "p"}, []string{sch.Field(0).Name, sch.Field(1).Name, sch.Field(2).Name})

	_, err = c.Fetch(ctx, Ticket{Specs: []store.Spec{{Name: "events", Path: "a.nt"}}, Fields: []string{"nope"}})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = c.Fetch(ctx, Ticket{Specs: []store.Spec{{Name: "missing", Path: "a.nt"}}})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = c.Fetch(ctx, Ticket{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	// Rejected requests do not trip the breaker.
	assert.Equal(t, gobreaker.StateClosed, c.State())
}

func TestPut(t *testing.T) {
	dir := t.TempDir()
	writeStore(t, filepath.Join(dir, "src.nt"), 5)
	c := startServer(t, dir)
	ctx := context.Background()

	src := store.Spec{Name: "events", Path: "src.nt"}
	records, err := c.Fetch(ctx, Ticket{Specs: []store.Spec{src}})
	require.NoError(t, err)
	sch := records[0].Schema()

	dst := store.Spec{Name: "copy", Path: "src.nt"}
	n, err := c.Put(ctx, dst, sch, records)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	_, err = c.Put(ctx, dst, sch, records)
	assert.Equal(t, codes.AlreadyExists, status.Code(err))
	for _, rec := range records {
		rec.Release()
	}

	// The upload landed next to the original store.
	f, err := storage.Open(filepath.Join(dir, "src.nt"), storage.ModeRead)
	require.NoError(t, err)
	assert.Equal(t, []string{"events", "copy"}, f.Names())
	require.NoError(t, f.Close())

	s, err := store.OpenSpec(store.Spec{Name: "copy", Path: filepath.Join(dir, "src.nt")})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, int64(5), s.NumEntries())
	assert.Equal(t, []string{"id", "e", "p"}, s.Schema().Names())

	empty := arrow.NewSchema([]arrow.Field{{Name: "x", Type: arrow.PrimitiveTypes.Int32}}, nil)
	n, err = c.Put(ctx, store.Spec{Name: "empty", Path: "new.nt"}, empty, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	got, err := c.Schema(ctx, store.Spec{Name: "empty", Path: "new.nt"})
	require.NoError(t, err)
	assert.Equal(t, "x", got.Field(0).Name)
}

func TestPutSchemas(t *testing.T) {
	c := startServer(t, t.TempDir())
	ctx := context.Background()

	ints := arrow.NewSchema([]arrow.Field{{Name: "x", Type: arrow.PrimitiveTypes.Int32}}, nil)
	bld := array.NewRecordBuilder(memory.DefaultAllocator, ints)
	defer bld.Release()
	bld.Field(0).(*array.Int32Builder).AppendValues([]int32{1, 2}, nil)
	rec := bld.NewRecord()
	defer rec.Release()

	n, err := c.Put(ctx, store.Spec{Name: "t", Path: "m.nt"}, ints, []arrow.Record{rec})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	text := arrow.NewSchema([]arrow.Field{{Name: "s", Type: arrow.BinaryTypes.String}}, nil)
	_, err = c.Put(ctx, store.Spec{Name: "u", Path: "m.nt"}, text, nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestBreakerOpens(t *testing.T) {
	l, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	c, err := NewClient(addr, WithMaxFailures(2), WithTimeout(time.Minute))
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ticket := Ticket{Specs: []store.Spec{{Name: "t", Path: "x.nt"}}}
	for i := 0; i < 2; i++ {
		_, err := c.Fetch(ctx, ticket)
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, c.State())
	_, err = c.Fetch(ctx, ticket)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
}
