package flight

import (
	"context"
	"fmt"
	"time"

	"github.com/TFMV/ntuple/store"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	timeout  time.Duration
	failures uint32
	logger   *zap.Logger
	mem      memory.Allocator
}

// WithTimeout sets how long the breaker stays open before probing again.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.timeout = d }
}

// WithMaxFailures sets the consecutive failures that open the breaker.
func WithMaxFailures(n uint32) ClientOption {
	return func(o *clientOptions) { o.failures = n }
}

// WithClientLogger sets the client logger.
func WithClientLogger(l *zap.Logger) ClientOption {
	return func(o *clientOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// Client talks to a Service. Every call goes through a circuit breaker
// that opens after repeated transport failures.
type Client struct {
	client  flight.Client
	breaker *gobreaker.CircuitBreaker[any]
	mem     memory.Allocator
}

// NewClient connects to the service at addr.
func NewClient(addr string, opts ...ClientOption) (*Client, error) {
	o := clientOptions{
		timeout:  5 * time.Second,
		failures: 3,
		logger:   zap.NewNop(),
		mem:      memory.DefaultAllocator,
	}
	for _, opt := range opts {
		opt(&o)
	}

	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create flight client: %w", err)
	}

	name := "flight:" + addr
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    name,
		Timeout: o.timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= o.failures
		},
		IsSuccessful: transportOK,
		OnStateChange: func(name string, from, to gobreaker.State) {
			breakerState.WithLabelValues(name).Set(float64(to))
			o.logger.Warn("flight breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})
	breakerState.WithLabelValues(name).Set(float64(gobreaker.StateClosed))

	return &Client{client: client, breaker: cb, mem: o.mem}, nil
}

// transportOK counts only server-side and transport failures against the
// breaker. Rejected requests mean the service is healthy.
func transportOK(err error) bool {
	if err == nil {
		return true
	}
	switch status.Code(err) {
	case codes.InvalidArgument, codes.NotFound, codes.AlreadyExists, codes.FailedPrecondition:
		return true
	}
	return false
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// State reports the breaker state.
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

// Fetch streams the batches selected by t. The caller releases the
// returned records.
func (c *Client) Fetch(ctx context.Context, t Ticket) ([]arrow.Record, error) {
	ticket, err := t.Encode()
	if err != nil {
		return nil, err
	}
	out, err := c.breaker.Execute(func() (any, error) {
		stream, err := c.client.DoGet(ctx, ticket)
		if err != nil {
			return nil, fmt.Errorf("DoGet failed: %w", err)
		}
		reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.mem))
		if err != nil {
			return nil, err
		}
		defer reader.Release()
		return readAllRecords(reader)
	})
	if err != nil {
		return nil, err
	}
	return out.([]arrow.Record), nil
}

// readAllRecords pulls every batch from a DoGet stream.
func readAllRecords(reader *flight.Reader) ([]arrow.Record, error) {
	var result []arrow.Record
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		result = append(result, rec)
	}
	if err := reader.Err(); err != nil {
		for _, rec := range result {
			rec.Release()
		}
		return nil, fmt.Errorf("error reading from flight stream: %w", err)
	}
	return result, nil
}

// Put uploads records as a new store named by spec and returns the number
// of entries stored. sch is required so that an empty upload still
// declares the store's fields.
func (c *Client) Put(ctx context.Context, spec store.Spec, sch *arrow.Schema, records []arrow.Record) (int64, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		stream, err := c.client.DoPut(ctx)
		if err != nil {
			return nil, fmt.Errorf("DoPut failed: %w", err)
		}
		writer := flight.NewRecordWriter(stream, ipc.WithSchema(sch), ipc.WithAllocator(c.mem))
		writer.SetFlightDescriptor(Descriptor(spec))
		for _, rec := range records {
			if err := writer.Write(rec); err != nil {
				writer.Close()
				return nil, fmt.Errorf("failed to send record: %w", err)
			}
		}
		if err := writer.Close(); err != nil {
			return nil, err
		}
		if err := stream.CloseSend(); err != nil {
			return nil, err
		}
		res, err := stream.Recv()
		if err != nil {
			return nil, err
		}
		var pr putResult
		if err := json.Unmarshal(res.GetAppMetadata(), &pr); err != nil {
			return nil, fmt.Errorf("invalid put result: %w", err)
		}
		return pr.Entries, nil
	})
	if err != nil {
		return 0, err
	}
	return out.(int64), nil
}

// Schema returns the Arrow schema of a remote store.
func (c *Client) Schema(ctx context.Context, spec store.Spec) (*arrow.Schema, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		res, err := c.client.GetSchema(ctx, Descriptor(spec))
		if err != nil {
			return nil, err
		}
		return flight.DeserializeSchema(res.GetSchema(), c.mem)
	})
	if err != nil {
		return nil, err
	}
	return out.(*arrow.Schema), nil
}
