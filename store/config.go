package store

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"go.uber.org/zap"
)

// Config tunes how a store lays out and caches its batches.
type Config struct {
	// BatchSize is the number of entries per stored Arrow batch.
	BatchSize int
	// CacheBatches is the number of decoded batches kept when reading.
	CacheBatches int
	// Compression of stored batches: Uncompressed, Lz4Raw or Zstd.
	Compression compress.Compression
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		BatchSize:    1024,
		CacheBatches: 8,
		Compression:  compress.Codecs.Uncompressed,
	}
}

// ParseCompression maps "none", "lz4" or "zstd" onto a codec.
func ParseCompression(s string) (compress.Compression, error) {
	switch strings.ToLower(s) {
	case "", "none", "uncompressed":
		return compress.Codecs.Uncompressed, nil
	case "lz4":
		return compress.Codecs.Lz4Raw, nil
	case "zstd":
		return compress.Codecs.Zstd, nil
	}
	return compress.Codecs.Uncompressed, fmt.Errorf("unsupported compression %q", s)
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.CacheBatches <= 0 {
		c.CacheBatches = def.CacheBatches
	}
	return c
}

func (c Config) ipcOptions() []ipc.Option {
	switch c.Compression {
	case compress.Codecs.Lz4Raw, compress.Codecs.Lz4:
		return []ipc.Option{ipc.WithLZ4()}
	case compress.Codecs.Zstd:
		return []ipc.Option{ipc.WithZstd()}
	}
	return nil
}

// Option configures a Store.
type Option func(*options)

type options struct {
	cfg    Config
	logger *zap.Logger
	kind   string
	mem    memory.Allocator
}

func newOptions(opts []Option) options {
	o := options{
		cfg:    DefaultConfig(),
		logger: zap.NewNop(),
		kind:   KindTree,
		mem:    memory.NewGoAllocator(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.cfg = o.cfg.normalize()
	return o
}

// WithConfig sets the store configuration.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogger sets the logger for lifecycle events.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithKind records the kind of a new store (KindTree or KindNTuple).
func WithKind(kind string) Option {
	return func(o *options) { o.kind = kind }
}

// WithAllocator sets the Arrow allocator.
func WithAllocator(mem memory.Allocator) Option {
	return func(o *options) {
		if mem != nil {
			o.mem = mem
		}
	}
}
