// Package index builds lookup indexes over the entries of a store, used to
// join stores on the values of one or more scalar fields.
package index

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/TFMV/ntuple"
	"github.com/TFMV/ntuple/bind"
	"github.com/TFMV/ntuple/buffer"
	"github.com/TFMV/ntuple/schema"
	"github.com/TFMV/ntuple/store"
	bloom "github.com/bits-and-blooms/bloom/v3"
	murmur3 "github.com/spaolacci/murmur3"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------

// Settings tunes an index.
type Settings struct {
	// BloomFilterFPRate is the desired false-positive rate of the
	// negative prefilter.
	BloomFilterFPRate float64
	Logger            *zap.Logger
}

// DefaultSettings returns the settings used by Build when none are given.
func DefaultSettings() Settings {
	return Settings{BloomFilterFPRate: 0.01, Logger: zap.NewNop()}
}

// ---------------------------------------------------------------------
// Index
//
//    Each entry's join values are widened to 64 bits and concatenated
//    into a key. Murmur3 hashes the key into a bucket; within a bucket the
//    exact key maps to a roaring bitmap of entry numbers. A bloom filter
//    over the keys rejects absent keys before any map lookup.
// ---------------------------------------------------------------------

// Index maps join keys onto entry numbers of one store.
type Index struct {
	fields  []string
	buckets map[uint64]map[string]*roaring64.Bitmap
	filter  *bloom.BloomFilter
	keys    int
	entries int64
}

// Build reads every entry of s and indexes it on fields. Join fields must
// be scalar primitives.
func Build(s *store.Store, fields []string, settings ...Settings) (*Index, error) {
	cfg := DefaultSettings()
	if len(settings) > 0 {
		cfg = settings[0]
		if cfg.Logger == nil {
			cfg.Logger = zap.NewNop()
		}
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("index on %q: no join fields", s.Name())
	}

	set := bind.NewSet()
	bufs := make([]buffer.Buffer, len(fields))
	for i, name := range fields {
		f, ok := s.Schema().FieldByName(name)
		if !ok {
			return nil, &ntuple.FieldNotFoundError{Store: s.Name(), Field: name}
		}
		if f.Type == schema.Struct || f.Card.Kind != schema.KindScalar {
			return nil, ntuple.NewSchemaMismatchError(s.Name(), name, "join fields must be scalar primitives", nil)
		}
		b, err := buffer.New(f.Type)
		if err != nil {
			return nil, err
		}
		if _, err := set.Bind(s, name, b); err != nil {
			return nil, err
		}
		bufs[i] = b
	}

	n := s.NumEntries()
	idx := &Index{
		fields:  append([]string(nil), fields...),
		buckets: make(map[uint64]map[string]*roaring64.Bitmap),
		filter:  bloom.NewWithEstimates(uint(max(n, 1)), cfg.BloomFilterFPRate),
		entries: n,
	}
	values := make([]any, len(fields))
	for entry := int64(0); entry < n; entry++ {
		if err := s.ReadRecord(entry, set); err != nil {
			return nil, fmt.Errorf("index on %q: %w", s.Name(), err)
		}
		for i, b := range bufs {
			values[i], _ = buffer.First(b.Values())
		}
		key, err := encodeKey(values)
		if err != nil {
			return nil, err
		}
		idx.add(key, uint64(entry))
	}
	cfg.Logger.Debug("built join index",
		zap.String("store", s.Name()),
		zap.Strings("fields", fields),
		zap.Int64("entries", n),
		zap.Int("keys", idx.keys))
	return idx, nil
}

func (x *Index) add(key []byte, entry uint64) {
	h := murmur3.Sum64(key)
	bucket, ok := x.buckets[h]
	if !ok {
		bucket = make(map[string]*roaring64.Bitmap)
		x.buckets[h] = bucket
	}
	bm, ok := bucket[string(key)]
	if !ok {
		bm = roaring64.New()
		bucket[string(key)] = bm
		x.keys++
	}
	bm.Add(entry)
	x.filter.Add(key)
}

func (x *Index) lookup(values []any) *roaring64.Bitmap {
	if len(values) != len(x.fields) {
		return nil
	}
	key, err := encodeKey(values)
	if err != nil || !x.filter.Test(key) {
		return nil
	}
	return x.buckets[murmur3.Sum64(key)][string(key)]
}

// Fields returns the join fields in key order.
func (x *Index) Fields() []string { return append([]string(nil), x.fields...) }

// Len is the number of distinct keys.
func (x *Index) Len() int { return x.keys }

// NumEntries is the number of indexed entries.
func (x *Index) NumEntries() int64 { return x.entries }

// FirstEntry returns the lowest entry whose join fields equal values.
func (x *Index) FirstEntry(values ...any) (int64, bool) {
	bm := x.lookup(values)
	if bm == nil || bm.IsEmpty() {
		return 0, false
	}
	return int64(bm.Minimum()), true
}

// AllEntries returns every entry whose join fields equal values, ascending.
func (x *Index) AllEntries(values ...any) []int64 {
	bm := x.lookup(values)
	if bm == nil {
		return nil
	}
	out := make([]int64, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		out = append(out, int64(it.Next()))
	}
	return out
}

// encodeKey widens every value to 64 bits: integers by value, so int32(5)
// and uint64(5) are the same key, floats by their float64 bit pattern.
func encodeKey(values []any) ([]byte, error) {
	key := make([]byte, 0, 8*len(values))
	for _, v := range values {
		bits, ok := widen(v)
		if !ok {
			return nil, fmt.Errorf("index: unsupported join value %T", v)
		}
		key = binary.LittleEndian.AppendUint64(key, bits)
	}
	return key, nil
}

func widen(v any) (uint64, bool) {
	switch x := v.(type) {
	case int8:
		return uint64(int64(x)), true
	case uint8:
		return uint64(x), true
	case int16:
		return uint64(int64(x)), true
	case uint16:
		return uint64(x), true
	case int32:
		return uint64(int64(x)), true
	case uint32:
		return uint64(x), true
	case int64:
		return uint64(x), true
	case uint64:
		return x, true
	case int:
		return uint64(int64(x)), true
	case float32:
		return math.Float64bits(float64(x)), true
	case float64:
		return math.Float64bits(x), true
	}
	return 0, false
}
