package store

import (
	"fmt"

	"github.com/TFMV/ntuple"
	"github.com/TFMV/ntuple/storage"
	"github.com/apache/arrow-go/v18/arrow"
	"go.uber.org/zap"
)

// Import copies every field and entry of src into a new store called name
// in dst and returns the number of entries copied. The copy is tagged
// KindNTuple unless opts set another kind. An existing store called name
// is never replaced; ErrStoreExists is returned instead. dst may be the
// file src was read from when it is open for update.
//
// On failure nothing is written into dst.
func Import(src *Store, dst *storage.File, name string, opts ...Option) (int64, error) {
	if dst.Has(name) {
		return 0, fmt.Errorf("%w: %q in %s", ntuple.ErrStoreExists, name, dst.Path())
	}
	out, err := Create(dst, name, append([]Option{WithKind(KindNTuple)}, opts...)...)
	if err != nil {
		return 0, err
	}
	if err := out.copyFrom(src); err != nil {
		_ = out.Discard()
		return 0, fmt.Errorf("failed to import %q into %q: %w", src.Name(), name, err)
	}
	n := out.NumEntries()
	if err := out.Close(); err != nil {
		return 0, err
	}
	out.logger.Info("imported store",
		zap.String("source", src.Name()),
		zap.String("source_kind", src.Kind()),
		zap.String("kind", out.Kind()),
		zap.Int64("entries", n))
	return n, nil
}

func (s *Store) copyFrom(src *Store) error {
	for _, f := range src.Schema().Fields() {
		if err := s.DeclareSchema(f); err != nil {
			return err
		}
	}
	return src.Batches(func(rec arrow.Record) error {
		return s.AppendBatch(rec)
	})
}
