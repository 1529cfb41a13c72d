// Package readspeed measures how fast selected fields of a set of stores
// can be read and decoded.
package readspeed

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/TFMV/ntuple"
	"github.com/TFMV/ntuple/bind"
	"github.com/TFMV/ntuple/buffer"
	"github.com/TFMV/ntuple/schema"
	"github.com/TFMV/ntuple/storage"
	"github.com/TFMV/ntuple/store"
	"go.uber.org/zap"
)

// Data describes what to read.
type Data struct {
	// Stores holds either one store name shared by every file or one name
	// per file.
	Stores []string
	// Files lists the input files.
	Files []string
	// Fields lists the fields to read.
	Fields []string
	// UsePatterns treats Fields as path.Match patterns.
	UsePatterns bool
}

// Result reports one run.
type Result struct {
	RealTime time.Duration
	// SetupTime is spent opening stores and splitting the work.
	SetupTime time.Duration
	Entries   int64
	// UncompressedBytes counts the decoded values handed to buffers.
	UncompressedBytes uint64
	// CompressedBytes is the stored size of the stores that were read.
	CompressedBytes uint64
	// Workers is 0 for a run on the calling goroutine.
	Workers int
}

// Throughput is the uncompressed read rate in MB/s.
func (r Result) Throughput() float64 {
	if r.RealTime <= 0 {
		return 0
	}
	return float64(r.UncompressedBytes) / 1e6 / r.RealTime.Seconds()
}

// Options tunes a run.
type Options struct {
	// Workers is the number of goroutines; 0 reads on the caller.
	Workers int
	// ChunkEntries is the number of entries per task.
	ChunkEntries int64
	StoreOptions []store.Option
	Logger       *zap.Logger
}

type task struct {
	spec       store.Spec
	paths      []string
	start, end int64
}

// Run reads every selected field of every entry of the stores in d.
func Run(ctx context.Context, d Data, opts Options) (Result, error) {
	if opts.ChunkEntries <= 0 {
		opts.ChunkEntries = 4096
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	specs, err := d.specs()
	if err != nil {
		return Result{}, err
	}

	res := Result{Workers: opts.Workers}
	start := time.Now()
	var tasks []task
	for _, spec := range specs {
		t, compressed, err := plan(spec, d, opts)
		if err != nil {
			return Result{}, err
		}
		tasks = append(tasks, t...)
		res.CompressedBytes += compressed
	}
	res.SetupTime = time.Since(start)

	var (
		mu       sync.Mutex
		firstErr error
	)
	runTask := func(t task) {
		entries, bytes, err := t.read(ctx, opts)
		mu.Lock()
		defer mu.Unlock()
		res.Entries += entries
		res.UncompressedBytes += bytes
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	readStart := time.Now()
	if opts.Workers <= 0 {
		for _, t := range tasks {
			runTask(t)
		}
	} else {
		pool := NewWorkerPool(opts.Workers)
		for _, t := range tasks {
			pool.Submit(func() { runTask(t) })
		}
		pool.Shutdown()
	}
	res.RealTime = time.Since(readStart)

	if firstErr != nil {
		return res, firstErr
	}
	opts.Logger.Info("read speed",
		zap.Int("stores", len(specs)),
		zap.Int("tasks", len(tasks)),
		zap.Int64("entries", res.Entries),
		zap.Uint64("uncompressed_bytes", res.UncompressedBytes),
		zap.Uint64("compressed_bytes", res.CompressedBytes),
		zap.Float64("mb_per_s", res.Throughput()))
	return res, nil
}

func (d Data) specs() ([]store.Spec, error) {
	if len(d.Files) == 0 {
		return nil, fmt.Errorf("readspeed: no input files")
	}
	if len(d.Stores) != 1 && len(d.Stores) != len(d.Files) {
		return nil, fmt.Errorf("readspeed: %d store names for %d files", len(d.Stores), len(d.Files))
	}
	specs := make([]store.Spec, len(d.Files))
	for i, f := range d.Files {
		name := d.Stores[0]
		if len(d.Stores) > 1 {
			name = d.Stores[i]
		}
		specs[i] = store.Spec{Name: name, Path: f}
	}
	return specs, nil
}

// plan resolves the fields of one store and splits its entries into
// tasks.
func plan(spec store.Spec, d Data, opts Options) ([]task, uint64, error) {
	f, err := storage.Open(spec.Path, storage.ModeRead, storage.WithLogger(opts.Logger))
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var compressed uint64
	for _, st := range f.Stats() {
		if st.Name == spec.Name {
			compressed = uint64(st.Bytes)
		}
	}
	s, err := store.Open(f, spec.Name, opts.StoreOptions...)
	if err != nil {
		return nil, 0, err
	}
	defer s.Close()

	paths, err := selectPaths(s.Schema(), spec, d)
	if err != nil {
		return nil, 0, err
	}
	var tasks []task
	n := s.NumEntries()
	for lo := int64(0); lo < n; lo += opts.ChunkEntries {
		tasks = append(tasks, task{spec: spec, paths: paths, start: lo, end: min(lo+opts.ChunkEntries, n)})
	}
	return tasks, compressed, nil
}

// selectPaths maps requested names onto primitive column paths. Struct
// fields expand to their members.
func selectPaths(sch *schema.Schema, spec store.Spec, d Data) ([]string, error) {
	selected := make(map[string]schema.Field)
	for _, want := range d.Fields {
		matched := false
		for _, f := range sch.Fields() {
			ok := f.Name == want
			if d.UsePatterns {
				m, err := path.Match(want, f.Name)
				if err != nil {
					return nil, fmt.Errorf("readspeed: pattern %q: %w", want, err)
				}
				ok = m
			}
			if ok {
				selected[f.Name] = f
				matched = true
			}
		}
		if !matched {
			return nil, &ntuple.FieldNotFoundError{Store: spec.String(), Field: want}
		}
	}
	var paths []string
	for name, f := range selected {
		if f.Type != schema.Struct {
			paths = append(paths, name)
			continue
		}
		for _, m := range f.Members {
			paths = append(paths, name+"."+m.Name)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// read opens its own handle, so tasks never share a store.
func (t task) read(ctx context.Context, opts Options) (int64, uint64, error) {
	s, err := store.OpenSpec(t.spec, opts.StoreOptions...)
	if err != nil {
		return 0, 0, err
	}
	defer s.Close()

	set := bind.NewSet()
	bufs := make([]buffer.Buffer, len(t.paths))
	sizes := make([]uint64, len(t.paths))
	for i, p := range t.paths {
		h, ok := s.Schema().Lookup(p)
		if !ok {
			return 0, 0, &ntuple.FieldNotFoundError{Store: t.spec.String(), Field: p}
		}
		b, err := buffer.New(h.Field.Type)
		if err != nil {
			return 0, 0, err
		}
		if _, err := set.Bind(s, p, b); err != nil {
			return 0, 0, err
		}
		bufs[i] = b
		sizes[i] = uint64(h.Field.Type.Size())
	}

	var entries int64
	var bytes uint64
	for e := t.start; e < t.end; e++ {
		if err := ctx.Err(); err != nil {
			return entries, bytes, err
		}
		if err := s.ReadRecord(e, set); err != nil {
			return entries, bytes, err
		}
		for i, b := range bufs {
			// Cap of a growable buffer is the length of the entry just read.
			bytes += uint64(b.Cap()) * sizes[i]
		}
		entries++
	}
	return entries, bytes, nil
}
