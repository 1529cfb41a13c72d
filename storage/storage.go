// Package storage implements the physical file holding named record
// stores. Each store is an opaque blob (an Arrow IPC file); the file adds
// a table of contents and handles open modes, atomic rewrites and the
// process-wide registry of open handles.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/TFMV/ntuple"
	"github.com/kjk/common/atomicfile"
	"go.uber.org/zap"
)

// Mode selects how a file is opened.
type Mode int

const (
	// ModeRead opens an existing file read-only.
	ModeRead Mode = iota
	// ModeCreate creates a new file and fails if it exists.
	ModeCreate
	// ModeRecreate creates a new file, discarding any existing one.
	ModeRecreate
	// ModeUpdate opens an existing file (or creates it) for adding stores.
	ModeUpdate
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeCreate:
		return "create"
	case ModeRecreate:
		return "recreate"
	case ModeUpdate:
		return "update"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Writable reports whether the mode allows writing stores.
func (m Mode) Writable() bool { return m != ModeRead }

// ParseMode parses "read", "create", "recreate" or "update".
func ParseMode(s string) (Mode, error) {
	for _, m := range []Mode{ModeRead, ModeCreate, ModeRecreate, ModeUpdate} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown open mode %q", s)
}

// Option configures Open.
type Option func(*File)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(l *zap.Logger) Option {
	return func(f *File) {
		if l != nil {
			f.logger = l
		}
	}
}

// File is an open store container.
type File struct {
	path   string
	mode   Mode
	blobs  map[string]blob
	order  []string
	dirty  bool
	closed bool
	logger *zap.Logger
}

type blob struct {
	kind string
	data []byte
}

// Open opens path in the given mode.
func Open(path string, mode Mode, opts ...Option) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %q: %w", path, err)
	}
	f := &File{
		path:   abs,
		mode:   mode,
		blobs:  make(map[string]blob),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}

	if err := handles.acquire(abs, mode.Writable()); err != nil {
		return nil, err
	}

	switch mode {
	case ModeCreate:
		if _, err := os.Stat(abs); err == nil {
			handles.release(abs, true)
			return nil, fmt.Errorf("%w: %s", ntuple.ErrFileExists, abs)
		}
		f.dirty = true
	case ModeRecreate:
		f.dirty = true
	case ModeRead, ModeUpdate:
		if err := f.load(); err != nil {
			if mode == ModeUpdate && errors.Is(err, os.ErrNotExist) {
				f.dirty = true
				break
			}
			handles.release(abs, mode.Writable())
			return nil, err
		}
	default:
		handles.release(abs, mode.Writable())
		return nil, fmt.Errorf("unknown open mode %d", int(mode))
	}

	f.logger.Debug("opened file", zap.String("path", abs), zap.Stringer("mode", mode), zap.Int("stores", len(f.order)))
	return f, nil
}

func (f *File) load() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("failed to open file %q: %w", f.path, err)
	}
	entries, err := decode(data)
	if err != nil {
		return fmt.Errorf("failed to read %q: %w", f.path, err)
	}
	for _, e := range entries {
		f.blobs[e.Name] = blob{kind: e.Kind, data: data[e.Offset : e.Offset+e.Length]}
		f.order = append(f.order, e.Name)
	}
	return nil
}

// Path is the absolute path of the file.
func (f *File) Path() string { return f.path }

// Mode is the mode the file was opened with.
func (f *File) Mode() Mode { return f.mode }

// Names lists the stores in the file in write order.
func (f *File) Names() []string { return append([]string(nil), f.order...) }

// Kind returns the kind recorded for a store.
func (f *File) Kind(name string) (string, bool) {
	b, ok := f.blobs[name]
	return b.kind, ok
}

// Has reports whether the file holds a store called name.
func (f *File) Has(name string) bool {
	_, ok := f.blobs[name]
	return ok
}

// Read returns the blob of a store. The bytes must not be modified.
func (f *File) Read(name string) ([]byte, error) {
	if f.closed {
		return nil, ntuple.ErrClosed
	}
	b, ok := f.blobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q in %s", ntuple.ErrStoreNotFound, name, f.path)
	}
	return b.data, nil
}

// Write stores (or replaces) the blob of a store. Nothing reaches disk
// before Close.
func (f *File) Write(name, kind string, data []byte) error {
	if f.closed {
		return ntuple.ErrClosed
	}
	if !f.mode.Writable() {
		return fmt.Errorf("%w: %s", ntuple.ErrReadOnly, f.path)
	}
	if _, ok := f.blobs[name]; !ok {
		f.order = append(f.order, name)
	}
	f.blobs[name] = blob{kind: kind, data: bytes.Clone(data)}
	f.dirty = true
	return nil
}

// Close flushes pending writes and releases the handle. It is idempotent.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	defer handles.release(f.path, f.mode.Writable())

	if !f.mode.Writable() || !f.dirty {
		return nil
	}
	if err := f.flush(); err != nil {
		return err
	}
	f.logger.Debug("wrote file", zap.String("path", f.path), zap.Int("stores", len(f.order)))
	return nil
}

// flush writes the whole file to a temporary sibling and renames it over
// the target. A failed write leaves the previous file untouched.
func (f *File) flush() error {
	entries := make([]blobEntry, 0, len(f.order))
	blobs := make([][]byte, 0, len(f.order))
	for _, name := range f.order {
		b := f.blobs[name]
		entries = append(entries, blobEntry{Name: name, Kind: b.kind})
		blobs = append(blobs, b.data)
	}
	data, err := encode(entries, blobs)
	if err != nil {
		return err
	}

	af, err := atomicfile.New(f.path)
	if err != nil {
		return fmt.Errorf("failed to create file %q: %w", f.path, err)
	}
	defer af.RemoveIfNotClosed()
	if _, err := af.Write(data); err != nil {
		return fmt.Errorf("failed to write %q: %w", f.path, err)
	}
	if err := af.Close(); err != nil {
		return fmt.Errorf("failed to replace %q: %w", f.path, err)
	}
	return nil
}

// Stat summarizes the stores of a file.
type Stat struct {
	Name  string
	Kind  string
	Bytes int
}

// Stats returns one Stat per store sorted by name.
func (f *File) Stats() []Stat {
	out := make([]Stat, 0, len(f.order))
	for _, name := range f.order {
		b := f.blobs[name]
		out = append(out, Stat{Name: name, Kind: b.kind, Bytes: len(b.data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
