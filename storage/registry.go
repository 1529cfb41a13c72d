package storage

import (
	"fmt"
	"sync"

	"github.com/TFMV/ntuple"
)

// registry tracks the open handles of the process. Any number of readers
// or a single writer may hold a path.
type registry struct {
	mu    sync.Mutex
	paths map[string]*holders
}

type holders struct {
	readers int
	writer  bool
}

var handles registry

func (r *registry) acquire(path string, write bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.paths == nil {
		r.paths = make(map[string]*holders)
	}
	h := r.paths[path]
	if h == nil {
		h = &holders{}
		r.paths[path] = h
	}
	switch {
	case h.writer:
		return fmt.Errorf("%w: %s is open for writing", ntuple.ErrBusy, path)
	case write && h.readers > 0:
		return fmt.Errorf("%w: %s has %d readers", ntuple.ErrBusy, path, h.readers)
	case write:
		h.writer = true
	default:
		h.readers++
	}
	return nil
}

func (r *registry) release(path string, write bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.paths[path]
	if h == nil {
		return
	}
	if write {
		h.writer = false
	} else if h.readers > 0 {
		h.readers--
	}
	if !h.writer && h.readers == 0 {
		delete(r.paths, path)
	}
	if len(r.paths) == 0 {
		r.paths = nil
	}
}

// OpenHandles returns the number of paths currently held open.
func OpenHandles() int {
	handles.mu.Lock()
	defer handles.mu.Unlock()
	return len(handles.paths)
}
