package ntuple

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed store, file or chain.
	ErrClosed = errors.New("ntuple: closed")
	// ErrReadOnly is returned when writing through a handle opened for reading.
	ErrReadOnly = errors.New("ntuple: read-only")
	// ErrStoreNotFound is returned when a file has no store with the requested name.
	ErrStoreNotFound = errors.New("ntuple: store not found")
	// ErrFileExists is returned by ModeCreate when the target already exists.
	ErrFileExists = errors.New("ntuple: file already exists")
	// ErrStoreExists is returned when a file already holds a store of the
	// name being written.
	ErrStoreExists = errors.New("ntuple: store already exists")
	// ErrBusy is returned when a path is already held by a conflicting handle.
	ErrBusy = errors.New("ntuple: file busy")
	// ErrCorrupt is returned when a file or blob fails validation.
	ErrCorrupt = errors.New("ntuple: corrupt file")
)

// DuplicateFieldError is returned when a field name is declared twice.
type DuplicateFieldError struct {
	Field string
}

func (e *DuplicateFieldError) Error() string {
	return fmt.Sprintf("duplicate field %q", e.Field)
}

// SealedStoreError is returned when the schema of a store is changed after
// the first record was appended.
type SealedStoreError struct {
	Store string
	Field string
}

func (e *SealedStoreError) Error() string {
	return fmt.Sprintf("store %q is sealed: cannot declare field %q after first append", e.Store, e.Field)
}

// SchemaMismatchError reports values or constituents whose shape disagrees
// with a declared schema.
//
// The underlying error, if any, is available through errors.Unwrap.
type SchemaMismatchError struct {
	Store  string
	Field  string
	Reason string
	cause  error
}

// NewSchemaMismatchError builds a SchemaMismatchError wrapping cause.
func NewSchemaMismatchError(store, field, reason string, cause error) *SchemaMismatchError {
	return &SchemaMismatchError{Store: store, Field: field, Reason: reason, cause: cause}
}

func (e *SchemaMismatchError) Error() string {
	if e.Store == "" {
		return fmt.Sprintf("schema mismatch on field %q: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("schema mismatch in store %q on field %q: %s", e.Store, e.Field, e.Reason)
}

func (e *SchemaMismatchError) Unwrap() error { return e.cause }

// RecordNotFoundError is returned for an entry index outside [0, Entries).
type RecordNotFoundError struct {
	Index   int64
	Entries int64
}

func (e *RecordNotFoundError) Error() string {
	return fmt.Sprintf("record %d not found: store has %d entries", e.Index, e.Entries)
}

// FieldNotFoundError is returned when a field name does not resolve in a
// store schema.
type FieldNotFoundError struct {
	Store string
	Field string
}

func (e *FieldNotFoundError) Error() string {
	if e.Store == "" {
		return fmt.Sprintf("field %q not found", e.Field)
	}
	return fmt.Sprintf("field %q not found in store %q", e.Field, e.Store)
}

// FieldNotInModelError is returned when an entry is asked for a field that
// its read model does not declare.
type FieldNotInModelError struct {
	Field string
}

func (e *FieldNotInModelError) Error() string {
	return fmt.Sprintf("field %q is not part of the read model", e.Field)
}
