// Package ntuple is a typed columnar record store built on Apache Arrow.
//
// A store is an ordered list of typed fields (scalars, fixed arrays,
// variable-length arrays and flat structs) plus an append-only sequence of
// entries. Callers read entries by binding their own buffers to fields
// (package bind), concatenate stores into chains (package chain) and iterate
// projected entries with a processor (package processor).
//
// This package holds the error taxonomy shared by the sub-packages:
//
//	DuplicateFieldError   field declared twice
//	SealedStoreError      declare after the first append
//	SchemaMismatchError   value or constituent shape disagrees with the schema
//	RecordNotFoundError   entry index out of range
//	FieldNotFoundError    unknown field name
//	FieldNotInModelError  entry access outside the read model
//
// Buffer compatibility failures during binding are not errors; they are
// reported through bind.Status codes.
package ntuple
