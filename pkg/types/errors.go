package types

import "errors"

// Error kinds shared by internal/store and internal/engine. These are
// sentinels rather than named types so callers can use errors.Is against
// a stable, small vocabulary.
var (
	// ErrInvalidInput covers malformed parameters, bad types, a missing
	// required field, an out-of-range value, or a reference to a
	// nonexistent memory.
	ErrInvalidInput = errors.New("loci: invalid input")

	// ErrModelUnavailable means the embedder could not produce a vector
	// (artefacts missing, or the loader failed).
	ErrModelUnavailable = errors.New("loci: embedding model unavailable")

	// ErrStoreError wraps an underlying persistent-store failure (I/O,
	// constraint violation). The triggering transaction is always rolled
	// back before this is returned.
	ErrStoreError = errors.New("loci: store error")

	// ErrNotFound is used internally by the store; id-addressed engine
	// operations translate it into a structured not_found response rather
	// than propagating it, except for memory_inspect which surfaces it.
	ErrNotFound = errors.New("loci: not found")

	// ErrConflict indicates an operation that conflicts with the current
	// state: superseding a memory that is no longer live, or a maintenance
	// or cleanup pass requested before the rate limiter allows another.
	ErrConflict = errors.New("loci: write conflict")
)
