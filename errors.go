package tidesdb

// errors.go defines the error taxonomy shared by the whole engine.
//
// All errors returned from the public API either are one of these sentinels
// or wrap one of them, so callers can classify failures with errors.Is
// without string matching.

import "errors"

var (
	// ErrMemory indicates an allocation failure or an internal buffer that
	// could not be grown. Fatal for the operation; the caller should abandon it.
	ErrMemory = errors.New("tidesdb: memory allocation failed")

	// ErrInvalidArgs indicates malformed input: an empty key, a nil column
	// family, an unknown isolation level, or a bad configuration value.
	ErrInvalidArgs = errors.New("tidesdb: invalid arguments")

	// ErrNotFound indicates a missing key or named resource. Expected during
	// normal operation and always recoverable.
	ErrNotFound = errors.New("tidesdb: not found")

	// ErrIO indicates an underlying storage I/O failure. A single occurrence
	// may be retried by the caller; repeated failures mean the engine is
	// unusable on this volume.
	ErrIO = errors.New("tidesdb: i/o error")

	// ErrCorruption indicates a checksum or format violation in a WAL,
	// SSTable, or catalog file. Never auto-repaired.
	ErrCorruption = errors.New("tidesdb: data corruption")

	// ErrExists indicates a duplicate creation (e.g. column family name taken).
	ErrExists = errors.New("tidesdb: already exists")

	// ErrConflict indicates transaction commit validation failed against a
	// concurrently committed transaction. The caller should retry the whole
	// transaction from Begin, not resume it.
	ErrConflict = errors.New("tidesdb: transaction conflict")

	// ErrTooLarge indicates a key or value exceeded the configured size limit.
	ErrTooLarge = errors.New("tidesdb: key or value too large")

	// ErrMemoryLimit indicates the configured memtable memory budget is
	// exhausted. The caller should back off, flush, or shed load.
	ErrMemoryLimit = errors.New("tidesdb: memory limit exceeded")

	// ErrInvalidDB indicates an operation on a closed or inconsistent
	// database handle. Fatal for that handle.
	ErrInvalidDB = errors.New("tidesdb: invalid database handle")

	// ErrTxnDone indicates an operation on a committed or aborted transaction.
	ErrTxnDone = errors.New("tidesdb: transaction is no longer active")
)
