package lsmkv

import (
	"errors"

	"github.com/aalhour/lsmkv/internal/status"
)

// Error classes shared with the engine internals. Every error returned by
// this package matches at most one of them with errors.Is.
var (
	// ErrNotFound is returned by Get when the key has no visible version.
	ErrNotFound = status.ErrNotFound

	// ErrCorruption means persisted data failed a checksum or could not be
	// decoded. A corrupt table fails the reads that touch it; a corrupt
	// manifest fails Open.
	ErrCorruption = status.ErrCorruption

	// ErrIOFailure wraps errors returned by the filesystem.
	ErrIOFailure = status.ErrIOFailure

	// ErrResourceExhausted means the filesystem ran out of space, or the
	// commit timestamps ran out.
	ErrResourceExhausted = status.ErrResourceExhausted

	// ErrTransactionConflict is returned by Commit when a transaction read
	// a key written by a transaction that committed after it began. Retry
	// with a fresh transaction.
	ErrTransactionConflict = status.ErrTransactionConflict
)

var (
	// ErrDBClosed is returned by operations on a closed database.
	ErrDBClosed = errors.New("lsmkv: database closed")

	// ErrTxnClosed is returned by operations on a committed or aborted
	// transaction.
	ErrTxnClosed = errors.New("lsmkv: transaction closed")

	// ErrDBExists is returned by Open with ErrorIfExists set.
	ErrDBExists = errors.New("lsmkv: database already exists")

	// ErrDBNotFound is returned by Open without CreateIfMissing when the
	// directory holds no database.
	ErrDBNotFound = errors.New("lsmkv: database not found")

	// ErrInvalidOptions is returned by Open and Options.Validate.
	ErrInvalidOptions = errors.New("lsmkv: invalid options")

	// ErrWritesStopped is returned by writes after the engine hit a
	// condition it cannot recover from, such as a manifest switch that
	// may not be durable. Reads keep working; reopen the database to
	// write again.
	ErrWritesStopped = errors.New("lsmkv: writes stopped")
)
