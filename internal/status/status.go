// Package status holds the error classes shared by every engine layer.
//
// Lower layers wrap these sentinels so the public package can expose a
// small taxonomy that works with errors.Is, whatever layer failed:
//
//	return fmt.Errorf("%w: block checksum mismatch", status.ErrCorruption)
package status

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrNotFound means the key has no visible version.
	ErrNotFound = errors.New("lsmkv: not found")

	// ErrCorruption means persisted data failed a checksum or could not be decoded.
	ErrCorruption = errors.New("lsmkv: corruption")

	// ErrIOFailure wraps errors returned by the filesystem.
	ErrIOFailure = errors.New("lsmkv: io failure")

	// ErrResourceExhausted means the filesystem ran out of space.
	ErrResourceExhausted = errors.New("lsmkv: resource exhausted")

	// ErrTransactionConflict means serializable validation failed at commit.
	ErrTransactionConflict = errors.New("lsmkv: transaction conflict")
)

// Corruptionf builds a Corruption error.
func Corruptionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruption, fmt.Sprintf(format, args...))
}

// IOError classifies a filesystem error. A nil err stays nil; errors already
// classified are returned unchanged.
func IOError(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsClassified(err) {
		return err
	}
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return fmt.Errorf("%w: %s: %w", ErrResourceExhausted, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrIOFailure, op, err)
}

// IsClassified reports whether err already carries one of the engine classes.
func IsClassified(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrCorruption) ||
		errors.Is(err, ErrIOFailure) ||
		errors.Is(err, ErrResourceExhausted) ||
		errors.Is(err, ErrTransactionConflict)
}
