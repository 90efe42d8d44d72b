package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for operations on unknown memory ids.
	ErrNotFound = errors.New("memory not found")

	// ErrCapacityExceeded is returned when the store is over capacity and
	// pruning could not free room (remaining records are pinned).
	ErrCapacityExceeded = errors.New("memory capacity exceeded")

	// ErrSnapshotNotFound is returned for operations on unknown snapshots.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// ValidationError rejects malformed input synchronously, before anything
// is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StorageError wraps a backing-store I/O failure after retries are
// exhausted. The failed operation had no partial effect.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
