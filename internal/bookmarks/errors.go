package bookmarks

import (
	"errors"
	"fmt"
)

// Sentinel error kinds, matched with errors.Is by callers. Wrapped with
// fmt.Errorf("...: %w", ...) at each frame that adds context.
var (
	// ErrInterrupted is returned when a cooperative cancellation fires
	// mid-operation. Callers may retry.
	ErrInterrupted = errors.New("bookmarks: interrupted")

	// ErrCorruption marks a structural invariant violation (missing roots,
	// a cycle detected by the tree builder). Surfaced to the caller; requires
	// a user-initiated reset.
	ErrCorruption = errors.New("bookmarks: corruption")

	// ErrInvalidPayload marks a malformed incoming record. The applicator
	// skips the record, logs, and continues the batch.
	ErrInvalidPayload = errors.New("bookmarks: invalid payload")

	// ErrMergeConflictUnrecoverable marks a tree the merger could not
	// reconcile into a consistent result. Fatal for the cycle, not the store.
	ErrMergeConflictUnrecoverable = errors.New("bookmarks: unrecoverable merge conflict")

	// ErrStorage wraps an underlying relational error.
	ErrStorage = errors.New("bookmarks: storage error")
)

// CorruptionError carries the specific structural violation detected.
type CorruptionError struct {
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("bookmarks: corruption: %s", e.Reason)
}

func (e *CorruptionError) Unwrap() error {
	return ErrCorruption
}

// newCorruption builds a CorruptionError wrapping ErrCorruption.
func newCorruption(reason string) error {
	return &CorruptionError{Reason: reason}
}

// wrapStorage wraps a raw database/sql error with ErrStorage so callers can
// errors.Is(err, ErrStorage) without caring about the underlying driver.
func wrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}
