package writer

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when the operation targets an entity or parent
// that is not in the current tree.
var ErrNotFound = errors.New("target not found")

// ErrInvalid is returned when the operation is illegal for the entity kind
// (e.g. replacing a collection's payload).
var ErrInvalid = errors.New("operation not valid for entity kind")

// ErrTooLarge is returned when an inbound payload exceeds the configured
// limit.
var ErrTooLarge = errors.New("payload exceeds size limit")

// ConflictError is a rejected mutation: a sibling name collision, a move
// that would create a cycle, or a concurrent modification detected at
// commit time. The on-disk store is left untouched; the caller should
// re-read and retry deliberately.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("write conflict: %s", e.Reason)
}

func conflictf(format string, args ...any) error {
	return &ConflictError{Reason: fmt.Sprintf(format, args...)}
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
