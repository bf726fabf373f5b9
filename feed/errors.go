package feed

import (
	"errors"
	"fmt"
)

var (
	// ErrRemoteUnavailable reports a transient backend or network failure.
	// Operations failing with it are safe to retry.
	ErrRemoteUnavailable = errors.New("remote unavailable")

	// ErrInvalidCursor reports a cursor that cannot be decoded or was produced
	// under a different filter. Callers should refresh from the first page.
	ErrInvalidCursor = errors.New("invalid cursor")

	// ErrItemNotFound reports an item that does not exist or was deleted.
	ErrItemNotFound = errors.New("item not found")

	// ErrInvalidFilter reports a malformed feed filter.
	ErrInvalidFilter = errors.New("invalid filter")
)

// Unavailable wraps a backend failure so that it matches both
// ErrRemoteUnavailable and the original cause.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrRemoteUnavailable, op, err)
}
