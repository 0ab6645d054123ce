package pim

import (
	"errors"
	"fmt"
)

// Error kinds surfaced at the protocol boundary. Callers classify with
// errors.Is; operations wrap these with context.
var (
	ErrNotFound              = errors.New("not found")
	ErrAlreadyExists         = errors.New("already exists")
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrInvalidParent         = errors.New("invalid parent")
	ErrConflict              = errors.New("concurrent modification conflict")
	ErrPayloadMissing        = errors.New("payload missing")
	ErrStorageIO             = errors.New("storage i/o failure")
	ErrSessionExpired        = errors.New("session expired")
	ErrSubscriberUnreachable = errors.New("subscriber unreachable")
)

// errStale signals that a conditional update lost a race with another
// writer. It never leaves the engine: it is retried or turned into ErrConflict.
var errStale = errors.New("revision changed")

var kinds = []error{
	ErrNotFound,
	ErrAlreadyExists,
	ErrInvalidArgument,
	ErrInvalidParent,
	ErrConflict,
	ErrPayloadMissing,
	ErrStorageIO,
	ErrSessionExpired,
	errStale,
}

// IsKind reports whether err already carries one of the error kinds.
func IsKind(err error) bool {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}

// storageIO wraps an unclassified backend or filesystem error as ErrStorageIO.
// Errors that already carry a kind pass through with context added.
func storageIO(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsKind(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageIO, err)
}
