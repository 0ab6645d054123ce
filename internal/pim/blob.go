package pim

import (
	"context"
	"io"
)

// BlobStore holds externalized payloads. Names are chosen by the payload
// store and are unique per part generation.
type BlobStore interface {
	// Put stores size bytes read from r under name. A blob becomes visible
	// only once it is complete; a failed Put leaves nothing behind.
	Put(ctx context.Context, name string, r io.Reader, size int64) error

	// Open returns a reader for a blob. Missing blobs produce an error
	// wrapping ErrNotFound.
	Open(ctx context.Context, name string) (io.ReadCloser, error)

	// Remove deletes a blob. Removing an absent blob is not an error.
	Remove(ctx context.Context, name string) error

	// ValidateSetup verifies that the store is reachable and writable.
	ValidateSetup() error
}
