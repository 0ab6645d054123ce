package pim

import "context"

// PayloadStore decides whether a part's bytes live inline in the parts row
// or in the external BlobStore, and keeps the two consistent.
type PayloadStore interface {
	// Begin opens a payload transaction whose row writes go through w.
	// The caller must end it with exactly one of Commit or Rollback, after
	// the metadata transaction has been committed or rolled back.
	Begin(w PartWriter) PayloadTxn

	// Read returns the bytes of part from whichever tier its row designates.
	// An unreadable external blob yields ErrPayloadMissing.
	Read(ctx context.Context, part *Part) ([]byte, error)

	// Threshold is the largest payload stored inline.
	Threshold() int
}

// PayloadTxn collects the external-tier side effects of one metadata
// transaction.
type PayloadTxn interface {
	// Write stores data as the payload of part. A part with ID 0 is
	// inserted first.
	Write(ctx context.Context, part *Part, data []byte) error

	// Delete removes the part row and schedules its blob for removal.
	Delete(ctx context.Context, part *Part) error

	// Commit removes blobs made obsolete by the committed transaction.
	Commit()

	// Rollback removes blobs created by the aborted transaction.
	Rollback()
}
