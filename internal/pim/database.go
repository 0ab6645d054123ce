package pim

import (
	"context"

	"pimstore/internal/backend"
)

// Reader is the read side of the metadata store. Get methods return an error
// wrapping ErrNotFound when the row does not exist.
type Reader interface {
	GetCollection(ctx context.Context, id int64) (*Collection, error)

	// ListCollections returns the direct children of parentID, ordered by ID.
	ListCollections(ctx context.Context, parentID int64) ([]*Collection, error)

	GetItem(ctx context.Context, id int64) (*Item, error)

	// ListItems returns the items of a collection, ordered by ID.
	ListItems(ctx context.Context, collectionID int64) ([]*Item, error)

	GetPart(ctx context.Context, itemID int64, name string) (*Part, error)

	// ListParts returns all parts of an item, ordered by name.
	ListParts(ctx context.Context, itemID int64) ([]*Part, error)
}

// PartWriter is the subset of a transaction the payload store needs to keep
// part rows and their payload in step.
type PartWriter interface {
	// InsertPart creates a part row and sets part.ID.
	InsertPart(ctx context.Context, part *Part) error

	// UpdatePartPayload replaces the payload columns of an existing part row.
	UpdatePartPayload(ctx context.Context, part *Part) error

	DeletePart(ctx context.Context, partID int64) error
}

// Tx is a metadata transaction. Rows written through a Tx are invisible to
// other callers until Commit.
type Tx interface {
	Reader
	PartWriter

	// LockCollection reads a collection and, on backends with row locking,
	// holds the row until the transaction ends.
	LockCollection(ctx context.Context, id int64) (*Collection, error)

	// LockItem is LockCollection for items.
	LockItem(ctx context.Context, id int64) (*Item, error)

	// CollectionNameTaken reports whether a sibling other than excludeID
	// already uses name.
	CollectionNameTaken(ctx context.Context, parentID int64, name string, excludeID int64) (bool, error)

	// CollectionRemoteIDTaken reports whether a sibling of the same resource
	// other than excludeID already uses remoteID.
	CollectionRemoteIDTaken(ctx context.Context, parentID int64, resource, remoteID string, excludeID int64) (bool, error)

	// ItemRemoteIDTaken reports whether another item in the collection
	// already uses remoteID.
	ItemRemoteIDTaken(ctx context.Context, collectionID int64, remoteID string, excludeID int64) (bool, error)

	// InsertCollection creates the row and sets c.ID.
	InsertCollection(ctx context.Context, c *Collection) error

	// UpdateCollection writes c if the stored revision still equals
	// expectedRevision. It reports false when no row matched.
	UpdateCollection(ctx context.Context, c *Collection, expectedRevision int64) (bool, error)

	DeleteCollection(ctx context.Context, id int64) error

	// InsertItem creates the row and sets it.ID.
	InsertItem(ctx context.Context, it *Item) error

	// UpdateItem writes it if the stored revision still equals
	// expectedRevision. It reports false when no row matched.
	UpdateItem(ctx context.Context, it *Item, expectedRevision int64) (bool, error)

	DeleteItem(ctx context.Context, id int64) error

	Commit() error
	Rollback() error
}

// Database is the relational metadata store.
type Database interface {
	Reader

	// Capabilities describes the active backend.
	Capabilities() backend.Capabilities

	// Begin opens a read-write transaction.
	Begin(ctx context.Context) (Tx, error)

	Close() error
}
