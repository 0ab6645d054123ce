package pim

import (
	"context"
	"slices"
	"time"
)

// RootID is the virtual root of the collection tree. It has no row.
const RootID int64 = 0

// CollectionMimeType is the mime type reported for collections in change events.
const CollectionMimeType = "inode/directory"

// EntityKind distinguishes the two persisted object kinds.
type EntityKind int

const (
	KindItem EntityKind = iota + 1
	KindCollection
)

func (k EntityKind) String() string {
	switch k {
	case KindItem:
		return "item"
	case KindCollection:
		return "collection"
	default:
		return "unknown"
	}
}

// Operation is the kind of mutation a ChangeEvent reports.
type Operation int

const (
	OpAdd Operation = iota + 1
	OpModify
	OpRemove
	OpMove
)

func (o Operation) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpModify:
		return "modify"
	case OpRemove:
		return "remove"
	case OpMove:
		return "move"
	default:
		return "unknown"
	}
}

// Collection is a node in the collection tree.
type Collection struct {
	ID        int64
	ParentID  int64
	Name      string
	RemoteID  string
	Resource  string   // owning agent; inherited from the parent when empty
	MimeTypes []string // allowed item mime types; empty allows any
	Revision  int64
}

// Allows reports whether an item of the given mime type may live in c.
func (c *Collection) Allows(mimeType string) bool {
	return len(c.MimeTypes) == 0 || slices.Contains(c.MimeTypes, mimeType)
}

// Item is a leaf object stored in exactly one collection.
type Item struct {
	ID           int64
	CollectionID int64
	MimeType     string
	RemoteID     string
	Revision     int64
	Size         int64
	ModifiedAt   time.Time
}

// Part is a named payload fragment of an item. Exactly one of Data and
// External is populated for a stored part.
type Part struct {
	ID         int64
	ItemID     int64
	Name       string
	Data       []byte // inline payload
	External   string // blob name in the external tier
	Generation int64  // bumped on every external write
	Size       int64  // logical (decoded) size
	Encoding   string // compression applied to the external blob
	Checksum   string // BLAKE3 of the stored external blob
}

// IsExternal reports whether the payload lives in the external tier.
func (p *Part) IsExternal() bool {
	return p.External != ""
}

// ChangeEvent records one committed mutation. Events are shared read-only
// between subscriber queues once published.
type ChangeEvent struct {
	Sequence       uint64 // assigned by the bus
	Kind           EntityKind
	Operation      Operation
	ID             int64
	ParentID       int64
	SourceParentID int64   // previous parent for OpMove
	Ancestors      []int64 // collection chain above the entity, nearest first
	MimeType       string
	Revision       int64
	Resource       string
	Parts          []string // parts written or removed by the mutation
	SessionID      string   // session that caused the change, if any
}

// Publisher accepts committed change events. Publish must not block on
// delivery.
type Publisher interface {
	Publish(events ...ChangeEvent)
}

type sessionKey struct{}

// WithSession tags ctx with the session performing a mutation, so events
// can carry it and subscribers can ignore their own changes.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionFromContext returns the session set by WithSession, or "".
func SessionFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
