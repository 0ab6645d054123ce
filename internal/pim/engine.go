package pim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pimstore/internal/backend"
)

// DefaultMaxRetries bounds optimistic retries on backends without row locking.
const DefaultMaxRetries = 5

// Engine is the transactional unit of the store. Every mutation validates
// its invariants, writes metadata and payload in one transaction and, once
// committed, publishes one ChangeEvent per mutated entity.
type Engine struct {
	database   Database
	payloads   PayloadStore
	publisher  Publisher
	logger     Logger
	clock      Clock
	caps       backend.Capabilities
	maxRetries int

	// commitMu orders commit and hand-off to the publisher so subscribers
	// observe events in commit order. It is held only around those two steps.
	commitMu sync.Mutex
}

// NewEngine creates an Engine. publisher may be nil when nobody listens.
func NewEngine(database Database, payloads PayloadStore, publisher Publisher, logger Logger, clock Clock) *Engine {
	return &Engine{
		database:   database,
		payloads:   payloads,
		publisher:  publisher,
		logger:     logger,
		clock:      clock,
		caps:       database.Capabilities(),
		maxRetries: DefaultMaxRetries,
	}
}

// SetMaxRetries changes the optimistic retry bound. Values below 1 are ignored.
func (e *Engine) SetMaxRetries(n int) {
	if n >= 1 {
		e.maxRetries = n
	}
}

// txFunc does the work of one mutation attempt and returns the events to
// publish if the transaction commits.
type txFunc func(tx Tx, ptx PayloadTxn) ([]ChangeEvent, error)

// inTx runs fn in a metadata transaction paired with a payload transaction.
// On failure both are rolled back; on success the events are handed to the
// publisher and obsolete blobs are reclaimed.
func (e *Engine) inTx(ctx context.Context, op string, fn txFunc) error {
	tx, err := e.database.Begin(ctx)
	if err != nil {
		return storageIO(op+": starting transaction", err)
	}
	ptx := e.payloads.Begin(tx)

	events, err := fn(tx, ptx)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			e.logger.Warn("rollback failed", "op", op, "error", rbErr)
		}
		ptx.Rollback()
		return storageIO(op, err)
	}

	sessionID := SessionFromContext(ctx)
	for i := range events {
		events[i].SessionID = sessionID
	}

	e.commitMu.Lock()
	if err := tx.Commit(); err != nil {
		e.commitMu.Unlock()
		ptx.Rollback()
		return storageIO(op+": committing transaction", err)
	}
	if e.publisher != nil && len(events) > 0 {
		e.publisher.Publish(events...)
	}
	e.commitMu.Unlock()

	ptx.Commit()
	return nil
}

// withRetry repeats fn while it loses revision races, up to maxRetries
// attempts, then fails with ErrConflict.
func (e *Engine) withRetry(op string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if !errors.Is(err, errStale) {
			return err
		}
		if attempt >= e.maxRetries {
			return fmt.Errorf("%s: %w after %d attempts", op, ErrConflict, attempt)
		}
		e.logger.Debug("revision changed, retrying", "op", op, "attempt", attempt)
	}
}

// optimistic reports whether mutations start from a snapshot read outside
// the transaction instead of a locked row.
func (e *Engine) optimistic() bool {
	return !e.caps.RowLocking
}

// expectRevision enforces a caller-supplied revision precondition. With an
// optimistic snapshot a mismatch may only mean the snapshot is old, so the
// stored revision is consulted before reporting a conflict.
func expectRevision(what string, id, expected, current int64, stored func() (int64, error)) error {
	if expected == 0 || expected == current {
		return nil
	}
	if stored != nil {
		rev, err := stored()
		if err != nil {
			return err
		}
		if rev != current {
			return errStale
		}
	}
	return fmt.Errorf("%w: %s %d is at revision %d, expected %d", ErrConflict, what, id, current, expected)
}

// ancestors returns the collection chain from parentID up to, but not
// including, the root. parentID itself comes first.
func ancestors(ctx context.Context, r Reader, parentID int64) ([]int64, error) {
	var chain []int64
	seen := make(map[int64]bool)
	for id := parentID; id != RootID; {
		if seen[id] {
			return nil, fmt.Errorf("%w: cycle through collection %d", ErrInvalidParent, id)
		}
		seen[id] = true
		chain = append(chain, id)

		c, err := r.GetCollection(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("walking ancestors of %d: %w", parentID, err)
		}
		id = c.ParentID
	}
	return chain, nil
}

// lockParent checks that parentID names an existing collection or the root,
// and returns it (nil for the root) with its ancestor chain.
func lockParent(ctx context.Context, tx Tx, parentID int64) (*Collection, []int64, error) {
	if parentID == RootID {
		return nil, nil, nil
	}
	parent, err := tx.LockCollection(ctx, parentID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: collection %d does not exist", ErrInvalidParent, parentID)
	}
	if err != nil {
		return nil, nil, err
	}
	chain, err := ancestors(ctx, tx, parentID)
	if err != nil {
		return nil, nil, err
	}
	return parent, chain, nil
}

// mergeChains returns the union of two ancestor chains, a first.
func mergeChains(a, b []int64) []int64 {
	out := make([]int64, 0, len(a)+len(b))
	seen := make(map[int64]bool, len(a)+len(b))
	for _, chain := range [][]int64{a, b} {
		for _, id := range chain {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

func collectionEvent(op Operation, c *Collection, chain []int64) ChangeEvent {
	return ChangeEvent{
		Kind:      KindCollection,
		Operation: op,
		ID:        c.ID,
		ParentID:  c.ParentID,
		Ancestors: chain,
		MimeType:  CollectionMimeType,
		Revision:  c.Revision,
		Resource:  c.Resource,
	}
}

func itemEvent(op Operation, it *Item, chain []int64, resource string, parts []string) ChangeEvent {
	return ChangeEvent{
		Kind:      KindItem,
		Operation: op,
		ID:        it.ID,
		ParentID:  it.CollectionID,
		Ancestors: chain,
		MimeType:  it.MimeType,
		Revision:  it.Revision,
		Resource:  resource,
		Parts:     parts,
	}
}
