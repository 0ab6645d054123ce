package pim

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// NewCollection describes a collection to create.
type NewCollection struct {
	ParentID  int64
	Name      string
	RemoteID  string
	Resource  string
	MimeTypes []string
}

// CollectionChanges describes a modification. Nil fields are left alone.
type CollectionChanges struct {
	Name      *string
	RemoteID  *string
	MimeTypes *[]string

	// IfRevision, when non-zero, makes the modification fail with
	// ErrConflict unless the collection is at exactly this revision.
	IfRevision int64
}

func normalizeMimeTypes(in []string) []string {
	var out []string
	for _, m := range in {
		m = strings.ToLower(strings.TrimSpace(m))
		if m != "" && !slices.Contains(out, m) {
			out = append(out, m)
		}
	}
	slices.Sort(out)
	return out
}

// GetCollection returns a committed collection.
func (e *Engine) GetCollection(ctx context.Context, id int64) (*Collection, error) {
	c, err := e.database.GetCollection(ctx, id)
	if err != nil {
		return nil, storageIO("get collection", err)
	}
	return c, nil
}

// ListCollections returns the direct children of parentID.
func (e *Engine) ListCollections(ctx context.Context, parentID int64) ([]*Collection, error) {
	cs, err := e.database.ListCollections(ctx, parentID)
	if err != nil {
		return nil, storageIO("list collections", err)
	}
	return cs, nil
}

// CreateCollection creates a collection under req.ParentID. An empty
// Resource is inherited from the parent.
func (e *Engine) CreateCollection(ctx context.Context, req NewCollection) (*Collection, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("create collection: %w: name is required", ErrInvalidArgument)
	}

	c := &Collection{
		ParentID:  req.ParentID,
		Name:      name,
		RemoteID:  req.RemoteID,
		Resource:  req.Resource,
		MimeTypes: normalizeMimeTypes(req.MimeTypes),
	}

	err := e.inTx(ctx, "create collection", func(tx Tx, _ PayloadTxn) ([]ChangeEvent, error) {
		parent, chain, err := lockParent(ctx, tx, c.ParentID)
		if err != nil {
			return nil, err
		}
		if c.Resource == "" && parent != nil {
			c.Resource = parent.Resource
		}
		if err := checkCollectionUnique(ctx, tx, c, 0); err != nil {
			return nil, err
		}
		if err := tx.InsertCollection(ctx, c); err != nil {
			return nil, fmt.Errorf("inserting collection: %w", err)
		}
		return []ChangeEvent{collectionEvent(OpAdd, c, chain)}, nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("collection created", "id", c.ID, "parent", c.ParentID, "name", c.Name)
	return c, nil
}

// checkCollectionUnique enforces sibling-unique names and per-resource
// remote IDs for c, ignoring the row excludeID.
func checkCollectionUnique(ctx context.Context, tx Tx, c *Collection, excludeID int64) error {
	taken, err := tx.CollectionNameTaken(ctx, c.ParentID, c.Name, excludeID)
	if err != nil {
		return fmt.Errorf("checking collection name: %w", err)
	}
	if taken {
		return fmt.Errorf("%w: collection %q under %d", ErrAlreadyExists, c.Name, c.ParentID)
	}
	if c.RemoteID == "" {
		return nil
	}
	taken, err = tx.CollectionRemoteIDTaken(ctx, c.ParentID, c.Resource, c.RemoteID, excludeID)
	if err != nil {
		return fmt.Errorf("checking collection remote id: %w", err)
	}
	if taken {
		return fmt.Errorf("%w: remote id %q under %d", ErrAlreadyExists, c.RemoteID, c.ParentID)
	}
	return nil
}

func (e *Engine) snapshotCollection(ctx context.Context, id int64) (*Collection, error) {
	if !e.optimistic() {
		return nil, nil
	}
	c, err := e.database.GetCollection(ctx, id)
	if err != nil {
		return nil, storageIO("reading collection", err)
	}
	return c, nil
}

func lockedCollection(ctx context.Context, tx Tx, id int64, snap *Collection) (*Collection, error) {
	if snap != nil {
		return snap, nil
	}
	return tx.LockCollection(ctx, id)
}

func storedCollectionRevision(ctx context.Context, tx Tx, id int64, snap *Collection) func() (int64, error) {
	if snap == nil {
		return nil
	}
	return func() (int64, error) {
		c, err := tx.GetCollection(ctx, id)
		if err != nil {
			return 0, err
		}
		return c.Revision, nil
	}
}

// ModifyCollection applies changes to a collection and bumps its revision.
func (e *Engine) ModifyCollection(ctx context.Context, id int64, changes CollectionChanges) (*Collection, error) {
	const op = "modify collection"
	var out *Collection

	err := e.withRetry(op, func() error {
		snap, err := e.snapshotCollection(ctx, id)
		if err != nil {
			return err
		}
		return e.inTx(ctx, op, func(tx Tx, _ PayloadTxn) ([]ChangeEvent, error) {
			cur, err := lockedCollection(ctx, tx, id, snap)
			if err != nil {
				return nil, err
			}
			if err := expectRevision("collection", id, changes.IfRevision, cur.Revision, storedCollectionRevision(ctx, tx, id, snap)); err != nil {
				return nil, err
			}

			next := *cur
			if changes.Name != nil {
				next.Name = strings.TrimSpace(*changes.Name)
				if next.Name == "" {
					return nil, fmt.Errorf("%w: name is required", ErrInvalidArgument)
				}
			}
			if changes.RemoteID != nil {
				next.RemoteID = *changes.RemoteID
			}
			if changes.MimeTypes != nil {
				next.MimeTypes = normalizeMimeTypes(*changes.MimeTypes)
			}
			if next.Name != cur.Name || next.RemoteID != cur.RemoteID {
				if err := checkCollectionUnique(ctx, tx, &next, id); err != nil {
					return nil, err
				}
			}

			next.Revision = cur.Revision + 1
			ok, err := tx.UpdateCollection(ctx, &next, cur.Revision)
			if err != nil {
				return nil, fmt.Errorf("updating collection: %w", err)
			}
			if !ok {
				return nil, errStale
			}

			chain, err := ancestors(ctx, tx, next.ParentID)
			if err != nil {
				return nil, err
			}
			out = &next
			return []ChangeEvent{collectionEvent(OpModify, &next, chain)}, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MoveCollection reparents a collection. Moving a collection below itself
// or one of its descendants fails with ErrInvalidParent.
func (e *Engine) MoveCollection(ctx context.Context, id, newParentID int64) (*Collection, error) {
	const op = "move collection"
	var out *Collection

	err := e.withRetry(op, func() error {
		snap, err := e.snapshotCollection(ctx, id)
		if err != nil {
			return err
		}
		return e.inTx(ctx, op, func(tx Tx, _ PayloadTxn) ([]ChangeEvent, error) {
			cur, err := lockedCollection(ctx, tx, id, snap)
			if err != nil {
				return nil, err
			}
			if cur.ParentID == newParentID {
				out = cur
				return nil, nil
			}

			if newParentID == id {
				return nil, fmt.Errorf("%w: collection %d cannot contain itself", ErrInvalidParent, id)
			}
			_, newChain, err := lockParent(ctx, tx, newParentID)
			if err != nil {
				return nil, err
			}
			if slices.Contains(newChain, id) {
				return nil, fmt.Errorf("%w: %d is a descendant of %d", ErrInvalidParent, newParentID, id)
			}

			next := *cur
			next.ParentID = newParentID
			if err := checkCollectionUnique(ctx, tx, &next, id); err != nil {
				return nil, err
			}

			next.Revision = cur.Revision + 1
			ok, err := tx.UpdateCollection(ctx, &next, cur.Revision)
			if err != nil {
				return nil, fmt.Errorf("updating collection: %w", err)
			}
			if !ok {
				return nil, errStale
			}

			oldChain, err := ancestors(ctx, tx, cur.ParentID)
			if err != nil {
				return nil, err
			}
			ev := collectionEvent(OpMove, &next, mergeChains(newChain, oldChain))
			ev.SourceParentID = cur.ParentID
			out = &next
			return []ChangeEvent{ev}, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteCollection removes a collection with all of its descendants and
// their items. One remove event is published per deleted entity, children
// before parents.
func (e *Engine) DeleteCollection(ctx context.Context, id int64) error {
	removed := 0
	err := e.inTx(ctx, "delete collection", func(tx Tx, ptx PayloadTxn) ([]ChangeEvent, error) {
		cur, err := tx.LockCollection(ctx, id)
		if err != nil {
			return nil, err
		}
		chain, err := ancestors(ctx, tx, cur.ParentID)
		if err != nil {
			return nil, err
		}

		var events []ChangeEvent
		var walk func(c *Collection, chain []int64) error
		walk = func(c *Collection, chain []int64) error {
			inner := append([]int64{c.ID}, chain...)

			children, err := tx.ListCollections(ctx, c.ID)
			if err != nil {
				return fmt.Errorf("listing children of %d: %w", c.ID, err)
			}
			for _, child := range children {
				if err := walk(child, inner); err != nil {
					return err
				}
			}

			items, err := tx.ListItems(ctx, c.ID)
			if err != nil {
				return fmt.Errorf("listing items of %d: %w", c.ID, err)
			}
			for _, it := range items {
				parts, err := removeItem(ctx, tx, ptx, it)
				if err != nil {
					return err
				}
				events = append(events, itemEvent(OpRemove, it, inner, c.Resource, parts))
			}

			if err := tx.DeleteCollection(ctx, c.ID); err != nil {
				return fmt.Errorf("deleting collection %d: %w", c.ID, err)
			}
			events = append(events, collectionEvent(OpRemove, c, chain))
			return nil
		}
		if err := walk(cur, chain); err != nil {
			return nil, err
		}
		removed = len(events)
		return events, nil
	})
	if err != nil {
		return err
	}

	e.logger.Info("collection deleted", "id", id, "entities", removed)
	return nil
}
