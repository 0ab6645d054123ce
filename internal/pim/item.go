package pim

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// NewItem describes an item to create. Parts maps part names to payloads.
type NewItem struct {
	CollectionID int64
	MimeType     string
	RemoteID     string
	Parts        map[string][]byte
}

// ItemChanges describes a modification. Parts are written (created or
// replaced), RemoveParts are deleted. A nil RemoteID is left alone.
type ItemChanges struct {
	RemoteID    *string
	Parts       map[string][]byte
	RemoveParts []string

	// IfRevision, when non-zero, makes the modification fail with
	// ErrConflict unless the item is at exactly this revision.
	IfRevision int64
}

func validPartName(name string) bool {
	return name != "" && strings.TrimSpace(name) == name
}

// GetItem returns a committed item.
func (e *Engine) GetItem(ctx context.Context, id int64) (*Item, error) {
	it, err := e.database.GetItem(ctx, id)
	if err != nil {
		return nil, storageIO("get item", err)
	}
	return it, nil
}

// ListItems returns the items of a collection.
func (e *Engine) ListItems(ctx context.Context, collectionID int64) ([]*Item, error) {
	if collectionID != RootID {
		if _, err := e.database.GetCollection(ctx, collectionID); err != nil {
			return nil, storageIO("list items", err)
		}
	}
	items, err := e.database.ListItems(ctx, collectionID)
	if err != nil {
		return nil, storageIO("list items", err)
	}
	return items, nil
}

// ItemParts returns the part rows of an item without loading external payloads.
func (e *Engine) ItemParts(ctx context.Context, itemID int64) ([]*Part, error) {
	if _, err := e.database.GetItem(ctx, itemID); err != nil {
		return nil, storageIO("item parts", err)
	}
	parts, err := e.database.ListParts(ctx, itemID)
	if err != nil {
		return nil, storageIO("item parts", err)
	}
	return parts, nil
}

// readAttempts bounds how often ReadPart follows a part row that a
// concurrent mutation moved to a new blob.
const readAttempts = 3

// ReadPart returns the payload of one part from whichever tier holds it.
// A blob that vanished because a concurrent modify replaced it is not
// corruption: the row is re-read and the new payload returned instead.
// ErrPayloadMissing is reported only while the row still names the
// missing blob.
func (e *Engine) ReadPart(ctx context.Context, itemID int64, name string) ([]byte, error) {
	part, err := e.database.GetPart(ctx, itemID, name)
	if err != nil {
		return nil, storageIO("read part", err)
	}
	for attempt := 1; ; attempt++ {
		data, err := e.payloads.Read(ctx, part)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, ErrPayloadMissing) || attempt >= readAttempts {
			return nil, storageIO("read part", err)
		}

		current, gerr := e.database.GetPart(ctx, itemID, name)
		if gerr != nil {
			return nil, storageIO("read part", gerr)
		}
		if current.External == part.External && current.Generation == part.Generation {
			return nil, storageIO("read part", err)
		}
		e.logger.Debug("part replaced during read, retrying", "item", itemID, "part", name, "attempt", attempt)
		part = current
	}
}

// itemParent locks the collection an item lives in or moves into. Items
// cannot live in the root and must match the collection's mime types.
func itemParent(ctx context.Context, tx Tx, collectionID int64, mimeType string) (*Collection, []int64, error) {
	if collectionID == RootID {
		return nil, nil, fmt.Errorf("%w: items cannot be stored in the root", ErrInvalidParent)
	}
	parent, chain, err := lockParent(ctx, tx, collectionID)
	if err != nil {
		return nil, nil, err
	}
	if !parent.Allows(mimeType) {
		return nil, nil, fmt.Errorf("%w: collection %d does not accept %s", ErrInvalidParent, collectionID, mimeType)
	}
	return parent, chain, nil
}

func checkItemRemoteID(ctx context.Context, tx Tx, collectionID int64, remoteID string, excludeID int64) error {
	if remoteID == "" {
		return nil
	}
	taken, err := tx.ItemRemoteIDTaken(ctx, collectionID, remoteID, excludeID)
	if err != nil {
		return fmt.Errorf("checking item remote id: %w", err)
	}
	if taken {
		return fmt.Errorf("%w: remote id %q in collection %d", ErrAlreadyExists, remoteID, collectionID)
	}
	return nil
}

// CreateItem creates an item together with its parts.
func (e *Engine) CreateItem(ctx context.Context, req NewItem) (*Item, error) {
	mimeType := strings.ToLower(strings.TrimSpace(req.MimeType))
	if mimeType == "" {
		return nil, fmt.Errorf("create item: %w: mime type is required", ErrInvalidArgument)
	}
	names := slices.Sorted(maps.Keys(req.Parts))
	var size int64
	for _, name := range names {
		if !validPartName(name) {
			return nil, fmt.Errorf("create item: %w: bad part name %q", ErrInvalidArgument, name)
		}
		size += int64(len(req.Parts[name]))
	}

	it := &Item{
		CollectionID: req.CollectionID,
		MimeType:     mimeType,
		RemoteID:     req.RemoteID,
		Size:         size,
		ModifiedAt:   e.clock.Now(),
	}

	err := e.inTx(ctx, "create item", func(tx Tx, ptx PayloadTxn) ([]ChangeEvent, error) {
		parent, chain, err := itemParent(ctx, tx, it.CollectionID, it.MimeType)
		if err != nil {
			return nil, err
		}
		if err := checkItemRemoteID(ctx, tx, it.CollectionID, it.RemoteID, 0); err != nil {
			return nil, err
		}
		if err := tx.InsertItem(ctx, it); err != nil {
			return nil, fmt.Errorf("inserting item: %w", err)
		}
		for _, name := range names {
			part := &Part{ItemID: it.ID, Name: name}
			if err := ptx.Write(ctx, part, req.Parts[name]); err != nil {
				return nil, fmt.Errorf("writing part %q: %w", name, err)
			}
		}
		return []ChangeEvent{itemEvent(OpAdd, it, chain, parent.Resource, names)}, nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("item created", "id", it.ID, "collection", it.CollectionID, "mime", it.MimeType, "size", it.Size)
	return it, nil
}

func (e *Engine) snapshotItem(ctx context.Context, id int64) (*Item, error) {
	if !e.optimistic() {
		return nil, nil
	}
	it, err := e.database.GetItem(ctx, id)
	if err != nil {
		return nil, storageIO("reading item", err)
	}
	return it, nil
}

func lockedItem(ctx context.Context, tx Tx, id int64, snap *Item) (*Item, error) {
	if snap != nil {
		return snap, nil
	}
	return tx.LockItem(ctx, id)
}

func storedItemRevision(ctx context.Context, tx Tx, id int64, snap *Item) func() (int64, error) {
	if snap == nil {
		return nil
	}
	return func() (int64, error) {
		it, err := tx.GetItem(ctx, id)
		if err != nil {
			return 0, err
		}
		return it.Revision, nil
	}
}

// ModifyItem writes and removes parts of an item and bumps its revision.
// The item row is claimed with a conditional update before any payload is
// touched, so a lost race never leaves blobs behind.
func (e *Engine) ModifyItem(ctx context.Context, id int64, changes ItemChanges) (*Item, error) {
	const op = "modify item"

	writes := slices.Sorted(maps.Keys(changes.Parts))
	for _, name := range writes {
		if !validPartName(name) {
			return nil, fmt.Errorf("%s: %w: bad part name %q", op, ErrInvalidArgument, name)
		}
	}
	for _, name := range changes.RemoveParts {
		if _, ok := changes.Parts[name]; ok {
			return nil, fmt.Errorf("%s: %w: part %q both written and removed", op, ErrInvalidArgument, name)
		}
	}

	var out *Item
	err := e.withRetry(op, func() error {
		snap, err := e.snapshotItem(ctx, id)
		if err != nil {
			return err
		}
		return e.inTx(ctx, op, func(tx Tx, ptx PayloadTxn) ([]ChangeEvent, error) {
			cur, err := lockedItem(ctx, tx, id, snap)
			if err != nil {
				return nil, err
			}
			if err := expectRevision("item", id, changes.IfRevision, cur.Revision, storedItemRevision(ctx, tx, id, snap)); err != nil {
				return nil, err
			}

			next := *cur
			if changes.RemoteID != nil && *changes.RemoteID != cur.RemoteID {
				next.RemoteID = *changes.RemoteID
				if err := checkItemRemoteID(ctx, tx, next.CollectionID, next.RemoteID, id); err != nil {
					return nil, err
				}
			}

			existing, err := tx.ListParts(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("listing parts: %w", err)
			}
			byName := make(map[string]*Part, len(existing))
			for _, p := range existing {
				byName[p.Name] = p
			}

			var removes []*Part
			for _, name := range changes.RemoveParts {
				if p, ok := byName[name]; ok {
					removes = append(removes, p)
					delete(byName, name)
				}
			}
			for _, name := range writes {
				delete(byName, name)
			}
			next.Size = 0
			for _, p := range byName {
				next.Size += p.Size
			}
			for _, name := range writes {
				next.Size += int64(len(changes.Parts[name]))
			}
			next.Revision = cur.Revision + 1
			next.ModifiedAt = e.clock.Now()

			ok, err := tx.UpdateItem(ctx, &next, cur.Revision)
			if err != nil {
				return nil, fmt.Errorf("updating item: %w", err)
			}
			if !ok {
				return nil, errStale
			}

			var changed []string
			for _, name := range writes {
				part, err := tx.GetPart(ctx, id, name)
				if errors.Is(err, ErrNotFound) {
					part = &Part{ItemID: id, Name: name}
				} else if err != nil {
					return nil, fmt.Errorf("reading part %q: %w", name, err)
				}
				if err := ptx.Write(ctx, part, changes.Parts[name]); err != nil {
					return nil, fmt.Errorf("writing part %q: %w", name, err)
				}
				changed = append(changed, name)
			}
			for _, p := range removes {
				if err := ptx.Delete(ctx, p); err != nil {
					return nil, fmt.Errorf("removing part %q: %w", p.Name, err)
				}
				changed = append(changed, p.Name)
			}

			parent, err := tx.GetCollection(ctx, next.CollectionID)
			if err != nil {
				return nil, fmt.Errorf("reading collection: %w", err)
			}
			chain, err := ancestors(ctx, tx, next.CollectionID)
			if err != nil {
				return nil, err
			}
			out = &next
			return []ChangeEvent{itemEvent(OpModify, &next, chain, parent.Resource, changed)}, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MoveItem moves an item into another collection. Moving into the current
// collection is a no-op and publishes nothing.
func (e *Engine) MoveItem(ctx context.Context, id, collectionID int64) (*Item, error) {
	const op = "move item"
	var out *Item

	err := e.withRetry(op, func() error {
		snap, err := e.snapshotItem(ctx, id)
		if err != nil {
			return err
		}
		return e.inTx(ctx, op, func(tx Tx, _ PayloadTxn) ([]ChangeEvent, error) {
			cur, err := lockedItem(ctx, tx, id, snap)
			if err != nil {
				return nil, err
			}
			if cur.CollectionID == collectionID {
				out = cur
				return nil, nil
			}

			parent, newChain, err := itemParent(ctx, tx, collectionID, cur.MimeType)
			if err != nil {
				return nil, err
			}
			if err := checkItemRemoteID(ctx, tx, collectionID, cur.RemoteID, id); err != nil {
				return nil, err
			}

			next := *cur
			next.CollectionID = collectionID
			next.Revision = cur.Revision + 1
			next.ModifiedAt = e.clock.Now()
			ok, err := tx.UpdateItem(ctx, &next, cur.Revision)
			if err != nil {
				return nil, fmt.Errorf("updating item: %w", err)
			}
			if !ok {
				return nil, errStale
			}

			oldChain, err := ancestors(ctx, tx, cur.CollectionID)
			if err != nil {
				return nil, err
			}
			ev := itemEvent(OpMove, &next, mergeChains(newChain, oldChain), parent.Resource, nil)
			ev.SourceParentID = cur.CollectionID
			out = &next
			return []ChangeEvent{ev}, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteItem removes an item and all of its parts.
func (e *Engine) DeleteItem(ctx context.Context, id int64) error {
	err := e.inTx(ctx, "delete item", func(tx Tx, ptx PayloadTxn) ([]ChangeEvent, error) {
		it, err := tx.LockItem(ctx, id)
		if err != nil {
			return nil, err
		}
		parent, err := tx.GetCollection(ctx, it.CollectionID)
		if err != nil {
			return nil, fmt.Errorf("reading collection: %w", err)
		}
		chain, err := ancestors(ctx, tx, it.CollectionID)
		if err != nil {
			return nil, err
		}
		parts, err := removeItem(ctx, tx, ptx, it)
		if err != nil {
			return nil, err
		}
		return []ChangeEvent{itemEvent(OpRemove, it, chain, parent.Resource, parts)}, nil
	})
	if err != nil {
		return err
	}

	e.logger.Info("item deleted", "id", id)
	return nil
}

// removeItem deletes the parts and row of it inside tx and returns the
// names of the removed parts.
func removeItem(ctx context.Context, tx Tx, ptx PayloadTxn, it *Item) ([]string, error) {
	parts, err := tx.ListParts(ctx, it.ID)
	if err != nil {
		return nil, fmt.Errorf("listing parts of %d: %w", it.ID, err)
	}
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		if err := ptx.Delete(ctx, p); err != nil {
			return nil, fmt.Errorf("removing part %q of %d: %w", p.Name, it.ID, err)
		}
		names = append(names, p.Name)
	}
	if err := tx.DeleteItem(ctx, it.ID); err != nil {
		return nil, fmt.Errorf("deleting item %d: %w", it.ID, err)
	}
	return names, nil
}
