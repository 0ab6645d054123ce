package payload

import (
	"context"
	"fmt"

	"pimstore/internal/blob"
)

// RefSource lists the blob names referenced by committed part rows.
type RefSource interface {
	ExternalRefs(ctx context.Context) ([]string, error)
}

// CollectGarbage removes blobs that no committed part references. Such
// orphans are left behind when a process dies between a blob write and the
// end of its transaction, or when a post-commit removal fails. It must not
// run while mutations are in flight: their fresh blobs are not yet
// referenced. It returns the number of blobs removed.
func (s *Store) CollectGarbage(ctx context.Context, refs RefSource) (int, error) {
	lister, ok := s.blobs.(blob.Lister)
	if !ok {
		return 0, fmt.Errorf("blob store %T cannot list its contents", s.blobs)
	}

	referenced, err := refs.ExternalRefs(ctx)
	if err != nil {
		return 0, err
	}
	keep := make(map[string]bool, len(referenced))
	for _, name := range referenced {
		keep[name] = true
	}

	names, err := lister.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing blobs: %w", err)
	}

	removed := 0
	for _, name := range names {
		if keep[name] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := s.blobs.Remove(ctx, name); err != nil {
			return removed, fmt.Errorf("removing orphaned blob %s: %w", name, err)
		}
		s.logger.Info("removed orphaned blob", "blob", name)
		removed++
	}
	return removed, nil
}
