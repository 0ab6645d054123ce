package blob

import (
	"context"
	"fmt"

	"pimstore/internal/config"
	"pimstore/internal/pim"
)

// Lister is implemented by blob stores that can enumerate their contents.
// All stores in this package do; the payload janitor relies on it.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}

// NewBlobStoreFromConfig creates a BlobStore implementation based on the blob config type.
func NewBlobStoreFromConfig(ctx context.Context, cfg config.BlobConfig) (pim.BlobStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryBlobStore(), nil
	case "s3":
		s, err := NewS3BlobStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "filesystem":
		if cfg.Root == "" {
			return nil, fmt.Errorf("filesystem blob store requires root to be set")
		}
		s, err := NewFileSystemBlobStore(cfg.Root)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown blob store type: %s", cfg.Type)
	}
}
