package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"

	"pimstore/internal/pim"
)

// MemoryBlobStore is an in-memory implementation of pim.BlobStore, useful
// for testing. It is safe for concurrent use.
type MemoryBlobStore struct {
	blobs map[string][]byte
	mu    sync.RWMutex

	// FailPut, when set, is consulted before every Put; a non-nil error
	// aborts the Put. Tests use it to inject external-tier failures.
	FailPut func(name string) error

	// BeforeOpen, when set, runs at the start of every Open without the
	// store's lock held, so it may write to the store.
	BeforeOpen func(name string)
}

// NewMemoryBlobStore creates an empty in-memory blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

// Put stores size bytes read from r under name.
func (m *MemoryBlobStore) Put(_ context.Context, name string, r io.Reader, size int64) error {
	if err := validName(name); err != nil {
		return err
	}
	if m.FailPut != nil {
		if err := m.FailPut(name); err != nil {
			return err
		}
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read blob: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[name] = data
	return nil
}

// Open returns a reader over the stored blob.
func (m *MemoryBlobStore) Open(_ context.Context, name string) (io.ReadCloser, error) {
	if m.BeforeOpen != nil {
		m.BeforeOpen(name)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.blobs[name]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", name, pim.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Remove deletes a blob. Absent blobs are ignored.
func (m *MemoryBlobStore) Remove(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, name)
	return nil
}

// List returns the names of all stored blobs, sorted.
func (m *MemoryBlobStore) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.blobs)), nil
}

// Corrupt overwrites a stored blob in place. Tests use it to simulate
// damaged external payloads.
func (m *MemoryBlobStore) Corrupt(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[name]; ok {
		m.blobs[name] = data
	}
}

// Len returns the number of stored blobs.
func (m *MemoryBlobStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// ValidateSetup always succeeds for the in-memory store.
func (m *MemoryBlobStore) ValidateSetup() error {
	return nil
}

// Compile-time check that MemoryBlobStore implements pim.BlobStore interface
var _ pim.BlobStore = (*MemoryBlobStore)(nil)
