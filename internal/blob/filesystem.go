package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"pimstore/internal/pim"
)

// FileSystemBlobStore keeps each blob in its own file, sharded by the
// numeric part id the payload store puts in front of every name:
//
//	<root>/
//	  <id % 100, two digits>/
//	    <id>_r<generation>
type FileSystemBlobStore struct {
	root string
}

// NewFileSystemBlobStore creates a blob store rooted at the given path.
func NewFileSystemBlobStore(root string) (*FileSystemBlobStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &FileSystemBlobStore{root: root}, nil
}

// validName rejects names that could escape the shard directory or collide
// with temp files.
func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: invalid blob name %q", pim.ErrInvalidArgument, name)
	}
	return nil
}

// shard returns the directory a blob lives in. Names without a numeric
// prefix go to "xx".
func shard(name string) string {
	prefix, _, _ := strings.Cut(name, "_")
	n, err := strconv.ParseUint(prefix, 10, 64)
	if err != nil {
		return "xx"
	}
	return fmt.Sprintf("%02d", n%100)
}

func (s *FileSystemBlobStore) path(name string) string {
	return filepath.Join(s.root, shard(name), name)
}

// Put writes the blob to a temp file next to its final location and renames
// it into place, so readers never see a partial blob.
func (s *FileSystemBlobStore) Put(_ context.Context, name string, r io.Reader, size int64) error {
	if err := validName(name); err != nil {
		return err
	}
	destPath := s.path(name)
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create shard directory: %w", err)
	}
	return writeFile(destPath, r, size)
}

// Open returns the blob's file.
func (s *FileSystemBlobStore) Open(_ context.Context, name string) (io.ReadCloser, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("blob %s: %w", name, pim.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return f, nil
}

// Remove deletes the blob file if present.
func (s *FileSystemBlobStore) Remove(_ context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := os.Remove(s.path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove blob: %w", err)
	}
	return nil
}

// List returns the names of all stored blobs, sorted. Leftover temp files
// are skipped.
func (s *FileSystemBlobStore) List(_ context.Context) ([]string, error) {
	var names []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		names = append(names, d.Name())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing blobs: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// ValidateSetup verifies that the root directory exists and is writable.
func (s *FileSystemBlobStore) ValidateSetup() error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("blob root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("blob root is not a directory: %s", s.root)
	}

	f, err := os.CreateTemp(s.root, ".tmp-probe-*")
	if err != nil {
		return fmt.Errorf("blob root not writable: %w", err)
	}
	f.Close()
	os.Remove(f.Name())
	return nil
}

// writeFile writes data from r to destPath using atomic write (temp file + rename).
func writeFile(destPath string, r io.Reader, expectedSize int64) error {
	// The temp file lives in the same directory so the rename cannot cross filesystems.
	dir := filepath.Dir(destPath)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// Compile-time check that FileSystemBlobStore implements pim.BlobStore interface
var _ pim.BlobStore = (*FileSystemBlobStore)(nil)
