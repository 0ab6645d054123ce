package payload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"pimstore/internal/blob"
	"pimstore/internal/encryption"
	"pimstore/internal/pim"
)

// fakeRows is an in-memory pim.PartWriter. Rows written through it are
// visible immediately; tests inspect them directly.
type fakeRows struct {
	rows       map[int64]pim.Part
	nextID     int64
	failUpdate error
}

func newFakeRows() *fakeRows {
	return &fakeRows{rows: make(map[int64]pim.Part)}
}

func (f *fakeRows) InsertPart(_ context.Context, p *pim.Part) error {
	f.nextID++
	p.ID = f.nextID
	f.rows[p.ID] = *p
	return nil
}

func (f *fakeRows) UpdatePartPayload(_ context.Context, p *pim.Part) error {
	if f.failUpdate != nil {
		return f.failUpdate
	}
	if _, ok := f.rows[p.ID]; !ok {
		return fmt.Errorf("part %d: %w", p.ID, pim.ErrNotFound)
	}
	f.rows[p.ID] = *p
	return nil
}

func (f *fakeRows) DeletePart(_ context.Context, id int64) error {
	delete(f.rows, id)
	return nil
}

func newTestStore(t *testing.T, threshold int, compression string) (*Store, *blob.MemoryBlobStore) {
	t.Helper()
	blobs := blob.NewMemoryBlobStore()
	s, err := NewStore(blobs, nil, pim.NewNopLogger(), Options{Threshold: threshold, Compression: compression})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s, blobs
}

func mustRead(t *testing.T, s *Store, p *pim.Part) []byte {
	t.Helper()
	data, err := s.Read(context.Background(), p)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	return data
}

func TestNewStore(t *testing.T) {
	if _, err := NewStore(blob.NewMemoryBlobStore(), nil, pim.NewNopLogger(), Options{Compression: "rar"}); err == nil {
		t.Error("NewStore() with unknown compression: expected error")
	}
	s, err := NewStore(blob.NewMemoryBlobStore(), nil, pim.NewNopLogger(), Options{Threshold: -5})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if s.Threshold() != 0 {
		t.Errorf("Threshold() = %d, want 0", s.Threshold())
	}
}

func TestBlobName(t *testing.T) {
	if got := BlobName(1234, 3); got != "1234_r3" {
		t.Errorf("BlobName() = %q, want %q", got, "1234_r3")
	}
}

func TestTxn_WriteTiers(t *testing.T) {
	large := []byte(strings.Repeat("0123456789", 100))

	tests := []struct {
		name         string
		data         []byte
		compression  string
		wantExternal bool
	}{
		{"empty payload inline", nil, "zstd", false},
		{"small payload inline", []byte("0123456789"), "zstd", false},
		{"payload at threshold inline", large[:64], "zstd", false},
		{"large payload zstd", large, "zstd", true},
		{"large payload lz4", large, "lz4", true},
		{"large payload uncompressed", large, "none", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s, blobs := newTestStore(t, 64, tt.compression)
			rows := newFakeRows()

			ptx := s.Begin(rows)
			part := &pim.Part{ItemID: 7, Name: "body"}
			if err := ptx.Write(ctx, part, tt.data); err != nil {
				t.Fatalf("Write() error = %v", err)
			}
			ptx.Commit()

			if part.ID == 0 {
				t.Fatal("Write() did not insert the part")
			}
			row := rows.rows[part.ID]
			if row.IsExternal() != tt.wantExternal {
				t.Fatalf("row external = %v, want %v", row.IsExternal(), tt.wantExternal)
			}
			if row.Size != int64(len(tt.data)) {
				t.Errorf("row size = %d, want %d", row.Size, len(tt.data))
			}
			if tt.wantExternal {
				if row.External != BlobName(part.ID, 1) || row.Generation != 1 {
					t.Errorf("row = %+v, want blob %s at generation 1", row, BlobName(part.ID, 1))
				}
				if row.Encoding != tt.compression {
					t.Errorf("row encoding = %q, want %q", row.Encoding, tt.compression)
				}
				if blobs.Len() != 1 {
					t.Errorf("blob count = %d, want 1", blobs.Len())
				}
			} else {
				if row.Data == nil {
					t.Error("inline row data is nil")
				}
				if blobs.Len() != 0 {
					t.Errorf("blob count = %d, want 0", blobs.Len())
				}
			}

			if got := mustRead(t, s, &row); !bytes.Equal(got, tt.data) {
				t.Errorf("Read() returned %d bytes, want %d", len(got), len(tt.data))
			}
		})
	}
}

func TestTxn_ReplaceRetiresOldBlobOnCommit(t *testing.T) {
	ctx := context.Background()
	s, blobs := newTestStore(t, 16, "zstd")
	rows := newFakeRows()
	large := []byte(strings.Repeat("external payload ", 20))

	ptx := s.Begin(rows)
	part := &pim.Part{ItemID: 1, Name: "body"}
	if err := ptx.Write(ctx, part, large); err != nil {
		t.Fatalf("Write(large) error = %v", err)
	}
	ptx.Commit()
	first := part.External

	ptx = s.Begin(rows)
	bigger := append(bytes.Clone(large), large...)
	if err := ptx.Write(ctx, part, bigger); err != nil {
		t.Fatalf("Write(bigger) error = %v", err)
	}
	if part.External == first || part.Generation != 2 {
		t.Fatalf("second write = %+v, want a new generation", part)
	}
	if _, err := blobs.Open(ctx, first); err != nil {
		t.Errorf("old blob removed before commit: %v", err)
	}
	ptx.Commit()
	if _, err := blobs.Open(ctx, first); !errors.Is(err, pim.ErrNotFound) {
		t.Errorf("old blob still present after commit: %v", err)
	}

	// Shrinking back below the threshold moves the payload inline.
	ptx = s.Begin(rows)
	second := part.External
	if err := ptx.Write(ctx, part, []byte("short")); err != nil {
		t.Fatalf("Write(short) error = %v", err)
	}
	ptx.Commit()
	if part.IsExternal() || blobs.Len() != 0 {
		t.Errorf("part = %+v with %d blobs, want inline and no blobs", part, blobs.Len())
	}
	if _, err := blobs.Open(ctx, second); !errors.Is(err, pim.ErrNotFound) {
		t.Errorf("blob %s still present: %v", second, err)
	}
	if got := mustRead(t, s, part); string(got) != "short" {
		t.Errorf("Read() = %q, want %q", got, "short")
	}
}

func TestTxn_RollbackKeepsOldBlob(t *testing.T) {
	ctx := context.Background()
	s, blobs := newTestStore(t, 16, "none")
	rows := newFakeRows()
	large := []byte(strings.Repeat("x", 100))

	ptx := s.Begin(rows)
	part := &pim.Part{ItemID: 1, Name: "body"}
	if err := ptx.Write(ctx, part, large); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	ptx.Commit()
	committed := *part

	ptx = s.Begin(rows)
	next := *part
	if err := ptx.Write(ctx, &next, []byte(strings.Repeat("y", 100))); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	ptx.Rollback()

	names, _ := blobs.List(ctx)
	if len(names) != 1 || names[0] != committed.External {
		t.Errorf("blobs after rollback = %v, want [%s]", names, committed.External)
	}
	if got := mustRead(t, s, &committed); !bytes.Equal(got, large) {
		t.Error("committed payload changed after rollback")
	}
}

func TestTxn_RowUpdateFailureRemovesNewBlob(t *testing.T) {
	ctx := context.Background()
	s, blobs := newTestStore(t, 16, "zstd")
	rows := newFakeRows()
	boom := errors.New("database is locked")

	existing := &pim.Part{ItemID: 1, Name: "body", Data: []byte{}}
	if err := rows.InsertPart(ctx, existing); err != nil {
		t.Fatal(err)
	}
	rows.failUpdate = boom

	ptx := s.Begin(rows)
	err := ptx.Write(ctx, existing, []byte(strings.Repeat("z", 200)))
	if !errors.Is(err, boom) {
		t.Fatalf("Write() error = %v, want row update failure", err)
	}
	if blobs.Len() != 0 {
		t.Errorf("blob count = %d after failed row update, want 0", blobs.Len())
	}
	if existing.IsExternal() {
		t.Errorf("part = %+v, want unchanged", existing)
	}
	ptx.Rollback()
}

func TestTxn_BlobWriteFailure(t *testing.T) {
	ctx := context.Background()
	s, blobs := newTestStore(t, 16, "zstd")
	blobs.FailPut = func(string) error { return errors.New("no space left on device") }
	rows := newFakeRows()

	ptx := s.Begin(rows)
	part := &pim.Part{ItemID: 1, Name: "body"}
	err := ptx.Write(ctx, part, []byte(strings.Repeat("z", 200)))
	if !errors.Is(err, pim.ErrStorageIO) {
		t.Fatalf("Write() error = %v, want ErrStorageIO", err)
	}
	ptx.Rollback()
	if blobs.Len() != 0 {
		t.Errorf("blob count = %d, want 0", blobs.Len())
	}
}

func TestTxn_Delete(t *testing.T) {
	ctx := context.Background()
	s, blobs := newTestStore(t, 16, "zstd")
	rows := newFakeRows()

	ptx := s.Begin(rows)
	part := &pim.Part{ItemID: 1, Name: "body"}
	if err := ptx.Write(ctx, part, []byte(strings.Repeat("a", 500))); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	ptx.Commit()

	ptx = s.Begin(rows)
	if err := ptx.Delete(ctx, part); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if blobs.Len() != 1 {
		t.Error("blob removed before commit")
	}
	ptx.Commit()
	if blobs.Len() != 0 {
		t.Errorf("blob count = %d after commit, want 0", blobs.Len())
	}
	if _, ok := rows.rows[part.ID]; ok {
		t.Error("part row still present")
	}

	// A second commit has nothing left to do.
	ptx.Commit()
}

func TestStore_ReadPayloadMissing(t *testing.T) {
	ctx := context.Background()
	s, blobs := newTestStore(t, 16, "zstd")
	rows := newFakeRows()

	ptx := s.Begin(rows)
	part := &pim.Part{ItemID: 1, Name: "body"}
	if err := ptx.Write(ctx, part, []byte(strings.Repeat("b", 300))); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	ptx.Commit()

	t.Run("corrupted blob", func(t *testing.T) {
		blobs.Corrupt(part.External, []byte("garbage"))
		if _, err := s.Read(ctx, part); !errors.Is(err, pim.ErrPayloadMissing) {
			t.Errorf("Read() error = %v, want ErrPayloadMissing", err)
		}
	})

	t.Run("absent blob", func(t *testing.T) {
		blobs.Remove(ctx, part.External)
		if _, err := s.Read(ctx, part); !errors.Is(err, pim.ErrPayloadMissing) {
			t.Errorf("Read() error = %v, want ErrPayloadMissing", err)
		}
	})
}

func TestStore_Encryption(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewMemoryBlobStore()
	s, err := NewStore(blobs, encryption.NewTestEncryptor(), pim.NewNopLogger(), Options{Threshold: 8, Compression: "zstd"})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	rows := newFakeRows()
	data := []byte(strings.Repeat("secret ", 50))

	ptx := s.Begin(rows)
	part := &pim.Part{ItemID: 1, Name: "body"}
	if err := ptx.Write(ctx, part, data); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	ptx.Commit()

	if part.Encoding != "zstd+age" {
		t.Errorf("Encoding = %q, want %q", part.Encoding, "zstd+age")
	}
	if got := mustRead(t, s, part); !bytes.Equal(got, data) {
		t.Error("Read() did not return the original payload")
	}

	// A store without the key cannot read the blob.
	plain, _ := NewStore(blobs, nil, pim.NewNopLogger(), Options{Threshold: 8})
	if _, err := plain.Read(ctx, part); !errors.Is(err, pim.ErrPayloadMissing) {
		t.Errorf("Read() without encryptor error = %v, want ErrPayloadMissing", err)
	}
}

func TestStore_ReadInlineReturnsCopy(t *testing.T) {
	s, _ := newTestStore(t, 16, "none")
	part := &pim.Part{ID: 1, Data: []byte("abc")}
	got := mustRead(t, s, part)
	got[0] = 'X'
	if string(part.Data) != "abc" {
		t.Error("Read() returned the row's backing array")
	}
}
