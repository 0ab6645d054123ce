package payload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"pimstore/internal/pim"
)

// Store implements pim.PayloadStore over a BlobStore. Payloads up to the
// threshold live in the parts row; larger ones are compressed, optionally
// encrypted and written to the blob store under a per-generation name.
type Store struct {
	blobs       pim.BlobStore
	encryptor   pim.Encryptor
	threshold   int
	compression Compression
	logger      pim.Logger
}

var _ pim.PayloadStore = (*Store)(nil)

// Options configures a Store.
type Options struct {
	// Threshold is the largest payload kept inline. Zero or negative
	// externalizes every non-empty payload.
	Threshold int

	// Compression applied to external blobs: "none", "zstd" or "lz4".
	Compression string
}

// NewStore creates a Store. encryptor may be nil to store blobs in plaintext.
func NewStore(blobs pim.BlobStore, encryptor pim.Encryptor, logger pim.Logger, opts Options) (*Store, error) {
	c, err := ParseCompression(opts.Compression)
	if err != nil {
		return nil, err
	}
	threshold := opts.Threshold
	if threshold < 0 {
		threshold = 0
	}
	return &Store{
		blobs:       blobs,
		encryptor:   encryptor,
		threshold:   threshold,
		compression: c,
		logger:      logger,
	}, nil
}

func (s *Store) Threshold() int { return s.threshold }

// BlobName returns the blob name for a part generation.
func BlobName(partID, generation int64) string {
	return fmt.Sprintf("%d_r%d", partID, generation)
}

// Begin opens a payload transaction writing part rows through w.
func (s *Store) Begin(w pim.PartWriter) pim.PayloadTxn {
	return &Txn{store: s, w: w}
}

// Read returns the payload of part.
func (s *Store) Read(ctx context.Context, part *pim.Part) ([]byte, error) {
	if !part.IsExternal() {
		return bytes.Clone(part.Data), nil
	}

	rc, err := s.blobs.Open(ctx, part.External)
	if err != nil {
		return nil, fmt.Errorf("%w: opening blob %s of part %d: %w", pim.ErrPayloadMissing, part.External, part.ID, err)
	}
	defer rc.Close()

	stored, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: reading blob %s: %w", pim.ErrPayloadMissing, part.External, err)
	}
	if sum := checksum(stored); sum != part.Checksum {
		return nil, fmt.Errorf("%w: blob %s checksum mismatch: got %s, want %s", pim.ErrPayloadMissing, part.External, sum, part.Checksum)
	}

	data, err := s.decode(stored, part)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding blob %s: %w", pim.ErrPayloadMissing, part.External, err)
	}
	return data, nil
}

// encode compresses and, when an encryptor is set, encrypts data. It
// returns the stored bytes and the encoding name to persist.
func (s *Store) encode(data []byte) ([]byte, string, error) {
	out, c, err := compress(data, s.compression)
	if err != nil {
		return nil, "", err
	}
	if s.encryptor == nil {
		return out, encodingName(c, false), nil
	}

	var buf bytes.Buffer
	if err := s.encryptor.Encrypt(bytes.NewReader(out), &buf); err != nil {
		return nil, "", fmt.Errorf("encrypting payload: %w", err)
	}
	return buf.Bytes(), encodingName(c, true), nil
}

func (s *Store) decode(stored []byte, part *pim.Part) ([]byte, error) {
	c, encrypted, err := parseEncoding(part.Encoding)
	if err != nil {
		return nil, err
	}
	if encrypted {
		if s.encryptor == nil {
			return nil, errors.New("blob is encrypted but no encryptor is configured")
		}
		var buf bytes.Buffer
		if err := s.encryptor.Decrypt(bytes.NewReader(stored), &buf); err != nil {
			return nil, fmt.Errorf("decrypting payload: %w", err)
		}
		stored = buf.Bytes()
	}
	return decompress(stored, c, int(part.Size))
}

// Txn tracks the blobs one metadata transaction creates and obsoletes.
// It is not safe for concurrent use; a transaction belongs to one goroutine.
type Txn struct {
	store    *Store
	w        pim.PartWriter
	created  []string
	obsolete []string
}

// Write stores data as the payload of part and updates part in place.
// A part with ID 0 is inserted first.
func (t *Txn) Write(ctx context.Context, part *pim.Part, data []byte) error {
	external := len(data) > t.store.threshold

	if part.ID == 0 {
		row := *part
		row.External = ""
		row.Generation = 0
		row.Encoding = ""
		row.Checksum = ""
		if external {
			// The blob name needs the row ID, so the row starts out
			// with an empty inline payload.
			row.Data = []byte{}
			row.Size = 0
		} else {
			row.Data = inline(data)
			row.Size = int64(len(data))
		}
		if err := t.w.InsertPart(ctx, &row); err != nil {
			return err
		}
		*part = row
		if !external {
			return nil
		}
	}

	previous := part.External
	if !external {
		next := *part
		next.Data = inline(data)
		next.External = ""
		next.Size = int64(len(data))
		next.Encoding = ""
		next.Checksum = ""
		if err := t.w.UpdatePartPayload(ctx, &next); err != nil {
			return err
		}
		*part = next
		t.retire(previous)
		return nil
	}

	stored, encoding, err := t.store.encode(data)
	if err != nil {
		return fmt.Errorf("encoding part %d: %w", part.ID, err)
	}

	next := *part
	next.Data = nil
	next.Generation = part.Generation + 1
	next.External = BlobName(part.ID, next.Generation)
	next.Size = int64(len(data))
	next.Encoding = encoding
	next.Checksum = checksum(stored)

	if err := t.store.blobs.Put(ctx, next.External, bytes.NewReader(stored), int64(len(stored))); err != nil {
		return fmt.Errorf("%w: writing blob %s: %w", pim.ErrStorageIO, next.External, err)
	}
	if err := t.w.UpdatePartPayload(ctx, &next); err != nil {
		t.remove(next.External)
		return err
	}

	*part = next
	t.created = append(t.created, next.External)
	t.retire(previous)
	return nil
}

// Delete removes the part row and schedules its blob for removal.
func (t *Txn) Delete(ctx context.Context, part *pim.Part) error {
	if err := t.w.DeletePart(ctx, part.ID); err != nil {
		return err
	}
	t.retire(part.External)
	return nil
}

// Commit removes blobs the committed transaction no longer references.
// Failures are logged; the blobs become orphans for CollectGarbage.
func (t *Txn) Commit() {
	for _, name := range t.obsolete {
		t.remove(name)
	}
	t.obsolete = nil
	t.created = nil
}

// Rollback removes blobs written by the aborted transaction. Blobs the
// transaction meant to retire are still referenced and stay.
func (t *Txn) Rollback() {
	for _, name := range t.created {
		t.remove(name)
	}
	t.created = nil
	t.obsolete = nil
}

func (t *Txn) retire(name string) {
	if name != "" {
		t.obsolete = append(t.obsolete, name)
	}
}

func (t *Txn) remove(name string) {
	if err := t.store.blobs.Remove(context.Background(), name); err != nil {
		t.store.logger.Warn("failed to remove blob", "blob", name, "error", err)
	}
}

// inline returns data as an inline payload. Stored inline payloads are
// never NULL.
func inline(data []byte) []byte {
	if data == nil {
		return []byte{}
	}
	return bytes.Clone(data)
}
