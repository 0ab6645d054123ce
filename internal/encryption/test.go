package encryption

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"pimstore/internal/pim"
)

// testMagic opens every blob written by TestEncryptor.
var testMagic = []byte("PIMX")

// testKey is the keystream TestEncryptor XORs payload bytes with.
var testKey = []byte("pimstore-test-key")

// ErrNotTestCiphertext is returned when Decrypt is given data that TestEncryptor
// did not produce.
var ErrNotTestCiphertext = errors.New("not a test-encrypted blob")

// TestEncryptor is a deterministic, keyless stand-in for AgeEncryptor. Blobs
// are framed with a magic prefix and XORed with a fixed keystream so stored
// bytes never contain the plaintext and their checksums differ.
type TestEncryptor struct{}

var _ pim.Encryptor = (*TestEncryptor)(nil)

func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (*TestEncryptor) Setup() error       { return nil }
func (*TestEncryptor) IsConfigured() bool { return true }

func (*TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(testMagic); err != nil {
		return fmt.Errorf("writing magic: %w", err)
	}
	if err := xorCopy(w, r); err != nil {
		return fmt.Errorf("encrypting: %w", err)
	}
	return nil
}

func (*TestEncryptor) Decrypt(r io.Reader, w io.Writer) error {
	br := bufio.NewReader(r)
	magic, err := br.Peek(len(testMagic))
	if err != nil || !bytes.Equal(magic, testMagic) {
		return ErrNotTestCiphertext
	}
	if _, err := br.Discard(len(testMagic)); err != nil {
		return err
	}
	if err := xorCopy(w, br); err != nil {
		return fmt.Errorf("decrypting: %w", err)
	}
	return nil
}

func xorCopy(w io.Writer, r io.Reader) error {
	buf := make([]byte, 32*1024)
	var off int
	for {
		n, err := r.Read(buf)
		for i := 0; i < n; i++ {
			buf[i] ^= testKey[(off+i)%len(testKey)]
		}
		off += n
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
