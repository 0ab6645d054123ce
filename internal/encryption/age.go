package encryption

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"filippo.io/age"

	"pimstore/internal/pim"
)

// AgeEncryptor implements pim.Encryptor using filippo.io/age with an X25519
// identity kept in a single file. When a passphrase is given the identity
// file is itself age-encrypted with age's scrypt passphrase encryption.
// The identity is loaded once and reused for every payload.
type AgeEncryptor struct {
	identityPath string
	passphrase   string

	mu       sync.Mutex
	identity *age.X25519Identity
}

var _ pim.Encryptor = (*AgeEncryptor)(nil)

// NewAgeEncryptor creates an AgeEncryptor for the identity at identityPath.
// An empty passphrase stores the identity in plaintext with mode 0600.
func NewAgeEncryptor(identityPath, passphrase string) *AgeEncryptor {
	return &AgeEncryptor{identityPath: identityPath, passphrase: passphrase}
}

// Setup generates a new X25519 identity and writes it to the identity file.
// It does nothing when the file already exists.
func (e *AgeEncryptor) Setup() error {
	if e.IsConfigured() {
		return nil
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating identity: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(e.identityPath), 0700); err != nil {
		return fmt.Errorf("creating identity directory: %w", err)
	}

	f, err := os.OpenFile(e.identityPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("creating identity file: %w", err)
	}
	defer f.Close()

	var w io.WriteCloser = nopWriteCloser{f}
	if e.passphrase != "" {
		recipient, err := age.NewScryptRecipient(e.passphrase)
		if err != nil {
			return fmt.Errorf("creating scrypt recipient: %w", err)
		}
		w, err = age.Encrypt(f, recipient)
		if err != nil {
			return fmt.Errorf("creating encrypted writer: %w", err)
		}
	}

	if _, err := io.WriteString(w, identity.String()+"\n"); err != nil {
		return fmt.Errorf("writing identity: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing identity: %w", err)
	}

	e.mu.Lock()
	e.identity = identity
	e.mu.Unlock()
	return nil
}

// Encrypt reads plaintext from r and writes age-encrypted ciphertext to w.
func (e *AgeEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	identity, err := e.loadIdentity()
	if err != nil {
		return err
	}

	encWriter, err := age.Encrypt(w, identity.Recipient())
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}

	if _, err := io.Copy(encWriter, r); err != nil {
		return fmt.Errorf("encrypting data: %w", err)
	}

	if err := encWriter.Close(); err != nil {
		return fmt.Errorf("finalizing encryption: %w", err)
	}

	return nil
}

// Decrypt reads age-encrypted ciphertext from r and writes plaintext to w.
func (e *AgeEncryptor) Decrypt(r io.Reader, w io.Writer) error {
	identity, err := e.loadIdentity()
	if err != nil {
		return err
	}

	decReader, err := age.Decrypt(r, identity)
	if err != nil {
		return fmt.Errorf("creating decrypted reader: %w", err)
	}

	if _, err := io.Copy(w, decReader); err != nil {
		return fmt.Errorf("decrypting data: %w", err)
	}

	return nil
}

// IsConfigured returns true if the identity file exists.
func (e *AgeEncryptor) IsConfigured() bool {
	_, err := os.Stat(e.identityPath)
	return err == nil
}

// loadIdentity reads and caches the identity, unwrapping it with the
// passphrase when one is set.
func (e *AgeEncryptor) loadIdentity() (*age.X25519Identity, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.identity != nil {
		return e.identity, nil
	}

	data, err := os.ReadFile(e.identityPath)
	if err != nil {
		return nil, fmt.Errorf("reading identity file: %w", err)
	}

	if e.passphrase != "" {
		scrypt, err := age.NewScryptIdentity(e.passphrase)
		if err != nil {
			return nil, fmt.Errorf("creating scrypt identity: %w", err)
		}
		decReader, err := age.Decrypt(bytes.NewReader(data), scrypt)
		if err != nil {
			return nil, fmt.Errorf("decrypting identity: %w", err)
		}
		if data, err = io.ReadAll(decReader); err != nil {
			return nil, fmt.Errorf("reading decrypted identity: %w", err)
		}
	}

	identities, err := age.ParseIdentities(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing identity: %w", err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("no identities found in %s", e.identityPath)
	}
	identity, ok := identities[0].(*age.X25519Identity)
	if !ok {
		return nil, fmt.Errorf("identity in %s is not an X25519 identity", e.identityPath)
	}

	e.identity = identity
	return identity, nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
