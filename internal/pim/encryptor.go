package pim

import "io"

// Encryptor encrypts externalized payloads at rest.
type Encryptor interface {
	// Setup performs one-time key generation. It is a no-op when keys exist.
	Setup() error

	// Encrypt encrypts data read from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Decrypt decrypts data read from r and writes plaintext to w.
	Decrypt(r io.Reader, w io.Writer) error

	// IsConfigured returns true if the key material exists.
	IsConfigured() bool
}
