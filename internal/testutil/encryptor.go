package testutil

import (
	"pimstore/internal/encryption"
	"pimstore/internal/pim"
)

// NewTestEncryptor creates a deterministic encryptor for payload tests.
func NewTestEncryptor() pim.Encryptor {
	return encryption.NewTestEncryptor()
}
