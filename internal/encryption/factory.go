package encryption

import (
	"fmt"

	"pimstore/internal/config"
	"pimstore/internal/pim"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration type.
// Type "none" (or empty) returns a nil Encryptor: external payloads are
// stored unencrypted. passphrase protects the age identity file and may be empty.
func NewEncryptorFromConfig(cfg config.EncryptionConfig, passphrase string) (pim.Encryptor, error) {
	switch cfg.Type {
	case "none", "":
		return nil, nil
	case "age":
		if cfg.IdentityPath == "" {
			return nil, fmt.Errorf("age encryption requires identity_path to be set")
		}
		return NewAgeEncryptor(cfg.IdentityPath, passphrase), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
