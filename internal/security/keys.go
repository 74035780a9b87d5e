package security

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// deriveKey stretches the device secret into a purpose-specific 32-byte key
// via HKDF-SHA256, so the pairing MAC key and the local-token signing key
// are cryptographically independent despite sharing one root secret.
func deriveKey(deviceSecret []byte, info string) ([]byte, error) {
	reader := hkdf.New(sha256.New, deviceSecret, nil, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}
