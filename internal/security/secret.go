// Package security owns the device secret, mints and validates local access
// tokens, and runs the pairing handshake.
package security

import (
	"crypto/rand"
	"encoding/base64"

	"deviceagent/internal/agenterr"
	"deviceagent/internal/config"
)

// deviceSecretLen is the minimum recommended size for a random device secret.
const deviceSecretLen = 32

// EnsureDeviceSecret loads the persisted device secret, generating and
// persisting one via a single Config transaction if absent.
func EnsureDeviceSecret(store config.Store) ([]byte, error) {
	settings, err := store.Load()
	if err != nil {
		return nil, agenterr.Wrap(agenterr.DomainBuffet, "", "load settings for device secret", err)
	}
	if settings.DeviceSecret != "" {
		secret, decErr := base64.StdEncoding.DecodeString(settings.DeviceSecret)
		if decErr != nil {
			return nil, agenterr.Wrap(agenterr.DomainBuffet, "", "decode persisted device secret", decErr)
		}
		return secret, nil
	}

	secret := make([]byte, deviceSecretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, agenterr.Wrap(agenterr.DomainBuffet, "", "generate device secret", err)
	}
	encoded := base64.StdEncoding.EncodeToString(secret)

	err = store.Update(func(s *config.Settings) error {
		s.DeviceSecret = encoded
		return nil
	})
	if err != nil {
		return nil, agenterr.Wrap(agenterr.DomainBuffet, "", "persist device secret", err)
	}
	return secret, nil
}
