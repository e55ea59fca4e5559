//go:build linux
// +build linux

package keystore

import (
	"fmt"
	"os"

	"github.com/99designs/keyring"
)

func init() {
	RegisterBackend(BackendSecretService, NewSecretServiceBackend)
}

// NewSecretServiceBackend opens the freedesktop secret service over the session bus.
// Uses NOSTR_SIGNER_COLLECTION if set, otherwise the user's "login" collection.
func NewSecretServiceBackend() (Backend, error) {
	collection := os.Getenv("NOSTR_SIGNER_COLLECTION")
	if collection == "" {
		collection = "login"
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:             ServiceName,
		AllowedBackends:         []keyring.BackendType{keyring.SecretServiceBackend},
		LibSecretCollectionName: collection,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open secret service: %w: %v", ErrNotAvailable, err)
	}

	return NewRingBackend(BackendSecretService, ring), nil
}
