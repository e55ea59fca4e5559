//go:build darwin
// +build darwin

package keystore

import (
	"fmt"
	"os"

	"github.com/99designs/keyring"
)

func init() {
	RegisterBackend(BackendKeychain, NewKeychainBackend)
}

// NewKeychainBackend opens the macOS keychain. Each secret is a generic password
// item with the service set to ServiceName and the account set to the record label.
// Uses NOSTR_SIGNER_KEYCHAIN if set, otherwise the default login keychain.
func NewKeychainBackend() (Backend, error) {
	keychainName := os.Getenv("NOSTR_SIGNER_KEYCHAIN")

	ring, err := keyring.Open(keyring.Config{
		ServiceName:              ServiceName,
		AllowedBackends:          []keyring.BackendType{keyring.KeychainBackend},
		KeychainName:             keychainName, // Empty = default login keychain
		KeychainTrustApplication: true,
		// Login keychain is unlocked while the user is logged in, so the signer
		// does not prompt for a keychain password on every start.
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open keychain: %w: %v", ErrNotAvailable, err)
	}

	return NewRingBackend(BackendKeychain, ring), nil
}
