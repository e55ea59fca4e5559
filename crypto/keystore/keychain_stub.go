//go:build !darwin
// +build !darwin

package keystore

import "fmt"

// NewKeychainBackend opens the macOS keychain (stub for non-macOS platforms)
func NewKeychainBackend() (Backend, error) {
	return nil, fmt.Errorf("%w: keychain backend is only available on macOS", ErrNotAvailable)
}
