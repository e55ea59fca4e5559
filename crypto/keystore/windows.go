//go:build windows
// +build windows

package keystore

import (
	"fmt"

	"github.com/99designs/keyring"
)

func init() {
	RegisterBackend(BackendWinCred, NewWinCredBackend)
}

// NewWinCredBackend opens the Windows Credential Manager.
func NewWinCredBackend() (Backend, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName:     ServiceName,
		AllowedBackends: []keyring.BackendType{keyring.WinCredBackend},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w: %v", ErrNotAvailable, err)
	}

	return NewRingBackend(BackendWinCred, ring), nil
}
