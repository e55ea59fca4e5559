//go:build !linux
// +build !linux

package keystore

import "fmt"

// NewSecretServiceBackend opens the freedesktop secret service (stub for non-Linux platforms)
func NewSecretServiceBackend() (Backend, error) {
	return nil, fmt.Errorf("%w: secret-service backend is only available on Linux", ErrNotAvailable)
}
