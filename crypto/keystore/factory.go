package keystore

import (
	"fmt"
	"runtime"
)

// Backend names.
const (
	BackendSecretService = "secret-service"
	BackendKeychain      = "keychain"
	BackendWinCred       = "wincred"
	BackendNoop          = "noop"
)

// DefaultBackendName returns the backend used when none is configured.
func DefaultBackendName() string {
	switch runtime.GOOS {
	case "darwin":
		return BackendKeychain
	case "windows":
		return BackendWinCred
	default:
		return BackendSecretService
	}
}

// NewBackend opens the named backend, or the platform default when name is empty.
func NewBackend(name string) (Backend, error) {
	if name == "" {
		name = DefaultBackendName()
	}
	factory, err := GetBackendFactory(name)
	if err != nil {
		return nil, fmt.Errorf("unsupported secret backend %q on %s: %w", name, runtime.GOOS, err)
	}
	return factory()
}
