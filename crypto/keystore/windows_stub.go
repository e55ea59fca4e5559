//go:build !windows
// +build !windows

package keystore

import "fmt"

// NewWinCredBackend opens the Windows Credential Manager (stub for non-Windows platforms)
func NewWinCredBackend() (Backend, error) {
	return nil, fmt.Errorf("%w: wincred backend is only available on Windows", ErrNotAvailable)
}
