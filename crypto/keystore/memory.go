package keystore

import (
	"github.com/99designs/keyring"
)

// BackendMemory names the in-process backend.
const BackendMemory = "memory"

func init() {
	RegisterBackend(BackendMemory, func() (Backend, error) { return NewMemoryBackend(), nil })
}

// NewMemoryBackend returns a Backend kept in process memory.
// It uses the same item encoding as the platform backends and is intended
// for tests and for running the signer without a desktop session.
// This is exported so it can be used by tests in other packages.
func NewMemoryBackend() *RingBackend {
	return NewRingBackend(BackendMemory, &copyingRing{ArrayKeyring: keyring.NewArrayKeyring(nil)})
}

// copyingRing isolates stored item data from callers, matching the value
// semantics of the platform keyrings so zeroing a returned item is safe.
type copyingRing struct {
	*keyring.ArrayKeyring
}

func (r *copyingRing) Get(key string) (keyring.Item, error) {
	item, err := r.ArrayKeyring.Get(key)
	if err != nil {
		return item, err
	}
	item.Data = append([]byte(nil), item.Data...)
	return item, nil
}

func (r *copyingRing) Set(item keyring.Item) error {
	item.Data = append([]byte(nil), item.Data...)
	return r.ArrayKeyring.Set(item)
}
