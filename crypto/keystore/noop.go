package keystore

import "github.com/chebizarro/nostr-signer/crypto"

func init() {
	RegisterBackend(BackendNoop, func() (Backend, error) { return NoopBackend{}, nil })
}

// NoopBackend is the fallback used when no platform store can be opened.
// Every mutating call fails with ErrNotAvailable.
type NoopBackend struct{}

func (NoopBackend) Store(string, string) (Record, error) { return Record{}, ErrNotAvailable }

func (NoopBackend) StoreSecret(string, *crypto.Secret) (Record, error) {
	return Record{}, ErrNotAvailable
}

func (NoopBackend) Retrieve(string) (*crypto.Secret, error) { return nil, ErrNotAvailable }

func (NoopBackend) Delete(string) error { return ErrNotAvailable }

func (NoopBackend) List() ([]Record, error) { return nil, nil }

func (NoopBackend) Exists(string) bool { return false }

func (NoopBackend) Available() bool { return false }

func (NoopBackend) Name() string { return BackendNoop }
