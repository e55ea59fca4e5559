// Package keystore stores Nostr private keys in platform-protected credential storage.
//
// Each secret is kept under a caller-chosen label within the signer's application
// namespace, together with metadata (npub, key type, creation time) that lets the
// signer enumerate identities without decrypting anything it does not need.
package keystore

import (
	"errors"
	"time"

	"github.com/chebizarro/nostr-signer/crypto"
)

// Backend errors. Callers compare with errors.Is.
var (
	ErrNotAvailable     = errors.New("secret backend not available")
	ErrNotFound         = errors.New("secret not found")
	ErrPermissionDenied = errors.New("permission denied by secret backend")
	ErrInvalidData      = errors.New("invalid secret data")
	ErrAlreadyExists    = errors.New("secret already exists")
	ErrBackend          = errors.New("secret backend error")
)

// Record describes one stored secret without exposing it.
type Record struct {
	// Label is the unique key of the record within the application namespace.
	Label string
	// NPub is the bech32 public key derived from the secret when it was stored.
	NPub string
	// KeyType is the curve tag, SECP256K1 unless stated otherwise.
	KeyType crypto.KeyType
	// CreatedAt is when the record was stored, UTC.
	CreatedAt time.Time
}

// Backend is a platform credential store holding labelled Nostr secrets.
type Backend interface {
	// Store saves a secret given as nsec1 or 64 hex characters under label.
	// It returns ErrAlreadyExists if the label is taken and ErrInvalidData for bad input.
	Store(label, secret string) (Record, error)
	// StoreSecret saves an already parsed secret under label. The caller keeps
	// ownership of secret and must Zero it.
	StoreSecret(label string, secret *crypto.Secret) (Record, error)
	// Retrieve loads the secret stored under label. The caller must Zero it.
	Retrieve(label string) (*crypto.Secret, error)
	// Delete removes the secret stored under label.
	Delete(label string) error
	// List enumerates records. Records without an npub attribute are skipped.
	List() ([]Record, error)
	// Exists reports whether label is present.
	Exists(label string) bool
	// Available reports whether the backend can store secrets.
	Available() bool
	// Name identifies the backend, e.g. "secret-service".
	Name() string
}
