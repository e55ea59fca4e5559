// Package secretstore wraps a secret backend with the signing primitives.
//
// Raw key bytes never leave this package: callers get signed events or
// signatures, and every decrypted secret is wiped before the call returns.
package secretstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chebizarro/nostr-signer/crypto"
	"github.com/chebizarro/nostr-signer/crypto/keystore"
)

// Errors returned by the store. Backend errors are passed through unchanged.
var (
	ErrNotFound     = keystore.ErrNotFound
	ErrNotAvailable = keystore.ErrNotAvailable
	ErrInvalidData  = keystore.ErrInvalidData
	ErrBackend      = keystore.ErrBackend
	ErrInvalidEvent = crypto.ErrInvalidEvent
	ErrSignFailed   = errors.New("signing failed")
)

// WatchOnlyChecker reports identities that have no private key.
// *accounts.Store satisfies it.
type WatchOnlyChecker interface {
	IsWatchOnly(id string) bool
}

// Store signs on behalf of identities held in a keystore.Backend.
type Store struct {
	backend   keystore.Backend
	watchOnly WatchOnlyChecker
	logger    *slog.Logger

	mu     sync.Mutex
	labels map[string]string // npub -> backend label
	locks  map[string]*sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithWatchOnly makes signing for watch-only identities fail before the backend is touched.
func WithWatchOnly(c WatchOnlyChecker) Option {
	return func(s *Store) { s.watchOnly = c }
}

// New creates a Store over backend.
func New(backend keystore.Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		logger:  slog.Default(),
		labels:  make(map[string]string),
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store saves secret, given as nsec1 or hex, under label and returns the resulting record.
func (s *Store) Store(label, secret string) (keystore.Record, error) {
	return s.remember(s.backend.Store(label, secret))
}

// StoreSecret saves an already parsed secret under label. The caller keeps ownership of secret.
func (s *Store) StoreSecret(label string, secret *crypto.Secret) (keystore.Record, error) {
	return s.remember(s.backend.StoreSecret(label, secret))
}

func (s *Store) remember(rec keystore.Record, err error) (keystore.Record, error) {
	if err != nil {
		return keystore.Record{}, err
	}
	s.mu.Lock()
	s.labels[rec.NPub] = rec.Label
	s.mu.Unlock()
	return rec, nil
}

// Retrieve loads the secret for npub. The caller must Zero it.
func (s *Store) Retrieve(npub string) (*crypto.Secret, error) {
	npub, err := s.identity(npub)
	if err != nil {
		return nil, err
	}
	return s.retrieve(npub)
}

// HasSecret reports whether the backend holds a secret for npub.
func (s *Store) HasSecret(npub string) bool {
	npub, err := crypto.NormalizePublicKey(npub)
	if err != nil {
		return false
	}
	_, err = s.resolve(npub, false)
	return err == nil
}

// Clear deletes the secret for npub from the backend.
func (s *Store) Clear(npub string) error {
	npub, err := crypto.NormalizePublicKey(npub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	lock := s.lockFor(npub)
	lock.Lock()
	defer lock.Unlock()

	label, err := s.resolve(npub, false)
	if err != nil {
		return err
	}
	if err := s.backend.Delete(label); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.labels, npub)
	s.mu.Unlock()
	s.logger.Info("secret cleared", "npub", npub, "backend", s.backend.Name())
	return nil
}

// SignEvent signs an unsigned event JSON object as npub and returns the
// signed event as minimal JSON with id and sig set.
func (s *Store) SignEvent(ctx context.Context, eventJSON, npub string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	npub, err := s.identity(npub)
	if err != nil {
		return "", err
	}
	ev, err := crypto.ParseEvent(eventJSON)
	if err != nil {
		return "", err
	}

	lock := s.lockFor(npub)
	lock.Lock()
	defer lock.Unlock()

	secret, err := s.retrieve(npub)
	if err != nil {
		return "", err
	}
	defer secret.Zero()

	if err := ev.Sign(secret); err != nil {
		if errors.Is(err, crypto.ErrInvalidEvent) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrSignFailed, err)
	}
	return ev.JSON(), nil
}

// SignBytes returns a 64-byte schnorr signature by npub over a 32-byte digest.
func (s *Store) SignBytes(ctx context.Context, digest []byte, npub string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(digest) != 32 {
		return nil, fmt.Errorf("%w: digest must be 32 bytes, got %d", ErrSignFailed, len(digest))
	}
	npub, err := s.identity(npub)
	if err != nil {
		return nil, err
	}

	lock := s.lockFor(npub)
	lock.Lock()
	defer lock.Unlock()

	secret, err := s.retrieve(npub)
	if err != nil {
		return nil, err
	}
	defer secret.Zero()

	sig, err := secret.SignDigest(digest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignFailed, err)
	}
	return sig, nil
}

// PublicKey derives the public key for npub from the stored secret,
// confirming the secret is present and intact.
func (s *Store) PublicKey(npub string) (crypto.PublicKey, error) {
	secret, err := s.Retrieve(npub)
	if err != nil {
		return crypto.PublicKey{}, err
	}
	defer secret.Zero()
	return secret.PublicKey()
}

// identity normalizes npub and rejects watch-only identities.
func (s *Store) identity(npub string) (string, error) {
	norm, err := crypto.NormalizePublicKey(npub)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	s.mu.Lock()
	checker := s.watchOnly
	s.mu.Unlock()
	if checker != nil && checker.IsWatchOnly(norm) {
		return "", fmt.Errorf("%w: %s is watch-only", ErrNotFound, norm)
	}
	return norm, nil
}

func (s *Store) retrieve(npub string) (*crypto.Secret, error) {
	label, err := s.resolve(npub, false)
	if err != nil {
		return nil, err
	}
	secret, err := s.backend.Retrieve(label)
	if errors.Is(err, keystore.ErrNotFound) {
		// The cached label may be stale; enumerate once more.
		if label, err = s.resolve(npub, true); err != nil {
			return nil, err
		}
		secret, err = s.backend.Retrieve(label)
	}
	if err != nil {
		return nil, err
	}
	return secret, nil
}

// resolve maps npub to a backend label, enumerating the backend on a cache miss.
func (s *Store) resolve(npub string, refresh bool) (string, error) {
	s.mu.Lock()
	label, ok := s.labels[npub]
	s.mu.Unlock()
	if ok && !refresh {
		return label, nil
	}

	records, err := s.backend.List()
	if err != nil {
		return "", err
	}
	fresh := make(map[string]string, len(records))
	for _, rec := range records {
		if _, dup := fresh[rec.NPub]; !dup {
			fresh[rec.NPub] = rec.Label
		}
	}

	s.mu.Lock()
	s.labels = fresh
	s.mu.Unlock()

	label, ok = fresh[npub]
	if !ok {
		return "", fmt.Errorf("%w: no secret for %s", ErrNotFound, npub)
	}
	return label, nil
}

func (s *Store) lockFor(npub string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[npub]
	if !ok {
		l = &sync.Mutex{}
		s.locks[npub] = l
	}
	return l
}
