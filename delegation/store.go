package delegation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chebizarro/nostr-signer/crypto"
	"github.com/chebizarro/nostr-signer/fileutil"
)

// Store keeps one JSON array file per delegator under <data_dir>/delegations.
type Store struct {
	dir string
	now func() time.Time

	mu sync.Mutex
}

// NewStore creates a Store rooted at dataDir.
func NewStore(dataDir string) *Store {
	return &Store{dir: filepath.Join(dataDir, "delegations"), now: time.Now}
}

// Fingerprint is the 16 characters following "npub1" in the delegator's npub.
func Fingerprint(delegator string) (string, error) {
	npub, err := crypto.NormalizePublicKey(delegator)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPubkey, err)
	}
	return npub[len(crypto.PrefixNPub)+1 : len(crypto.PrefixNPub)+17], nil
}

func (s *Store) path(delegator string) (string, error) {
	fp, err := Fingerprint(delegator)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, fp+".json"), nil
}

// load must be called with mu held.
func (s *Store) load(delegator string) ([]Delegation, error) {
	p, err := s.path(delegator)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	var list []Delegation
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParse, p, err)
	}
	return list, nil
}

// write must be called with mu held.
func (s *Store) write(delegator string, list []Delegation) error {
	p, err := s.path(delegator)
	if err != nil {
		return err
	}
	if list == nil {
		list = []Delegation{}
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := fileutil.AtomicWriteFile(p, data, 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// List returns the delegator's delegations, optionally including revoked ones.
func (s *Store) List(delegator string, includeRevoked bool) ([]Delegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load(delegator)
	if err != nil {
		return nil, err
	}
	if includeRevoked {
		return list, nil
	}
	out := list[:0]
	for _, d := range list {
		if !d.Revoked {
			out = append(out, d)
		}
	}
	return out, nil
}

// Get returns the delegation with id.
func (s *Store) Get(delegator, id string) (Delegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load(delegator)
	if err != nil {
		return Delegation{}, err
	}
	for _, d := range list {
		if d.ID == id {
			return d, nil
		}
	}
	return Delegation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Save inserts d or replaces the entry with the same id.
func (s *Store) Save(delegator string, d Delegation) error {
	if d.ID == "" {
		return fmt.Errorf("%w: delegation has no id", ErrInvalidConditions)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load(delegator)
	if err != nil {
		return err
	}
	replaced := false
	for i := range list {
		if list[i].ID == d.ID {
			list[i] = d
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, d)
	}
	return s.write(delegator, list)
}

// Delete removes the delegation with id.
func (s *Store) Delete(delegator, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load(delegator)
	if err != nil {
		return err
	}
	for i := range list {
		if list[i].ID == id {
			return s.write(delegator, append(list[:i], list[i+1:]...))
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Revoke marks the delegation revoked as of now.
func (s *Store) Revoke(delegator, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load(delegator)
	if err != nil {
		return err
	}
	for i := range list {
		if list[i].ID == id {
			list[i].Revoked = true
			list[i].RevokedAt = s.now().Unix()
			return s.write(delegator, list)
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}
