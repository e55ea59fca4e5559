package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/99designs/keyring"

	"github.com/chebizarro/nostr-signer/crypto"
)

const (
	// ServiceName is the keyring service every record is filed under.
	ServiceName = "nostr-signer"
	// Application is the constant product identifier attached to each record.
	Application = "nostr-signer"
)

// itemMeta is serialized into the keyring item description.
type itemMeta struct {
	Application string `json:"application"`
	Label       string `json:"label"`
	NPub        string `json:"npub"`
	KeyType     string `json:"key_type"`
	CreatedAt   string `json:"created_at"`
}

// RingBackend implements Backend on top of a 99designs/keyring Keyring.
// The item key is the record label and the item data is the raw 32-byte scalar.
type RingBackend struct {
	ring keyring.Keyring
	name string
	// mu serializes the exists check and write in Store and Delete.
	mu  sync.Mutex
	now func() time.Time
}

// NewRingBackend wraps an opened keyring.
func NewRingBackend(name string, ring keyring.Keyring) *RingBackend {
	return &RingBackend{
		ring: ring,
		name: name,
		now:  time.Now,
	}
}

// Name returns the backend name.
func (b *RingBackend) Name() string {
	return b.name
}

// Available reports whether the keyring answers an enumeration.
func (b *RingBackend) Available() bool {
	_, err := b.ring.Keys()
	return err == nil
}

// Store parses secret, given as nsec1 or hex, and saves it under label.
func (b *RingBackend) Store(label, secret string) (Record, error) {
	if label == "" {
		return Record{}, fmt.Errorf("%w: empty label", ErrInvalidData)
	}
	s, err := crypto.ParseSecret(secret)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	defer s.Zero()
	return b.StoreSecret(label, s)
}

// StoreSecret saves s under label with npub, key type and creation time metadata.
func (b *RingBackend) StoreSecret(label string, s *crypto.Secret) (Record, error) {
	if label == "" {
		return Record{}, fmt.Errorf("%w: empty label", ErrInvalidData)
	}
	pk, err := s.PublicKey()
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	rec := Record{
		Label:     label,
		NPub:      pk.NPub(),
		KeyType:   crypto.KeyTypeSecp256k1,
		CreatedAt: b.now().UTC().Truncate(time.Second),
	}
	desc, err := json.Marshal(itemMeta{
		Application: Application,
		Label:       rec.Label,
		NPub:        rec.NPub,
		KeyType:     string(rec.KeyType),
		CreatedAt:   rec.CreatedAt.Format(time.RFC3339),
	})
	if err != nil {
		return Record{}, fmt.Errorf("failed to encode metadata: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.ring.Get(label); err == nil {
		return Record{}, fmt.Errorf("%w: %s", ErrAlreadyExists, label)
	} else if !errors.Is(err, keyring.ErrKeyNotFound) {
		return Record{}, b.wrap("failed to check keyring", err)
	}

	data, err := s.AppendRaw(make([]byte, 0, 32))
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	// Every keyring serializes or copies Data inside Set.
	defer crypto.Zeroize(data)
	err = b.ring.Set(keyring.Item{
		Key:         label,
		Data:        data,
		Label:       "Nostr key: " + label,
		Description: string(desc),
	})
	if err != nil {
		return Record{}, b.wrap("failed to store key in keyring", err)
	}
	return rec, nil
}

// Retrieve loads and validates the secret stored under label.
func (b *RingBackend) Retrieve(label string) (*crypto.Secret, error) {
	item, err := b.ring.Get(label)
	if err != nil {
		return nil, b.wrap("failed to get key from keyring", err)
	}
	defer crypto.Zeroize(item.Data)

	s, err := decodeItemData(item.Data)
	if err != nil {
		return nil, err
	}

	meta, ok := parseMeta(item.Description)
	if ok && meta.NPub != "" {
		pk, err := s.PublicKey()
		if err != nil || pk.NPub() != meta.NPub {
			s.Zero()
			return nil, fmt.Errorf("%w: stored secret does not match npub %s", ErrInvalidData, meta.NPub)
		}
	}
	return s, nil
}

// decodeItemData accepts the raw scalar, or nsec/hex text written by other tools.
func decodeItemData(data []byte) (*crypto.Secret, error) {
	var (
		s   *crypto.Secret
		err error
	)
	if len(data) == 32 {
		s, err = crypto.SecretFromBytes(data)
	} else {
		s, err = crypto.ParseSecret(string(data))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return s, nil
}

// Delete removes the record stored under label.
func (b *RingBackend) Delete(label string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.ring.Get(label); err != nil {
		return b.wrap("failed to get key from keyring", err)
	}
	if err := b.ring.Remove(label); err != nil {
		return b.wrap("failed to remove key from keyring", err)
	}
	return nil
}

// Exists reports whether label is present.
func (b *RingBackend) Exists(label string) bool {
	keys, err := b.ring.Keys()
	if err != nil {
		return false
	}
	for _, k := range keys {
		if k == label {
			return true
		}
	}
	return false
}

// List enumerates records belonging to this application, sorted by label.
// Records whose metadata lacks an npub are not surfaced.
func (b *RingBackend) List() ([]Record, error) {
	keys, err := b.ring.Keys()
	if err != nil {
		return nil, b.wrap("failed to list keys from keyring", err)
	}

	records := make([]Record, 0, len(keys))
	for _, key := range keys {
		item, err := b.ring.Get(key)
		if err != nil {
			continue
		}
		crypto.Zeroize(item.Data)

		meta, ok := parseMeta(item.Description)
		if !ok || meta.NPub == "" {
			continue
		}
		if meta.Application != "" && meta.Application != Application {
			continue
		}
		rec := Record{
			Label:   key,
			NPub:    meta.NPub,
			KeyType: crypto.KeyType(meta.KeyType),
		}
		if rec.KeyType == "" {
			rec.KeyType = crypto.KeyTypeSecp256k1
		}
		if t, err := time.Parse(time.RFC3339, meta.CreatedAt); err == nil {
			rec.CreatedAt = t
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Label < records[j].Label })
	return records, nil
}

func parseMeta(desc string) (itemMeta, bool) {
	var meta itemMeta
	if desc == "" {
		return meta, false
	}
	if err := json.Unmarshal([]byte(desc), &meta); err != nil {
		return meta, false
	}
	return meta, true
}

// wrap maps keyring errors onto the backend error set.
func (b *RingBackend) wrap(msg string, err error) error {
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("%s: %w", msg, ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %v", msg, ErrBackend, err)
}
