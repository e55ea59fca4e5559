// Package accounts keeps the catalog of enrolled Nostr identities: labels,
// watch-only flags, key types and the active selection. It persists to an
// INI file and notifies subscribers of every change.
package accounts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/ini.v1"

	"github.com/chebizarro/nostr-signer/crypto"
	"github.com/chebizarro/nostr-signer/crypto/keystore"
	"github.com/chebizarro/nostr-signer/executor"
	"github.com/chebizarro/nostr-signer/fileutil"
)

// Store errors.
var (
	ErrIO            = errors.New("accounts file I/O failed")
	ErrNotFound      = errors.New("account not found")
	ErrAlreadyExists = errors.New("account already exists")
	ErrInvalidInput  = errors.New("invalid account input")
)

const (
	keyActive    = "active"
	suffixLabel  = ".label"
	suffixWatch  = ".watch_only"
	suffixKeyTyp = ".key_type"
)

// Account is one enrolled identity.
type Account struct {
	// ID is the npub of the identity.
	ID        string
	Label     string
	HasSecret bool
	WatchOnly bool
	KeyType   crypto.KeyType
}

// Store is the accounts catalog. The zero value is not usable; call New.
type Store struct {
	path    string
	backend keystore.Backend
	pool    *executor.Pool
	logger  *slog.Logger

	mu       sync.Mutex
	accounts map[string]*Account
	order    []string
	active   string

	subsMu  sync.Mutex
	subs    map[int]func(Change)
	nextSub int
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithPool sets the worker pool used by SyncWithSecretsAsync.
func WithPool(p *executor.Pool) Option {
	return func(s *Store) { s.pool = p }
}

// New creates a Store persisted at path. Call Load before use.
func New(path string, backend keystore.Backend, opts ...Option) *Store {
	s := &Store{
		path:     path,
		backend:  backend,
		logger:   slog.Default(),
		accounts: make(map[string]*Account),
		subs:     make(map[int]func(Change)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pool == nil {
		s.pool = executor.NewPool(1)
	}
	return s
}

// Load replaces the in-memory catalog with the file contents.
// A missing file yields an empty catalog.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Lock()
		s.accounts = make(map[string]*Account)
		s.order = nil
		s.active = ""
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: failed to read %s: %v", ErrIO, s.path, err)
	}

	f, err := ini.Load(data)
	if err != nil {
		return fmt.Errorf("%w: failed to parse %s: %v", ErrIO, s.path, err)
	}
	sec := f.Section(ini.DefaultSection)

	accounts := make(map[string]*Account)
	var order []string
	get := func(id string) *Account {
		a, ok := accounts[id]
		if !ok {
			a = &Account{ID: id, KeyType: crypto.KeyTypeSecp256k1, HasSecret: true}
			accounts[id] = a
			order = append(order, id)
		}
		return a
	}

	for _, k := range sec.Keys() {
		name := k.Name()
		dot := strings.LastIndexByte(name, '.')
		if dot <= 0 {
			continue
		}
		id, field := name[:dot], name[dot:]
		if _, err := crypto.ParsePublicKey(id); err != nil {
			s.logger.Warn("skipping malformed account entry", "key", name)
			continue
		}
		switch field {
		case suffixLabel:
			get(id).Label = k.String()
		case suffixWatch:
			a := get(id)
			a.WatchOnly, _ = strconv.ParseBool(k.String())
			a.HasSecret = !a.WatchOnly
		case suffixKeyTyp:
			if v := k.String(); v != "" {
				get(id).KeyType = crypto.KeyType(v)
			}
		}
	}

	active := sec.Key(keyActive).String()
	if _, ok := accounts[active]; !ok {
		active = ""
	}

	s.mu.Lock()
	s.accounts = accounts
	s.order = order
	s.active = active
	s.mu.Unlock()

	s.logger.Debug("accounts loaded", "path", s.path, "count", len(order))
	return nil
}

// Save writes the catalog atomically.
func (s *Store) Save() error {
	s.mu.Lock()
	f := ini.Empty()
	sec := f.Section(ini.DefaultSection)
	if s.active != "" {
		sec.Key(keyActive).SetValue(s.active)
	}
	for _, id := range s.order {
		a := s.accounts[id]
		sec.Key(id + suffixLabel).SetValue(a.Label)
		sec.Key(id + suffixWatch).SetValue(strconv.FormatBool(a.WatchOnly))
		sec.Key(id + suffixKeyTyp).SetValue(string(a.KeyType))
	}
	s.mu.Unlock()

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return fmt.Errorf("%w: failed to encode accounts: %v", ErrIO, err)
	}
	if err := fileutil.AtomicWriteFile(s.path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// persist saves after a mutation. The in-memory state is kept even if the save fails.
func (s *Store) persist() error {
	if err := s.Save(); err != nil {
		s.logger.Error("failed to save accounts", "path", s.path, "error", err)
		return err
	}
	return nil
}

func normalizeID(id string) (string, error) {
	npub, err := crypto.NormalizePublicKey(id)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return npub, nil
}

// Add registers an identity whose secret is held in the backend.
func (s *Store) Add(id, label string) error {
	id, err := normalizeID(id)
	if err != nil {
		return err
	}
	hasSecret := s.backendHas(id)

	s.mu.Lock()
	if _, ok := s.accounts[id]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	s.insert(&Account{ID: id, Label: label, HasSecret: hasSecret, KeyType: crypto.KeyTypeSecp256k1})
	s.mu.Unlock()

	err = s.persist()
	s.emit(Change{Kind: Added, ID: id})
	return err
}

// insert must be called with mu held.
func (s *Store) insert(a *Account) {
	s.accounts[a.ID] = a
	s.order = append(s.order, a.ID)
}

// Remove deletes the catalog entry. Removing the active identity clears the
// active selection; no other account is chosen.
func (s *Store) Remove(id string) error {
	id, err := normalizeID(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.accounts[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.accounts, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	wasActive := s.active == id
	if wasActive {
		s.active = ""
	}
	s.mu.Unlock()

	err = s.persist()
	s.emit(Change{Kind: Removed, ID: id})
	if wasActive {
		s.emit(Change{Kind: ActiveChanged, ID: ""})
	}
	return err
}

// SetLabel changes the user label of id.
func (s *Store) SetLabel(id, label string) error {
	id, err := normalizeID(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	a, ok := s.accounts[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	a.Label = label
	s.mu.Unlock()

	err = s.persist()
	s.emit(Change{Kind: LabelChanged, ID: id})
	return err
}

// SetActive selects id as the active identity. An empty id clears the selection.
func (s *Store) SetActive(id string) error {
	if id != "" {
		var err error
		if id, err = normalizeID(id); err != nil {
			return err
		}
	}
	s.mu.Lock()
	if _, ok := s.accounts[id]; id != "" && !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	changed := s.active != id
	s.active = id
	s.mu.Unlock()

	if !changed {
		return nil
	}
	err := s.persist()
	s.emit(Change{Kind: ActiveChanged, ID: id})
	return err
}

// Active returns the active identity, if any.
func (s *Store) Active() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.active != ""
}

// SetKeyType changes the key type tag of id.
func (s *Store) SetKeyType(id string, t crypto.KeyType) error {
	id, err := normalizeID(id)
	if err != nil {
		return err
	}
	if t == "" {
		return fmt.Errorf("%w: empty key type", ErrInvalidInput)
	}
	s.mu.Lock()
	a, ok := s.accounts[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	a.KeyType = t
	s.mu.Unlock()
	return s.persist()
}

// KeyType returns the key type tag of id.
func (s *Store) KeyType(id string) (crypto.KeyType, error) {
	a, ok := s.Get(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a.KeyType, nil
}

// Get returns a copy of the account for id.
func (s *Store) Get(id string) (Account, bool) {
	id, err := normalizeID(id)
	if err != nil {
		return Account{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return Account{}, false
	}
	return *a, true
}

// DisplayName returns the label of id, or id itself when the label is empty.
func (s *Store) DisplayName(id string) string {
	if a, ok := s.Get(id); ok && a.Label != "" {
		return a.Label
	}
	return id
}

// List returns all accounts in enrollment order.
func (s *Store) List() []Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Account, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.accounts[id])
	}
	return out
}

// Count returns the number of accounts.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Exists reports whether id is enrolled.
func (s *Store) Exists(id string) bool {
	_, ok := s.Get(id)
	return ok
}

// Find returns the first account whose id or label contains query, case-insensitively.
func (s *Store) Find(query string) (Account, bool) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return Account{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		a := s.accounts[id]
		if strings.Contains(strings.ToLower(a.ID), q) || strings.Contains(strings.ToLower(a.Label), q) {
			return *a, true
		}
	}
	return Account{}, false
}

// IsWatchOnly reports whether id is enrolled without a private key.
func (s *Store) IsWatchOnly(id string) bool {
	a, ok := s.Get(id)
	return ok && a.WatchOnly
}

// ImportKey stores a secret given as nsec1 or hex and enrolls its identity.
// The backend label is label, or the npub when label is empty.
func (s *Store) ImportKey(secret, label string) (string, error) {
	sk, err := crypto.ParseSecret(secret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	defer sk.Zero()
	return s.importSecret(sk, label)
}

// ImportSecret enrolls an already parsed secret. The caller keeps ownership of sk.
func (s *Store) ImportSecret(sk *crypto.Secret, label string) (string, error) {
	return s.importSecret(sk, label)
}

// GenerateKey creates a new identity and stores its secret.
func (s *Store) GenerateKey(label string) (string, error) {
	sk, err := crypto.GenerateSecret()
	if err != nil {
		return "", err
	}
	defer sk.Zero()
	return s.importSecret(sk, label)
}

func (s *Store) importSecret(sk *crypto.Secret, label string) (string, error) {
	pk, err := sk.PublicKey()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	npub := pk.NPub()

	s.mu.Lock()
	existing, ok := s.accounts[npub]
	if ok && !existing.WatchOnly {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrAlreadyExists, npub)
	}
	s.mu.Unlock()

	backendLabel := label
	if backendLabel == "" {
		backendLabel = npub
	}
	if _, err := s.backend.StoreSecret(backendLabel, sk); err != nil {
		return "", err
	}

	s.mu.Lock()
	if a, ok := s.accounts[npub]; ok {
		a.WatchOnly = false
		a.HasSecret = true
		if label != "" {
			a.Label = label
		}
	} else {
		s.insert(&Account{ID: npub, Label: label, HasSecret: true, KeyType: crypto.KeyTypeSecp256k1})
	}
	s.mu.Unlock()

	s.logger.Info("identity imported", "npub", npub, "backend", s.backend.Name())
	err = s.persist()
	s.emit(Change{Kind: Added, ID: npub})
	return npub, err
}

// ImportPubkey enrolls a watch-only identity from npub or hex input.
func (s *Store) ImportPubkey(input, label string) (string, error) {
	npub, err := normalizeID(input)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	if _, ok := s.accounts[npub]; ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrAlreadyExists, npub)
	}
	s.insert(&Account{ID: npub, Label: label, WatchOnly: true, KeyType: crypto.KeyTypeSecp256k1})
	s.mu.Unlock()

	err = s.persist()
	s.emit(Change{Kind: Added, ID: npub})
	return npub, err
}

func (s *Store) backendHas(npub string) bool {
	records, err := s.backend.List()
	if err != nil {
		return false
	}
	for _, r := range records {
		if r.NPub == npub {
			return true
		}
	}
	return false
}

// SyncResult summarizes a reconciliation with the secret backend.
type SyncResult struct {
	// Added lists backend identities that were not tracked before.
	Added []string
	// Downgraded lists tracked identities whose secret is gone; they are now watch-only.
	Downgraded []string
}

// SyncWithSecrets reconciles the catalog with the backend: untracked backend
// identities are added and tracked identities without a secret become watch-only.
func (s *Store) SyncWithSecrets(ctx context.Context) (SyncResult, error) {
	if err := ctx.Err(); err != nil {
		return SyncResult{}, err
	}
	records, err := s.backend.List()
	return s.integrate(records, err)
}

// SyncWithSecretsAsync runs the backend enumeration on the worker pool and
// integrates the result when it completes. The channel receives one value.
func (s *Store) SyncWithSecretsAsync(ctx context.Context) <-chan executor.Result[SyncResult] {
	out := make(chan executor.Result[SyncResult], 1)
	if err := ctx.Err(); err != nil {
		out <- executor.Result[SyncResult]{Err: err}
		return out
	}
	enum := executor.Submit(ctx, s.pool, func(context.Context) ([]keystore.Record, error) {
		return s.backend.List()
	})
	go func() {
		r := <-enum
		if errors.Is(r.Err, context.Canceled) || errors.Is(r.Err, context.DeadlineExceeded) || errors.Is(r.Err, executor.ErrClosed) {
			out <- executor.Result[SyncResult]{Err: r.Err}
			return
		}
		res, err := s.integrate(r.Value, r.Err)
		out <- executor.Result[SyncResult]{Value: res, Err: err}
	}()
	return out
}

// integrate applies an enumeration. A failed enumeration is treated as an empty
// list for additions and never downgrades anything.
func (s *Store) integrate(records []keystore.Record, listErr error) (SyncResult, error) {
	if listErr != nil {
		s.logger.Warn("secret backend enumeration failed", "backend", s.backend.Name(), "error", listErr)
		return SyncResult{}, nil
	}

	present := make(map[string]keystore.Record, len(records))
	for _, r := range records {
		present[r.NPub] = r
	}

	var res SyncResult
	s.mu.Lock()
	for _, r := range records {
		if _, ok := s.accounts[r.NPub]; ok {
			continue
		}
		if _, err := crypto.ParsePublicKey(r.NPub); err != nil {
			continue
		}
		label := r.Label
		if label == r.NPub {
			label = ""
		}
		kt := r.KeyType
		if kt == "" {
			kt = crypto.KeyTypeSecp256k1
		}
		s.insert(&Account{ID: r.NPub, Label: label, HasSecret: true, KeyType: kt})
		res.Added = append(res.Added, r.NPub)
	}
	for _, id := range s.order {
		a := s.accounts[id]
		_, ok := present[id]
		switch {
		case ok && a.WatchOnly:
			a.WatchOnly = false
			a.HasSecret = true
		case !ok && !a.WatchOnly:
			a.WatchOnly = true
			a.HasSecret = false
			res.Downgraded = append(res.Downgraded, id)
		}
	}
	s.mu.Unlock()

	sort.Strings(res.Downgraded)
	var err error
	if len(res.Added) > 0 || len(res.Downgraded) > 0 {
		err = s.persist()
	}
	for _, id := range res.Added {
		s.emit(Change{Kind: Added, ID: id})
	}
	if len(res.Added) > 0 || len(res.Downgraded) > 0 {
		s.logger.Info("accounts synced with secret backend", "added", len(res.Added), "downgraded", len(res.Downgraded))
	}
	return res, err
}
