// Package policy remembers per-application authorization decisions for each
// identity, with optional expiry. Expired entries are pruned lazily on lookup.
package policy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/ini.v1"

	"github.com/chebizarro/nostr-signer/fileutil"
)

var (
	ErrIO           = errors.New("policy file I/O failed")
	ErrInvalidInput = errors.New("invalid policy input")
)

const expiresSuffix = ".expires"

// escapeKey makes an app id safe to use as an INI key name. ini.v1 trims
// surrounding whitespace and reads a leading '#' or ';' as a comment, and the
// expiry suffix is reserved, so those bytes are percent-encoded along with '%'.
func escapeKey(appID string) string {
	lead := len(appID) - len(strings.TrimLeft(appID, " \t"))
	trail := len(strings.TrimRight(appID, " \t"))
	var b strings.Builder
	for i := 0; i < len(appID); i++ {
		c := appID[i]
		switch {
		case c == '%', i < lead, i >= trail, i == 0 && (c == '#' || c == ';'):
			fmt.Fprintf(&b, "%%%02X", c)
		default:
			b.WriteByte(c)
		}
	}
	out := b.String()
	if strings.HasSuffix(out, expiresSuffix) {
		out = strings.TrimSuffix(out, expiresSuffix) + "%2Eexpires"
	}
	return out
}

// unescapeKey reverses escapeKey. Hand-written names that are not valid
// escapes are returned unchanged.
func unescapeKey(name string) string {
	appID, err := url.PathUnescape(name)
	if err != nil {
		return name
	}
	return appID
}

// Entry is one remembered decision. ExpiresAt is Unix seconds; 0 means never.
type Entry struct {
	Identity  string
	AppID     string
	Allow     bool
	ExpiresAt int64
}

type key struct {
	identity string
	app      string
}

type value struct {
	allow     bool
	expiresAt int64
}

// Store holds the decisions in memory and persists them to an INI file.
type Store struct {
	path   string
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	entries map[key]value
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store persisted at path.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:    path,
		now:     time.Now,
		logger:  slog.Default(),
		entries: make(map[key]value),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) expired(v value) bool {
	return v.expiresAt != 0 && s.now().Unix() >= v.expiresAt
}

// Get returns the remembered decision for (appID, identity). An expired entry
// is removed and reported as absent.
func (s *Store) Get(appID, identity string) (allow, found bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{identity: identity, app: appID}
	v, ok := s.entries[k]
	if !ok {
		return false, false
	}
	if s.expired(v) {
		delete(s.entries, k)
		s.logger.Debug("policy entry expired", "app_id", appID, "identity", identity)
		return false, false
	}
	return v.allow, true
}

// Set remembers a decision forever.
func (s *Store) Set(appID, identity string, allow bool) error {
	return s.SetWithTTL(appID, identity, allow, 0)
}

// SetWithTTL remembers a decision for ttl, truncated to whole seconds.
// A zero ttl means forever.
func (s *Store) SetWithTTL(appID, identity string, allow bool, ttl time.Duration) error {
	if appID == "" || strings.ContainsAny(appID, "\n\r[]") {
		return fmt.Errorf("%w: bad app id %q", ErrInvalidInput, appID)
	}
	if ttl < 0 {
		return fmt.Errorf("%w: negative ttl", ErrInvalidInput)
	}
	var expires int64
	if secs := int64(ttl / time.Second); secs > 0 {
		expires = s.now().Unix() + secs
	}

	s.mu.Lock()
	s.entries[key{identity: identity, app: appID}] = value{allow: allow, expiresAt: expires}
	s.mu.Unlock()
	return nil
}

// Unset forgets the decision and reports whether one existed.
func (s *Store) Unset(appID, identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{identity: identity, app: appID}
	_, ok := s.entries[k]
	delete(s.entries, k)
	return ok
}

// List returns the entries that have not expired, sorted by identity then app.
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for k, v := range s.entries {
		if s.expired(v) {
			continue
		}
		out = append(out, Entry{Identity: k.identity, AppID: k.app, Allow: v.allow, ExpiresAt: v.expiresAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Identity != out[j].Identity {
			return out[i].Identity < out[j].Identity
		}
		return out[i].AppID < out[j].AppID
	})
	return out
}

// Sweep removes every expired entry and returns how many were dropped.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, v := range s.entries {
		if s.expired(v) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// SweepEvery runs Sweep on interval until ctx is done, saving when anything was removed.
func (s *Store) SweepEvery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Info("expired policy entries removed", "count", n)
				if err := s.Save(); err != nil {
					s.logger.Error("failed to save policy", "error", err)
				}
			}
		}
	}
}

func loadOptions() ini.LoadOptions {
	return ini.LoadOptions{
		KeyValueDelimiters:      "=",
		IgnoreInlineComment:     true,
		SkipUnrecognizableLines: true,
	}
}

// Load replaces the in-memory entries with the file contents. A missing file
// yields an empty store.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Lock()
		s.entries = make(map[key]value)
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: failed to read %s: %v", ErrIO, s.path, err)
	}
	f, err := ini.LoadSources(loadOptions(), data)
	if err != nil {
		return fmt.Errorf("%w: failed to parse %s: %v", ErrIO, s.path, err)
	}

	entries := make(map[key]value)
	for _, sec := range f.Sections() {
		identity := sec.Name()
		if identity == ini.DefaultSection || identity == "" {
			continue
		}
		for _, k := range sec.Keys() {
			name := k.Name()
			if strings.HasSuffix(name, expiresSuffix) {
				continue
			}
			appID := unescapeKey(name)
			allow, err := k.Bool()
			if err != nil {
				s.logger.Warn("skipping malformed policy entry", "identity", identity, "app_id", appID)
				continue
			}
			v := value{allow: allow}
			if ek, err := sec.GetKey(name + expiresSuffix); err == nil {
				if exp, err := strconv.ParseUint(ek.String(), 10, 63); err == nil {
					v.expiresAt = int64(exp)
				}
			}
			entries[key{identity: identity, app: appID}] = v
		}
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	return nil
}

// Save writes the entries atomically. Entries with an empty identity are skipped.
func (s *Store) Save() error {
	entries := s.List()

	f := ini.Empty(loadOptions())
	for _, e := range entries {
		if e.Identity == "" {
			continue
		}
		sec := f.Section(e.Identity)
		name := escapeKey(e.AppID)
		sec.Key(name).SetValue(strconv.FormatBool(e.Allow))
		if e.ExpiresAt != 0 {
			sec.Key(name + expiresSuffix).SetValue(strconv.FormatInt(e.ExpiresAt, 10))
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return fmt.Errorf("%w: failed to encode policy: %v", ErrIO, err)
	}
	if err := fileutil.AtomicWriteFile(s.path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}
