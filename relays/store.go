// Package relays manages the user's relay lists and publishes signed events
// to their write relays.
package relays

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/chebizarro/nostr-signer/crypto"
	"github.com/chebizarro/nostr-signer/fileutil"
)

var (
	ErrIO         = errors.New("relay list I/O failed")
	ErrParse      = errors.New("relay list is malformed")
	ErrInvalidURL = errors.New("invalid relay url")
)

// Relay is one entry of a relay list. Read and Write default to true.
type Relay struct {
	URL   string `json:"url"`
	Read  bool   `json:"read"`
	Write bool   `json:"write"`
}

// UnmarshalJSON applies the read/write defaults for absent fields.
func (r *Relay) UnmarshalJSON(data []byte) error {
	var raw struct {
		URL   string `json:"url"`
		Read  *bool  `json:"read"`
		Write *bool  `json:"write"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.URL = raw.URL
	r.Read = raw.Read == nil || *raw.Read
	r.Write = raw.Write == nil || *raw.Write
	return nil
}

// NormalizeURL checks that u is a ws or wss URL and strips a trailing slash.
func NormalizeURL(u string) (string, error) {
	u = strings.TrimSpace(u)
	parsed, err := url.Parse(u)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" || parsed.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, u)
	}
	return strings.TrimRight(u, "/"), nil
}

// Store reads relays.json and the per-identity files under relays/.
type Store struct {
	dir    string
	logger *slog.Logger

	mu sync.Mutex
}

// NewStore creates a Store rooted at configDir.
func NewStore(configDir string) *Store {
	return &Store{dir: configDir, logger: slog.Default()}
}

func (s *Store) globalPath() string {
	return filepath.Join(s.dir, "relays.json")
}

func (s *Store) path(identity string) (string, error) {
	if identity == "" {
		return s.globalPath(), nil
	}
	npub, err := crypto.NormalizePublicKey(identity)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, "relays", npub+".json"), nil
}

func readList(path string) ([]Relay, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrIO, err)
	}
	var list []Relay
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrParse, path, err)
	}
	return list, true, nil
}

// Load returns the identity's relay list, falling back to the global list.
// An empty identity loads the global list.
func (s *Store) Load(identity string) ([]Relay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if identity != "" {
		p, err := s.path(identity)
		if err != nil {
			return nil, err
		}
		list, ok, err := readList(p)
		if err != nil || ok {
			return list, err
		}
	}
	list, _, err := readList(s.globalPath())
	return list, err
}

// Save writes the identity's list, or the global list for an empty identity.
func (s *Store) Save(identity string, list []Relay) error {
	for i := range list {
		u, err := NormalizeURL(list[i].URL)
		if err != nil {
			return err
		}
		list[i].URL = u
	}
	p, err := s.path(identity)
	if err != nil {
		return err
	}
	if list == nil {
		list = []Relay{}
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := fileutil.AtomicWriteFile(p, data, 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// WriteURLs returns the write relay URLs for identity.
func (s *Store) WriteURLs(identity string) ([]string, error) {
	list, err := s.Load(identity)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, r := range list {
		if r.Write {
			out = append(out, r.URL)
		}
	}
	return out, nil
}

// JSON returns the identity's relay list as a JSON array.
func (s *Store) JSON(identity string) (string, error) {
	list, err := s.Load(identity)
	if err != nil {
		return "", err
	}
	if list == nil {
		list = []Relay{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Watch calls onChange whenever a relay list file is written, created,
// renamed or removed, until ctx is done. The argument is the npub whose list
// changed, or "" for the global list.
func (s *Store) Watch(ctx context.Context, onChange func(identity string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	perIdentity := filepath.Join(s.dir, "relays")
	if err := os.MkdirAll(perIdentity, 0o700); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	// watch directories: atomic saves replace the files
	for _, d := range []string{s.dir, perIdentity} {
		if err := w.Add(d); err != nil {
			return fmt.Errorf("failed to watch %s: %w", d, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			identity, ok := s.identityOf(ev.Name)
			if !ok {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				s.logger.Debug("relay list changed", "path", ev.Name, "op", ev.Op.String())
				onChange(identity)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("relay watcher error", "error", err)
		}
	}
}

// identityOf maps a watched path to the identity whose list it holds.
func (s *Store) identityOf(name string) (string, bool) {
	if name == s.globalPath() {
		return "", true
	}
	if filepath.Dir(name) != filepath.Join(s.dir, "relays") || !strings.HasSuffix(name, ".json") {
		return "", false
	}
	return strings.TrimSuffix(filepath.Base(name), ".json"), true
}
