package keystore

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownBackend is returned for a backend name nothing registered.
var ErrUnknownBackend = errors.New("unknown secret backend")

// BackendFactory opens a Backend. It is called each time NewBackend is asked
// for its name, so it must not assume it runs once.
type BackendFactory func() (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]BackendFactory)
)

// RegisterBackend makes a backend selectable by name in the configuration
// ("backend:" or NOSTR_SIGNER_BACKEND). Platform files call it from init
// behind build tags, so only backends the binary can open are listed.
// It panics if name is empty, factory is nil or name is already taken.
func RegisterBackend(name string, factory BackendFactory) {
	if name == "" || factory == nil {
		panic("keystore: RegisterBackend needs a name and a factory")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("keystore: RegisterBackend called twice for " + name)
	}
	registry[name] = factory
}

// GetBackendFactory returns the factory registered under name. The error
// wraps ErrUnknownBackend and names the backends that are available.
func GetBackendFactory(name string) (BackendFactory, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnknownBackend, name, strings.Join(ListRegisteredBackends(), ", "))
	}
	return factory, nil
}

// ListRegisteredBackends returns the selectable backend names, sorted.
func ListRegisteredBackends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
