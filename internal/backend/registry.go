package backend

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Factory constructs a backend.
type Factory func() (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a backend available under name. Backend packages call it
// from init. Registering the same name twice panics.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if f == nil {
		panic("backend: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("backend: Register called twice for " + name)
	}
	registry[name] = f
}

// Has reports whether a backend is registered under name.
func Has(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return ok
}

// Available returns a comma-separated list of registered backends.
func Available() string {
	registryMu.RLock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	registryMu.RUnlock()
	slices.Sort(names)
	return strings.Join(names, ",")
}

// New constructs the named backend. Auto selects the CPU backend.
func New(name string) (Backend, error) {
	if !Initialized() {
		return nil, ErrNotInitialized
	}
	name, err := Normalize(name)
	if err != nil {
		return nil, err
	}
	if name == Auto {
		name = CPU
	}
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("backend %q is not available in this build", name)
	}
	return f()
}
