package backend

import (
	"errors"
	"sync"
)

// ErrNotInitialized is returned when a backend is requested before Init.
var ErrNotInitialized = errors.New("backend: not initialized (call backend.Init)")

// InitOptions configures process-wide backend state.
type InitOptions struct {
	// NUMA requests NUMA-aware placement. The CPU backend records it only.
	NUMA bool
}

var (
	initMu   sync.Mutex
	initRefs int
	initOpts InitOptions
)

// Init prepares process-wide backend state. It is reference counted: every
// call must be paired with Shutdown, and only the first call applies opts.
func Init(opts InitOptions) {
	initMu.Lock()
	defer initMu.Unlock()
	if initRefs == 0 {
		initOpts = opts
	}
	initRefs++
}

// Shutdown releases one Init reference. Extra calls are no-ops.
func Shutdown() {
	initMu.Lock()
	defer initMu.Unlock()
	if initRefs == 0 {
		return
	}
	initRefs--
	if initRefs == 0 {
		initOpts = InitOptions{}
	}
}

// Initialized reports whether Init has been called without a matching Shutdown.
func Initialized() bool {
	initMu.Lock()
	defer initMu.Unlock()
	return initRefs > 0
}

// Options returns the options applied by the first Init.
func Options() InitOptions {
	initMu.Lock()
	defer initMu.Unlock()
	return initOpts
}
