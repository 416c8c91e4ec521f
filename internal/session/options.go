package session

import (
	"runtime"

	"github.com/samcharles93/tokenloop/internal/logger"
	"github.com/samcharles93/tokenloop/internal/model"
)

// Options sizes a session.
type Options struct {
	// ContextLen is the KV-cache capacity in tokens. Required.
	ContextLen uint32
	// MaxSequences bounds the sequence ids a batch may use. Zero means 1.
	MaxSequences uint32
	// Threads is the decode worker count. Zero means runtime.NumCPU.
	Threads int
	Logger  logger.Logger
}

// DefaultOptions returns options with the given context length and defaults
// for everything else.
func DefaultOptions(contextLen uint32) Options {
	return Options{ContextLen: contextLen, MaxSequences: 1, Threads: runtime.NumCPU()}
}

func (o Options) WithMaxSequences(n uint32) Options {
	o.MaxSequences = n
	return o
}

func (o Options) WithThreads(n int) Options {
	o.Threads = n
	return o
}

// WithModel opens a session on m with these options.
func (o Options) WithModel(m *model.Model) (*Session, error) {
	return Open(m, o)
}

func (o Options) normalize() Options {
	if o.MaxSequences == 0 {
		o.MaxSequences = 1
	}
	if o.Threads <= 0 {
		o.Threads = runtime.NumCPU()
	}
	return o
}
