// Package model holds loaded model weights and vocabulary.
//
// A Model is immutable after Open and may be shared by many sessions. It
// counts the sessions opened on it: Close while sessions are open marks the
// model closed and defers releasing the weights until the last session ends.
package model

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/samcharles93/tokenloop/internal/backend"
	"github.com/samcharles93/tokenloop/internal/errs"
	"github.com/samcharles93/tokenloop/internal/logger"
	"github.com/samcharles93/tokenloop/internal/modelfile"
	"github.com/samcharles93/tokenloop/internal/tokenizer"
)

type Model struct {
	name    string
	opts    Options
	log     logger.Logger
	vocab   *tokenizer.ByteLevel
	backend backend.Backend
	weights backend.Weights
	file    *modelfile.File

	// Shape of the weights, fixed at load and kept after release.
	vocabSize int
	embdSize  int

	mu       sync.Mutex
	sessions int
	closed   bool
	released bool
}

// Open loads the model file at path. The process-wide backend must have been
// initialised with backend.Init.
func Open(path string, opts Options) (*Model, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrEmptyPath
	}
	log := logger.OrNop(opts.Logger)

	f, warning, err := modelfile.Open(path, modelfile.Options{
		UseMmap:  opts.UseMmap,
		UseMlock: opts.UseMlock,
	})
	if err != nil {
		return nil, err
	}
	if warning != nil {
		log.Warn("could not lock model in memory", "path", path, "error", warning)
	}

	m, err := New(f.Model, opts)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	m.file = f
	m.log.Debug("model loaded", "path", path, "bytes", f.Size, "mapped", f.Mapped(), "locked", f.Locked())
	return m, nil
}

// New builds a model from already decoded file content.
func New(mf modelfile.Model, opts Options) (*Model, error) {
	log := logger.OrNop(opts.Logger).With("model", mf.Name)

	vocab, err := tokenizer.NewByteLevel(mf.Vocab)
	if err != nil {
		return nil, fmt.Errorf("%w: vocabulary: %w", errs.ErrLoad, err)
	}

	be, err := backend.New(opts.Backend)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrLoad, err)
	}
	if opts.GPULayers > 0 && be.Name() == backend.CPU {
		log.Warn("gpu layers requested but the cpu backend has no offload", "gpu_layers", opts.GPULayers)
	}

	w, err := be.LoadWeights(backend.ModelSpec{
		Name:      mf.Name,
		VocabSize: vocab.Size(),
		Hidden:    mf.Hidden,
		Seed:      mf.Seed,
		Tensors:   mf.Tensors,
		GPULayers: opts.GPULayers,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrLoad, err)
	}

	return &Model{
		name:    mf.Name,
		opts:    opts,
		log:     log,
		vocab:   vocab,
		backend: be,
		weights: w,

		vocabSize: w.VocabSize(),
		embdSize:  w.EmbeddingSize(),
	}, nil
}

func (m *Model) Name() string { return m.name }

// Options returns the options the model was opened with.
func (m *Model) Options() Options { return m.opts }

// Logger returns the model's logger.
func (m *Model) Logger() logger.Logger { return m.log }

// BackendName reports which compute backend holds the weights.
func (m *Model) BackendName() string { return m.backend.Name() }

// Vocabulary returns the model's token vocabulary.
func (m *Model) Vocabulary() tokenizer.Vocabulary { return m.vocab }

func (m *Model) VocabSize() int { return m.vocabSize }

// EmbeddingSize is the width of an embedding-mode batch row.
func (m *Model) EmbeddingSize() int { return m.embdSize }

func (m *Model) BOS() int32    { return m.vocab.Special().BOS }
func (m *Model) EOS() int32    { return m.vocab.Special().EOS }
func (m *Model) NL() int32     { return m.vocab.Special().NL }
func (m *Model) Prefix() int32 { return m.vocab.Special().Prefix }
func (m *Model) Middle() int32 { return m.vocab.Special().Middle }
func (m *Model) Suffix() int32 { return m.vocab.Special().Suffix }
func (m *Model) EOT() int32    { return m.vocab.Special().EOT }

func (m *Model) Tokenize(text string, addBOS, special bool) []int32 {
	return m.vocab.Tokenize(text, addBOS, special)
}

func (m *Model) Detokenize(token int32) string { return m.vocab.Detokenize(token) }

func (m *Model) DetokenizeAll(tokens []int32) string { return m.vocab.DetokenizeAll(tokens) }

func (m *Model) RequiresBOS() (required, known bool) { return m.vocab.RequiresBOS() }
func (m *Model) RequiresEOS() (required, known bool) { return m.vocab.RequiresEOS() }

// Acquire registers a new session on the model and returns what the session
// needs to build its context. The returned release func must be called
// exactly once when the session closes.
func (m *Model) Acquire() (backend.Backend, backend.Weights, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, nil, ErrClosed
	}
	m.sessions++
	var once sync.Once
	release := func() { once.Do(m.releaseSession) }
	return m.backend, m.weights, release, nil
}

func (m *Model) releaseSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions--
	if m.sessions == 0 && m.closed {
		if err := m.releaseLocked(); err != nil {
			m.log.Warn("release model", "error", err)
		}
	}
}

// Sessions reports how many sessions are open on the model.
func (m *Model) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions
}

// Closed reports whether Close has been called.
func (m *Model) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close marks the model closed. Weights are released now, or when the last
// open session closes. Calling Close again is a no-op.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.sessions > 0 {
		m.log.Debug("model close deferred", "sessions", m.sessions)
		return nil
	}
	return m.releaseLocked()
}

func (m *Model) releaseLocked() error {
	if m.released {
		return nil
	}
	m.released = true
	var errList []error
	if m.file != nil {
		if err := m.file.Close(); err != nil {
			errList = append(errList, fmt.Errorf("close model file: %w", err))
		}
		m.file = nil
	}
	m.weights = nil
	m.log.Debug("model released")
	return errors.Join(errList...)
}

// Released reports whether the weights have been dropped.
func (m *Model) Released() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}
