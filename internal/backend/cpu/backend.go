// Package cpu is the pure-Go reference compute backend.
//
// The forward pass is small: a token embedding, causal mixing
// with the hidden states cached for the row's sequences, RMS normalisation and
// a projection onto the vocabulary. It exercises the full decode protocol
// (multi-sequence rows, KV-cache capacity, per-row logits) without real model
// math.
package cpu

import (
	"fmt"

	"github.com/samcharles93/tokenloop/internal/backend"
	"github.com/samcharles93/tokenloop/internal/tensor"
)

// Tensor names understood by LoadWeights.
const (
	TensorEmbedding = "token_embd"
	TensorOutput    = "output"
	TensorBias      = "output_bias"
)

// maxContextLen bounds a single context so a bad option cannot exhaust memory.
const maxContextLen = 1 << 20

func init() {
	backend.Register(backend.CPU, func() (backend.Backend, error) { return New(), nil })
}

type Backend struct{}

func New() *Backend {
	return &Backend{}
}

func (b *Backend) Name() string {
	return backend.CPU
}

// Weights holds the reference model parameters.
type Weights struct {
	Vocab  int
	Hidden int

	Emb  tensor.Mat // [Vocab x Hidden]
	Out  tensor.Mat // [Hidden x Vocab]
	Bias []float32  // [Vocab]
	Mix  float32
}

func (w *Weights) VocabSize() int     { return w.Vocab }
func (w *Weights) EmbeddingSize() int { return w.Hidden }

// LoadWeights builds weights from spec, generating any tensor it does not
// carry from spec.Seed.
func (b *Backend) LoadWeights(spec backend.ModelSpec) (backend.Weights, error) {
	if spec.VocabSize <= 0 || spec.Hidden <= 0 {
		return nil, fmt.Errorf("cpu: invalid model shape vocab=%d hidden=%d", spec.VocabSize, spec.Hidden)
	}
	w := &Weights{
		Vocab:  spec.VocabSize,
		Hidden: spec.Hidden,
		Mix:    0.5,
	}

	var err error
	if w.Emb, err = matOrRand(spec, TensorEmbedding, spec.VocabSize, spec.Hidden, 11); err != nil {
		return nil, err
	}
	if w.Out, err = matOrRand(spec, TensorOutput, spec.Hidden, spec.VocabSize, 23); err != nil {
		return nil, err
	}
	w.Bias = make([]float32, spec.VocabSize)
	if bias, ok := spec.Tensors[TensorBias]; ok {
		if len(bias) != spec.VocabSize {
			return nil, fmt.Errorf("cpu: tensor %s has %d values, want %d", TensorBias, len(bias), spec.VocabSize)
		}
		copy(w.Bias, bias)
	}
	return w, nil
}

func matOrRand(spec backend.ModelSpec, name string, r, c int, salt int64) (tensor.Mat, error) {
	if data, ok := spec.Tensors[name]; ok {
		m, err := tensor.NewMatFromData(r, c, append([]float32(nil), data...))
		if err != nil {
			return tensor.Mat{}, fmt.Errorf("cpu: tensor %s: %w", name, err)
		}
		return m, nil
	}
	m := tensor.NewMat(r, c)
	tensor.FillRand(&m, spec.Seed+salt, 2)
	return m, nil
}

// NewContext allocates a KV cache of p.ContextLen cells.
func (b *Backend) NewContext(w backend.Weights, p backend.ContextParams) (backend.Context, error) {
	cw, ok := w.(*Weights)
	if !ok || cw == nil {
		return nil, fmt.Errorf("%w: weights were not loaded by the cpu backend", backend.ErrRejected)
	}
	if p.ContextLen == 0 {
		return nil, fmt.Errorf("%w: context length is zero", backend.ErrRejected)
	}
	if p.MaxSequences == 0 {
		return nil, fmt.Errorf("%w: max sequences is zero", backend.ErrRejected)
	}
	if p.ContextLen > maxContextLen {
		return nil, fmt.Errorf("%w: context length %d exceeds %d", backend.ErrAllocation, p.ContextLen, maxContextLen)
	}
	return newContext(cw, p), nil
}
