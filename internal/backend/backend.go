// Package backend defines the compute backend contract used by sessions and
// the process-wide backend lifecycle.
//
// A backend turns a ModelSpec into Weights, and Weights into per-session
// Contexts. A Context owns a KV cache and executes one decode at a time.
package backend

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/tokenloop/internal/batch"
)

const (
	CPU  = "cpu"
	Auto = "auto"
)

// Status is the result code of Context.Decode. Zero is success; every failure
// is negative.
type Status int32

const (
	StatusOK Status = 0
	// StatusContextFull means the KV cache cannot hold the batch. The context
	// is left unchanged.
	StatusContextFull Status = -1
	// StatusInvalidInput means a row referenced a token, sequence or embedding
	// the context cannot accept. The context is left unchanged.
	StatusInvalidInput Status = -2
	// StatusFailed is any other failure. The context state is undefined.
	StatusFailed Status = -3
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusContextFull:
		return "context full"
	case StatusInvalidInput:
		return "invalid input"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status %d", int32(s))
	}
}

var (
	// ErrRejected is returned by NewContext when the parameters are unusable.
	ErrRejected = errors.New("backend rejected context parameters")
	// ErrAllocation is returned by NewContext when storage cannot be obtained.
	ErrAllocation = errors.New("backend allocation failed")
)

// ModelSpec is what a model loader hands to a backend.
type ModelSpec struct {
	Name      string
	VocabSize int
	Hidden    int
	Seed      int64
	// Tensors holds explicit weights by name. Missing tensors are generated
	// deterministically from Seed.
	Tensors   map[string][]float32
	GPULayers uint16
}

// Weights is a loaded parameter set. It is read-only and shared by every
// context created from it.
type Weights interface {
	VocabSize() int
	EmbeddingSize() int
}

// ContextParams sizes a context.
type ContextParams struct {
	ContextLen   uint32
	MaxSequences uint32
}

// Backend executes models.
type Backend interface {
	Name() string
	LoadWeights(spec ModelSpec) (Weights, error)
	NewContext(w Weights, p ContextParams) (Context, error)
}

// Memory is the KV-cache surface of a context. Position ranges are half-open
// [p0, p1); a negative p0 means 0 and a negative p1 means no upper bound.
type Memory interface {
	Clear()
	SeqRemove(seq, p0, p1 int32)
	SeqCopy(src, dst, p0, p1 int32)
	// SeqPosMax returns the largest cached position of seq, or -1.
	SeqPosMax(seq int32) int32
	UsedCells() int
}

// Context is a per-session execution context. It is not safe for concurrent use.
type Context interface {
	Memory
	// Decode runs one forward pass over the view using up to threads workers.
	Decode(v *batch.View, threads int) Status
	// Logits returns the logits computed for a batch row by the last
	// successful Decode, or nil if that row did not request them. The slice is
	// overwritten by the next Decode.
	Logits(row int) []float32
	Close() error
}

// Normalize canonicalises a backend name.
func Normalize(name string) (string, error) {
	b := strings.ToLower(strings.TrimSpace(name))
	if b == "" {
		return Auto, nil
	}
	if b == Auto || Has(b) {
		return b, nil
	}
	return "", fmt.Errorf("unknown backend %q (available: auto,%s)", b, Available())
}
