// Package batch holds the row-parallel token table submitted to a decode call.
//
// A Batch is allocated once with fixed capacities and reused across decode
// steps. Rows carry a token (or an embedding), its position within its
// sequence, the sequence ids it belongs to and whether logits are wanted for
// it. The columns are plain slices so a backend can read them without copying
// through a borrowed View.
package batch

import (
	"sync/atomic"
)

// NoToken marks a row whose input is an embedding rather than a vocabulary id.
const NoToken int32 = -1

// Batch is a fixed-capacity table of pending rows.
//
// A Batch is not safe for concurrent mutation. While a View is outstanding
// every mutating method fails with ErrBorrowed.
type Batch struct {
	tokens    []int32
	positions []int32
	nSeqIDs   []int32
	seqIDs    []int32 // capacity x maxSeq, row-major
	embd      []float32
	logits    []bool

	n        int
	capacity int
	embdSize int
	maxSeq   int

	borrowed atomic.Bool
	freed    bool
}

// New allocates a batch able to hold tokenCapacity rows, each belonging to at
// most maxSequenceIDs sequences. embeddingSize is zero for token batches.
func New(tokenCapacity, embeddingSize, maxSequenceIDs int) (*Batch, error) {
	if tokenCapacity <= 0 || maxSequenceIDs <= 0 || embeddingSize < 0 {
		return nil, ErrInvalidCapacity
	}
	b := &Batch{
		tokens:    make([]int32, tokenCapacity),
		positions: make([]int32, tokenCapacity),
		nSeqIDs:   make([]int32, tokenCapacity),
		seqIDs:    make([]int32, tokenCapacity*maxSequenceIDs),
		logits:    make([]bool, tokenCapacity),
		capacity:  tokenCapacity,
		embdSize:  embeddingSize,
		maxSeq:    maxSequenceIDs,
	}
	if embeddingSize > 0 {
		b.embd = make([]float32, tokenCapacity*embeddingSize)
	}
	return b, nil
}

func (b *Batch) writable() error {
	if b.freed {
		return ErrReleased
	}
	if b.borrowed.Load() {
		return ErrBorrowed
	}
	return nil
}

// Len returns the number of active rows.
func (b *Batch) Len() int { return b.n }

// Cap returns the fixed row capacity.
func (b *Batch) Cap() int { return b.capacity }

// EmbeddingSize returns the width of an embedding row, zero for token batches.
func (b *Batch) EmbeddingSize() int { return b.embdSize }

// MaxSequenceIDs returns how many sequences a single row may belong to.
func (b *Batch) MaxSequenceIDs() int { return b.maxSeq }

// Clear drops all rows. Storage is kept and old row contents stay in place
// until overwritten.
func (b *Batch) Clear() error {
	if err := b.writable(); err != nil {
		return err
	}
	b.n = 0
	return nil
}

// Append writes a single-sequence token row.
func (b *Batch) Append(token, position, seqID int32, wantsLogits bool) error {
	if err := b.writable(); err != nil {
		return err
	}
	if b.n == b.capacity {
		return ErrCapacityExceeded
	}
	i := b.n
	b.tokens[i] = token
	b.positions[i] = position
	b.nSeqIDs[i] = 1
	b.seqIDs[i*b.maxSeq] = seqID
	b.logits[i] = wantsLogits
	b.n++
	return nil
}

// AppendMulti writes a token row shared by several sequences.
func (b *Batch) AppendMulti(token, position int32, seqIDs []int32, wantsLogits bool) error {
	if err := b.writable(); err != nil {
		return err
	}
	if err := b.checkRow(seqIDs); err != nil {
		return err
	}
	i := b.n
	b.tokens[i] = token
	b.positions[i] = position
	b.setSeqIDs(i, seqIDs)
	b.logits[i] = wantsLogits
	b.n++
	return nil
}

// AppendEmbedding writes an embedding row. The batch must have been created
// with a matching embedding size.
func (b *Batch) AppendEmbedding(embd []float32, position int32, seqIDs []int32, wantsLogits bool) error {
	if err := b.writable(); err != nil {
		return err
	}
	if b.embdSize == 0 || len(embd) != b.embdSize {
		return ErrEmbeddingSize
	}
	if err := b.checkRow(seqIDs); err != nil {
		return err
	}
	i := b.n
	b.tokens[i] = NoToken
	b.positions[i] = position
	copy(b.embd[i*b.embdSize:(i+1)*b.embdSize], embd)
	b.setSeqIDs(i, seqIDs)
	b.logits[i] = wantsLogits
	b.n++
	return nil
}

func (b *Batch) checkRow(seqIDs []int32) error {
	if b.n == b.capacity {
		return ErrCapacityExceeded
	}
	if len(seqIDs) == 0 {
		return ErrNoSequence
	}
	if len(seqIDs) > b.maxSeq {
		return ErrTooManySequences
	}
	return nil
}

func (b *Batch) setSeqIDs(row int, seqIDs []int32) {
	b.nSeqIDs[row] = int32(len(seqIDs))
	copy(b.seqIDs[row*b.maxSeq:], seqIDs)
}

// SetLength sets the number of active rows directly. Callers filling rows
// through the raw columns are responsible for every row below n.
func (b *Batch) SetLength(n int) error {
	if err := b.writable(); err != nil {
		return err
	}
	if n < 0 || n > b.capacity {
		return ErrCapacityExceeded
	}
	b.n = n
	return nil
}

// SetLogits changes the logits flag of an active row.
func (b *Batch) SetLogits(row int, want bool) error {
	if err := b.writable(); err != nil {
		return err
	}
	if row < 0 || row >= b.n {
		return ErrRowOutOfRange
	}
	b.logits[row] = want
	return nil
}

// OutputCount returns how many active rows want logits.
func (b *Batch) OutputCount() int {
	n := 0
	for _, want := range b.logits[:b.n] {
		if want {
			n++
		}
	}
	return n
}

// The raw column accessors below return slices that span the full capacity
// and alias the batch storage. They must not be written while a View is
// outstanding.

// Tokens returns the token column. Embedding rows hold NoToken.
func (b *Batch) Tokens() []int32 { return b.tokens }

// Positions returns the position column.
func (b *Batch) Positions() []int32 { return b.positions }

// SeqIDCounts returns how many sequence ids each row carries.
func (b *Batch) SeqIDCounts() []int32 { return b.nSeqIDs }

// Embeddings returns the embedding column, EmbeddingSize values per row. It
// is empty for token batches.
func (b *Batch) Embeddings() []float32 { return b.embd }

// Logits returns the per-row flags that request logits from a decode.
func (b *Batch) Logits() []bool { return b.logits }

// SeqIDs returns the full sequence-id slot of a row (MaxSequenceIDs wide).
// Only the first SeqIDCounts()[row] entries are meaningful.
func (b *Batch) SeqIDs(row int) []int32 {
	if b.freed || row < 0 || row >= b.capacity {
		return nil
	}
	return b.seqIDs[row*b.maxSeq : (row+1)*b.maxSeq]
}

// Borrow hands a read-only view of the active rows to a decode call. The batch
// stays locked against mutation until the view is released.
func (b *Batch) Borrow() (*View, error) {
	if b.freed {
		return nil, ErrReleased
	}
	if !b.borrowed.CompareAndSwap(false, true) {
		return nil, ErrBorrowed
	}
	return &View{b: b, n: b.n}, nil
}

// Free releases the column storage. It is safe to call more than once; any
// later use of the batch fails with ErrReleased.
func (b *Batch) Free() error {
	if b.freed {
		return nil
	}
	if b.borrowed.Load() {
		return ErrBorrowed
	}
	b.freed = true
	b.tokens, b.positions, b.nSeqIDs, b.seqIDs, b.embd, b.logits = nil, nil, nil, nil, nil, nil
	b.n = 0
	return nil
}
