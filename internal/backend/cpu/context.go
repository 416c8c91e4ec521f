package cpu

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/tokenloop/internal/backend"
	"github.com/samcharles93/tokenloop/internal/batch"
	"github.com/samcharles93/tokenloop/internal/tensor"
)

const rmsEps = 1e-5

// Context is a decode context over shared Weights.
type Context struct {
	w       *Weights
	kv      *kvCache
	maxSeq  int32
	closed  bool
	hidden  [][]float32 // normalised hidden state per batch row
	scratch []float32
	ctxVec  []float32

	logits []float32 // packed outputs, Vocab wide
	outIdx []int     // batch row -> output slot, -1 when none
}

func newContext(w *Weights, p backend.ContextParams) *Context {
	return &Context{
		w:       w,
		kv:      newKVCache(int(p.ContextLen), w.Hidden),
		maxSeq:  int32(p.MaxSequences),
		scratch: make([]float32, w.Hidden),
		ctxVec:  make([]float32, w.Hidden),
	}
}

// Decode implements backend.Context.
func (c *Context) Decode(v *batch.View, threads int) (status backend.Status) {
	if c.closed {
		return backend.StatusFailed
	}
	defer func() {
		if rec := recover(); rec != nil {
			status = backend.StatusFailed
		}
	}()

	n := v.Len()
	if n == 0 {
		return backend.StatusInvalidInput
	}
	if !c.validate(v) {
		return backend.StatusInvalidInput
	}
	if n > c.kv.free() {
		return backend.StatusContextFull
	}

	c.prepareOutputs(v)
	for len(c.hidden) < n {
		c.hidden = append(c.hidden, make([]float32, c.w.Hidden))
	}

	// Rows are processed in order so a later row of the same sequence sees the
	// cells written by earlier ones.
	for row := 0; row < n; row++ {
		c.embed(c.scratch, v, row)
		seqs := v.SeqIDs(row)
		pos := v.Position(row)
		if c.kv.context(c.ctxVec, pos, seqs) {
			for j := range c.scratch {
				c.scratch[j] += c.w.Mix * c.ctxVec[j]
			}
		}
		c.kv.store(pos, seqs, c.scratch)
		tensor.RMSNorm(c.hidden[row], c.scratch, nil, rmsEps)
	}

	if err := c.project(threads); err != nil {
		return backend.StatusFailed
	}
	return backend.StatusOK
}

func (c *Context) validate(v *batch.View) bool {
	embdSize := v.EmbeddingSize()
	for row := 0; row < v.Len(); row++ {
		tok := v.Token(row)
		if tok == batch.NoToken {
			if embdSize != c.w.Hidden || v.Embedding(row) == nil {
				return false
			}
		} else if tok < 0 || int(tok) >= c.w.Vocab {
			return false
		}
		if v.Position(row) < 0 {
			return false
		}
		seqs := v.SeqIDs(row)
		if len(seqs) == 0 {
			return false
		}
		for _, s := range seqs {
			if s < 0 || s >= c.maxSeq {
				return false
			}
		}
	}
	return true
}

func (c *Context) embed(dst []float32, v *batch.View, row int) {
	if tok := v.Token(row); tok != batch.NoToken {
		copy(dst, c.w.Emb.Row(int(tok)))
		return
	}
	copy(dst, v.Embedding(row))
}

func (c *Context) prepareOutputs(v *batch.View) {
	n := v.Len()
	c.outIdx = c.outIdx[:0]
	slots := 0
	for row := 0; row < n; row++ {
		if v.WantsLogits(row) {
			c.outIdx = append(c.outIdx, slots)
			slots++
		} else {
			c.outIdx = append(c.outIdx, -1)
		}
	}
	need := slots * c.w.Vocab
	if cap(c.logits) < need {
		c.logits = make([]float32, need)
	}
	c.logits = c.logits[:need]
}

// project computes logits for every output row, fanning rows out across
// threads workers. Rows write disjoint slices of c.logits.
func (c *Context) project(threads int) error {
	var g errgroup.Group
	g.SetLimit(max(threads, 1))
	for row, slot := range c.outIdx {
		if slot < 0 {
			continue
		}
		h := c.hidden[row]
		dst := c.logits[slot*c.w.Vocab : (slot+1)*c.w.Vocab]
		g.Go(func() (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("cpu: projection of row %d: %v", row, rec)
				}
			}()
			tensor.MatVecT(dst, &c.w.Out, h)
			tensor.Add(dst, c.w.Bias)
			return nil
		})
	}
	return g.Wait()
}

// Logits implements backend.Context.
func (c *Context) Logits(row int) []float32 {
	if row < 0 || row >= len(c.outIdx) || c.outIdx[row] < 0 {
		return nil
	}
	slot := c.outIdx[row]
	return c.logits[slot*c.w.Vocab : (slot+1)*c.w.Vocab]
}

func (c *Context) Clear() {
	c.kv.Clear()
	c.outIdx = c.outIdx[:0]
}

func (c *Context) SeqRemove(seq, p0, p1 int32)    { c.kv.SeqRemove(seq, p0, p1) }
func (c *Context) SeqCopy(src, dst, p0, p1 int32) { c.kv.SeqCopy(src, dst, p0, p1) }
func (c *Context) SeqPosMax(seq int32) int32      { return c.kv.SeqPosMax(seq) }
func (c *Context) UsedCells() int                 { return c.kv.UsedCells() }

// Close releases the cache. Further decodes fail.
func (c *Context) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.kv = newKVCache(0, 0)
	c.hidden, c.scratch, c.ctxVec, c.logits, c.outIdx = nil, nil, nil, nil, nil
	return nil
}
