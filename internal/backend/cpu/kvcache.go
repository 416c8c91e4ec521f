package cpu

import (
	"math"
	"slices"
)

// cell is one KV-cache slot: the hidden state of a token at a position,
// shared by one or more sequences.
type cell struct {
	pos    int32
	seqs   []int32
	hidden []float32
}

func (c *cell) has(seq int32) bool { return slices.Contains(c.seqs, seq) }

func (c *cell) hasAny(seqs []int32) bool {
	for _, s := range seqs {
		if c.has(s) {
			return true
		}
	}
	return false
}

// kvCache is a fixed-size pool of cells. Freed cells keep their hidden buffers
// for reuse.
type kvCache struct {
	cells  []cell
	used   []bool
	nUsed  int
	hidden int
}

func newKVCache(size, hidden int) *kvCache {
	return &kvCache{
		cells:  make([]cell, size),
		used:   make([]bool, size),
		hidden: hidden,
	}
}

func (kv *kvCache) free() int { return len(kv.cells) - kv.nUsed }

// store places a hidden state into a free cell. The caller has checked capacity.
func (kv *kvCache) store(pos int32, seqs []int32, hidden []float32) {
	for i := range kv.cells {
		if kv.used[i] {
			continue
		}
		c := &kv.cells[i]
		c.pos = pos
		c.seqs = append(c.seqs[:0], seqs...)
		if c.hidden == nil {
			c.hidden = make([]float32, kv.hidden)
		}
		copy(c.hidden, hidden)
		kv.used[i] = true
		kv.nUsed++
		return
	}
	panic("cpu: kv cache overflow")
}

// context accumulates the mean hidden state of cells visible to a row at pos
// belonging to any of seqs. It returns false when nothing is visible.
func (kv *kvCache) context(dst []float32, pos int32, seqs []int32) bool {
	clear(dst)
	n := 0
	for i := range kv.cells {
		if !kv.used[i] {
			continue
		}
		c := &kv.cells[i]
		if c.pos >= pos || !c.hasAny(seqs) {
			continue
		}
		for j, v := range c.hidden {
			dst[j] += v
		}
		n++
	}
	if n == 0 {
		return false
	}
	inv := 1 / float32(n)
	for j := range dst {
		dst[j] *= inv
	}
	return true
}

func (kv *kvCache) Clear() {
	for i := range kv.used {
		kv.used[i] = false
		kv.cells[i].seqs = kv.cells[i].seqs[:0]
	}
	kv.nUsed = 0
}

func posRange(p0, p1 int32) (int32, int32) {
	if p0 < 0 {
		p0 = 0
	}
	if p1 < 0 {
		p1 = math.MaxInt32
	}
	return p0, p1
}

func (kv *kvCache) SeqRemove(seq, p0, p1 int32) {
	p0, p1 = posRange(p0, p1)
	for i := range kv.cells {
		if !kv.used[i] {
			continue
		}
		c := &kv.cells[i]
		if c.pos < p0 || c.pos >= p1 {
			continue
		}
		if seq < 0 {
			c.seqs = c.seqs[:0]
		} else {
			c.seqs = slices.DeleteFunc(c.seqs, func(s int32) bool { return s == seq })
		}
		if len(c.seqs) == 0 {
			kv.used[i] = false
			kv.nUsed--
		}
	}
}

func (kv *kvCache) SeqCopy(src, dst, p0, p1 int32) {
	if src == dst {
		return
	}
	p0, p1 = posRange(p0, p1)
	for i := range kv.cells {
		if !kv.used[i] {
			continue
		}
		c := &kv.cells[i]
		if c.pos < p0 || c.pos >= p1 || !c.has(src) || c.has(dst) {
			continue
		}
		c.seqs = append(c.seqs, dst)
	}
}

func (kv *kvCache) SeqPosMax(seq int32) int32 {
	best := int32(-1)
	for i := range kv.cells {
		if kv.used[i] && kv.cells[i].has(seq) && kv.cells[i].pos > best {
			best = kv.cells[i].pos
		}
	}
	return best
}

func (kv *kvCache) UsedCells() int { return kv.nUsed }
