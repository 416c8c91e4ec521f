package batch

// View is a non-owning, read-only window over the active rows of a Batch. It
// lives for the duration of one decode call and must be released afterwards.
type View struct {
	b *Batch
	n int
}

func (v *View) batch() *Batch {
	if v.b == nil {
		panic("batch: view used after release")
	}
	return v.b
}

// Len returns the number of rows visible through the view.
func (v *View) Len() int { return v.n }

// EmbeddingSize mirrors the batch's embedding width.
func (v *View) EmbeddingSize() int { return v.batch().embdSize }

// Tokens returns the token column of the visible rows.
func (v *View) Tokens() []int32 { return v.batch().tokens[:v.n] }

// Positions returns the position column of the visible rows.
func (v *View) Positions() []int32 { return v.batch().positions[:v.n] }

// Token returns the token of a row, or NoToken for an embedding row.
func (v *View) Token(row int) int32 { return v.batch().tokens[v.check(row)] }

// Position returns the position of a row.
func (v *View) Position(row int) int32 { return v.batch().positions[v.check(row)] }

// WantsLogits reports whether a row requested logits.
func (v *View) WantsLogits(row int) bool {
	return v.batch().logits[v.check(row)]
}

// SeqIDs returns the sequence ids of a row. The slice aliases batch storage.
func (v *View) SeqIDs(row int) []int32 {
	b := v.batch()
	row = v.check(row)
	start := row * b.maxSeq
	return b.seqIDs[start : start+int(b.nSeqIDs[row])]
}

// Embedding returns the embedding of a row, or nil for token rows.
func (v *View) Embedding(row int) []float32 {
	b := v.batch()
	row = v.check(row)
	if b.embdSize == 0 || b.tokens[row] != NoToken {
		return nil
	}
	return b.embd[row*b.embdSize : (row+1)*b.embdSize]
}

// OutputRows returns the indices of rows that want logits, in row order.
func (v *View) OutputRows() []int {
	b := v.batch()
	var rows []int
	for i, want := range b.logits[:v.n] {
		if want {
			rows = append(rows, i)
		}
	}
	return rows
}

func (v *View) check(row int) int {
	if row < 0 || row >= v.n {
		panic("batch: view row out of range")
	}
	return row
}

// Release returns the batch to its owner. Calling it twice is a no-op.
func (v *View) Release() {
	if v.b == nil {
		return
	}
	v.b.borrowed.Store(false)
	v.b = nil
}
