package batch

import (
	"errors"
	"testing"

	"github.com/samcharles93/tokenloop/internal/errs"
)

func TestNewStartsEmpty(t *testing.T) {
	t.Parallel()
	cases := []struct{ capacity, embd, seq int }{
		{1, 0, 1},
		{4, 0, 1},
		{512, 0, 4},
		{8, 16, 2},
	}
	for _, c := range cases {
		b, err := New(c.capacity, c.embd, c.seq)
		if err != nil {
			t.Fatalf("New(%d,%d,%d): %v", c.capacity, c.embd, c.seq, err)
		}
		if b.Len() != 0 {
			t.Fatalf("New(%d,%d,%d): length %d, want 0", c.capacity, c.embd, c.seq, b.Len())
		}
		if b.Cap() != c.capacity {
			t.Fatalf("capacity %d, want %d", b.Cap(), c.capacity)
		}
	}
}

func TestNewRejectsZeroCapacity(t *testing.T) {
	t.Parallel()
	cases := []struct{ capacity, embd, seq int }{
		{0, 0, 1},
		{4, 0, 0},
		{4, -1, 1},
		{-3, 0, 1},
	}
	for _, c := range cases {
		_, err := New(c.capacity, c.embd, c.seq)
		if !errors.Is(err, ErrInvalidCapacity) || !errors.Is(err, errs.ErrCapacity) {
			t.Fatalf("New(%d,%d,%d): expected capacity error, got %v", c.capacity, c.embd, c.seq, err)
		}
	}
}

func TestAppendUntilFull(t *testing.T) {
	t.Parallel()
	b, err := New(4, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	for pos := int32(0); pos < 3; pos++ {
		if err := b.Append(1, pos, 0, false); err != nil {
			t.Fatalf("append %d: %v", pos, err)
		}
	}
	if err := b.Append(2, 3, 0, true); err != nil {
		t.Fatalf("append last: %v", err)
	}
	if b.Len() != 4 {
		t.Fatalf("length %d, want 4", b.Len())
	}

	err = b.Append(3, 4, 0, true)
	if !errors.Is(err, ErrCapacityExceeded) || !errors.Is(err, errs.ErrCapacity) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if b.Len() != 4 {
		t.Fatalf("length changed to %d after failed append", b.Len())
	}
	if b.Tokens()[3] != 2 || b.Positions()[3] != 3 || !b.Logits()[3] {
		t.Fatalf("last row overwritten by failed append")
	}
	if b.OutputCount() != 1 {
		t.Fatalf("output count %d, want 1", b.OutputCount())
	}
}

func TestFailedAppendDoesNotMutate(t *testing.T) {
	t.Parallel()
	b, _ := New(2, 0, 2)
	_ = b.Append(7, 0, 0, false)
	_ = b.Append(8, 1, 0, false)

	before := append([]int32(nil), b.Tokens()...)
	for _, fn := range []func() error{
		func() error { return b.Append(9, 2, 0, true) },
		func() error { return b.AppendMulti(9, 2, []int32{0, 1}, true) },
	} {
		if err := fn(); !errors.Is(err, ErrCapacityExceeded) {
			t.Fatalf("expected ErrCapacityExceeded, got %v", err)
		}
	}
	for i, tok := range b.Tokens() {
		if tok != before[i] {
			t.Fatalf("token %d changed from %d to %d", i, before[i], tok)
		}
	}
}

func TestClearThenRefill(t *testing.T) {
	t.Parallel()
	b, _ := New(8, 0, 1)
	for n := 0; n <= b.Cap(); n++ {
		if err := b.Clear(); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < n; i++ {
			if err := b.Append(int32(i), int32(i), 0, i == n-1); err != nil {
				t.Fatalf("n=%d append %d: %v", n, i, err)
			}
		}
		if b.Len() != n {
			t.Fatalf("length %d, want %d", b.Len(), n)
		}
	}
}

func TestAppendMultiSequenceLimits(t *testing.T) {
	t.Parallel()
	b, _ := New(4, 0, 2)

	if err := b.AppendMulti(5, 0, []int32{0, 1}, false); err != nil {
		t.Fatal(err)
	}
	if err := b.AppendMulti(5, 1, []int32{0, 1, 2}, false); !errors.Is(err, ErrTooManySequences) {
		t.Fatalf("expected ErrTooManySequences, got %v", err)
	}
	if err := b.AppendMulti(5, 1, nil, false); !errors.Is(err, ErrNoSequence) {
		t.Fatalf("expected ErrNoSequence, got %v", err)
	}
	if b.Len() != 1 {
		t.Fatalf("length %d, want 1", b.Len())
	}
	if got := b.SeqIDCounts()[0]; got != 2 {
		t.Fatalf("seq id count %d, want 2", got)
	}
	ids := b.SeqIDs(0)
	if len(ids) != 2 || ids[0] != 0 || ids[1] != 1 {
		t.Fatalf("unexpected seq ids %v", ids)
	}
}

func TestAppendEmbedding(t *testing.T) {
	t.Parallel()
	tokens, _ := New(2, 0, 1)
	if err := tokens.AppendEmbedding([]float32{1}, 0, []int32{0}, true); !errors.Is(err, ErrEmbeddingSize) {
		t.Fatalf("expected ErrEmbeddingSize on token batch, got %v", err)
	}

	b, _ := New(2, 3, 1)
	if err := b.AppendEmbedding([]float32{1, 2}, 0, []int32{0}, true); !errors.Is(err, ErrEmbeddingSize) {
		t.Fatalf("expected ErrEmbeddingSize, got %v", err)
	}
	if err := b.AppendEmbedding([]float32{1, 2, 3}, 0, []int32{0}, true); err != nil {
		t.Fatal(err)
	}
	v, err := b.Borrow()
	if err != nil {
		t.Fatal(err)
	}
	defer v.Release()
	if v.Token(0) != NoToken {
		t.Fatalf("embedding row token %d, want NoToken", v.Token(0))
	}
	if e := v.Embedding(0); len(e) != 3 || e[2] != 3 {
		t.Fatalf("unexpected embedding %v", e)
	}
}

func TestSetLength(t *testing.T) {
	t.Parallel()
	b, _ := New(3, 0, 1)
	copy(b.Tokens(), []int32{4, 5, 6})
	copy(b.Positions(), []int32{0, 1, 2})
	for i := range 3 {
		b.SeqIDCounts()[i] = 1
	}
	if err := b.SetLength(3); err != nil {
		t.Fatal(err)
	}
	if b.Len() != 3 {
		t.Fatalf("length %d, want 3", b.Len())
	}
	if err := b.SetLength(4); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if b.Len() != 3 {
		t.Fatalf("length changed to %d", b.Len())
	}
	if err := b.SetLogits(2, true); err != nil {
		t.Fatal(err)
	}
	if err := b.SetLogits(3, true); !errors.Is(err, ErrRowOutOfRange) {
		t.Fatalf("expected ErrRowOutOfRange, got %v", err)
	}
}

func TestBorrowLocksMutation(t *testing.T) {
	t.Parallel()
	b, _ := New(4, 0, 1)
	_ = b.Append(1, 0, 0, false)
	_ = b.Append(2, 1, 0, true)

	v, err := b.Borrow()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Borrow(); !errors.Is(err, ErrBorrowed) {
		t.Fatalf("expected second borrow to fail, got %v", err)
	}
	if err := b.Append(3, 2, 0, false); !errors.Is(err, ErrBorrowed) {
		t.Fatalf("expected ErrBorrowed from Append, got %v", err)
	}
	if err := b.Clear(); !errors.Is(err, ErrBorrowed) {
		t.Fatalf("expected ErrBorrowed from Clear, got %v", err)
	}
	if err := b.Free(); !errors.Is(err, ErrBorrowed) {
		t.Fatalf("expected ErrBorrowed from Free, got %v", err)
	}

	if v.Len() != 2 || v.Token(1) != 2 || !v.WantsLogits(1) {
		t.Fatalf("view does not reflect batch rows")
	}
	if rows := v.OutputRows(); len(rows) != 1 || rows[0] != 1 {
		t.Fatalf("unexpected output rows %v", rows)
	}

	v.Release()
	v.Release()
	if err := b.Append(3, 2, 0, false); err != nil {
		t.Fatalf("append after release: %v", err)
	}
}

func TestFreeIsFinal(t *testing.T) {
	t.Parallel()
	b, _ := New(2, 0, 1)
	_ = b.Append(1, 0, 0, true)
	if err := b.Free(); err != nil {
		t.Fatal(err)
	}
	if err := b.Free(); err != nil {
		t.Fatalf("second Free: %v", err)
	}
	if err := b.Append(1, 1, 0, true); !errors.Is(err, ErrReleased) || !errors.Is(err, errs.ErrInvalidHandle) {
		t.Fatalf("expected ErrReleased, got %v", err)
	}
	if _, err := b.Borrow(); !errors.Is(err, ErrReleased) {
		t.Fatalf("expected ErrReleased from Borrow, got %v", err)
	}
	if b.Tokens() != nil || b.SeqIDs(0) != nil {
		t.Fatalf("columns still reachable after Free")
	}
}

func TestColumnWidths(t *testing.T) {
	t.Parallel()
	b, err := New(4, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	_ = b.Append(7, 0, 0, true)
	if len(b.Tokens()) != 4 || len(b.Positions()) != 4 || len(b.SeqIDCounts()) != 4 || len(b.Logits()) != 4 {
		t.Fatal("raw columns should span the full capacity")
	}
	if len(b.Embeddings()) != 0 {
		t.Fatalf("token batch has %d embedding values", len(b.Embeddings()))
	}
	v, err := b.Borrow()
	if err != nil {
		t.Fatal(err)
	}
	defer v.Release()
	if len(v.Tokens()) != 1 || len(v.Positions()) != 1 || v.Token(0) != 7 || !v.WantsLogits(0) {
		t.Fatal("view columns should cover only the active rows")
	}
}
