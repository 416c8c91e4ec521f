package session

import (
	"errors"
	"os"
	"slices"
	"sync"
	"testing"

	"github.com/samcharles93/tokenloop/internal/backend"
	_ "github.com/samcharles93/tokenloop/internal/backend/cpu"
	"github.com/samcharles93/tokenloop/internal/batch"
	"github.com/samcharles93/tokenloop/internal/errs"
	"github.com/samcharles93/tokenloop/internal/model"
	"github.com/samcharles93/tokenloop/internal/modelfile"
	"github.com/samcharles93/tokenloop/internal/tokenizer"
)

func TestMain(m *testing.M) {
	backend.Init(backend.InitOptions{})
	code := m.Run()
	backend.Shutdown()
	os.Exit(code)
}

func newModel(t *testing.T) *model.Model {
	t.Helper()
	m, err := model.New(modelfile.Model{
		Name:   "test",
		Hidden: 8,
		Seed:   7,
		Vocab: tokenizer.ByteLevelConfig{
			Specials: []tokenizer.SpecialToken{{Text: "<eos>", Role: tokenizer.RoleEOS}},
		},
	}, model.DefaultOptions())
	if err != nil {
		t.Fatalf("model.New: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func newSession(t *testing.T, opts Options) *Session {
	t.Helper()
	s, err := Open(newModel(t), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newBatch(t *testing.T, capacity, maxSeq int) *batch.Batch {
	t.Helper()
	b, err := batch.New(capacity, 0, maxSeq)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Free() })
	return b
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()
	m := newModel(t)
	cases := []struct {
		name  string
		opts  Options
		cause error
	}{
		{"zero context", Options{}, ErrRejected},
		{"huge context", DefaultOptions(1 << 30), ErrAllocation},
	}
	for _, tc := range cases {
		s, err := Open(m, tc.opts)
		if s != nil {
			t.Fatalf("%s: got a session", tc.name)
		}
		if !errors.Is(err, errs.ErrSessionOpen) || !errors.Is(err, tc.cause) {
			t.Fatalf("%s: got %v", tc.name, err)
		}
	}
	if m.Sessions() != 0 {
		t.Fatalf("failed opens leaked %d sessions", m.Sessions())
	}

	closed := newModel(t)
	_ = closed.Close()
	if _, err := Open(closed, DefaultOptions(8)); !errors.Is(err, errs.ErrSessionOpen) || !errors.Is(err, errs.ErrInvalidHandle) {
		t.Fatalf("closed model: %v", err)
	}
}

func TestWithModelAppliesDefaults(t *testing.T) {
	t.Parallel()
	s, err := Options{ContextLen: 16}.WithModel(newModel(t))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if s.MaxSequences() != 1 || s.Options().Threads <= 0 || s.ContextLen() != 16 {
		t.Fatalf("options not normalised: %+v", s.Options())
	}
	other := newSession(t, DefaultOptions(16))
	if s.ID() == other.ID() {
		t.Fatal("sessions share an id")
	}
}

func TestDecodeAndLogits(t *testing.T) {
	t.Parallel()
	s := newSession(t, DefaultOptions(16).WithThreads(2))
	b := newBatch(t, 4, 1)
	_ = b.Append(10, 0, 0, false)
	_ = b.Append(11, 1, 0, true)
	_ = b.Append(12, 2, 0, true)

	if err := s.Decode(b); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	last, err := s.LastLogits()
	if err != nil || len(last) != s.VocabSize() {
		t.Fatalf("LastLogits: len=%d err=%v", len(last), err)
	}
	row2, _ := s.Logits(2)
	if !slices.Equal(row2, last) {
		t.Fatal("LastLogits should be the last output row")
	}
	last[0]++
	if again, _ := s.LastLogits(); again[0] == last[0] {
		t.Fatal("LastLogits returned the session's buffer")
	}
	if _, err := s.Logits(0); !errors.Is(err, ErrNoLogits) {
		t.Fatalf("row without logits: %v", err)
	}
	if got, _ := s.OutputRows(); len(got) != 2 || got[0] != 1 {
		t.Fatalf("OutputRows = %v", got)
	}
	if err := b.Append(13, 3, 0, true); err != nil {
		t.Fatalf("batch still borrowed after Decode: %v", err)
	}
	if used, _ := s.UsedCells(); used != 3 {
		t.Fatalf("used cells %d", used)
	}
	if s.Decodes() != 1 {
		t.Fatalf("decodes %d", s.Decodes())
	}
}

func TestDecodeContextFullIsRecoverable(t *testing.T) {
	t.Parallel()
	s := newSession(t, DefaultOptions(4))
	b := newBatch(t, 4, 1)
	for i := int32(0); i < 3; i++ {
		_ = b.Append(20+i, i, 0, i == 2)
	}
	if err := s.Decode(b); err != nil {
		t.Fatal(err)
	}

	_ = b.Clear()
	_ = b.Append(30, 3, 0, false)
	_ = b.Append(31, 4, 0, true)
	err := s.Decode(b)
	if !errors.Is(err, ErrContextFull) || !errors.Is(err, errs.ErrCapacity) {
		t.Fatalf("expected ErrContextFull, got %v", err)
	}
	if used, _ := s.UsedCells(); used != 3 {
		t.Fatalf("context full changed the cache: used=%d", used)
	}

	if err := s.RemoveSequence(0, 0, 2); err != nil {
		t.Fatal(err)
	}
	if err := s.Decode(b); err != nil {
		t.Fatalf("decode after eviction: %v", err)
	}
}

func TestDecodeRejectsInvalidBatches(t *testing.T) {
	t.Parallel()
	s := newSession(t, DefaultOptions(8).WithMaxSequences(2))
	cases := []struct {
		name string
		fill func(b *batch.Batch)
	}{
		{"empty", func(b *batch.Batch) {}},
		{"token out of vocabulary", func(b *batch.Batch) { _ = b.Append(int32(s.VocabSize()), 0, 0, true) }},
		{"negative token", func(b *batch.Batch) { _ = b.Append(-5, 0, 0, true) }},
		{"sequence out of range", func(b *batch.Batch) { _ = b.Append(1, 0, 2, true) }},
		{"negative position", func(b *batch.Batch) { _ = b.Append(1, -1, 0, true) }},
		{"row without sequence", func(b *batch.Batch) { _ = b.SetLength(1) }},
	}
	for _, tc := range cases {
		b := newBatch(t, 2, 2)
		tc.fill(b)
		err := s.Decode(b)
		if !errors.Is(err, ErrInvalidBatch) || !errors.Is(err, errs.ErrInvalidArgument) {
			t.Fatalf("%s: got %v", tc.name, err)
		}
	}
	if used, _ := s.UsedCells(); used != 0 {
		t.Fatal("rejected batches reached the backend")
	}

	embd, _ := batch.New(1, 3, 1)
	_ = embd.AppendEmbedding([]float32{1, 2, 3}, 0, []int32{0}, true)
	if err := s.Decode(embd); !errors.Is(err, ErrInvalidBatch) {
		t.Fatalf("wrong embedding size: %v", err)
	}
}

func TestDecodeBusy(t *testing.T) {
	t.Parallel()
	s := newSession(t, DefaultOptions(8))
	b := newBatch(t, 1, 1)
	_ = b.Append(1, 0, 0, true)

	s.busy.Store(true)
	if err := s.Decode(b); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := s.ClearCache(); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy from ClearCache, got %v", err)
	}
	if err := s.Close(); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy from Close, got %v", err)
	}
	s.busy.Store(false)
	if err := s.Decode(b); err != nil {
		t.Fatal(err)
	}
}

func TestDecodeWithBorrowedBatch(t *testing.T) {
	t.Parallel()
	s := newSession(t, DefaultOptions(8))
	b := newBatch(t, 1, 1)
	_ = b.Append(1, 0, 0, true)
	v, _ := b.Borrow()
	if err := s.Decode(b); !errors.Is(err, batch.ErrBorrowed) {
		t.Fatalf("expected ErrBorrowed, got %v", err)
	}
	v.Release()
}

type failingContext struct {
	backend.Context
	status backend.Status
	panics bool
}

func (f *failingContext) Decode(*batch.View, int) backend.Status {
	if f.panics {
		panic("kernel fault")
	}
	return f.status
}

func TestBackendFailurePoisonsSession(t *testing.T) {
	t.Parallel()
	for _, fc := range []*failingContext{
		{status: backend.StatusFailed},
		{status: backend.Status(-42)},
		{panics: true},
	} {
		s := newSession(t, DefaultOptions(8))
		fc.Context = s.ctx
		s.ctx = fc
		b := newBatch(t, 1, 1)
		_ = b.Append(1, 0, 0, true)

		err := s.Decode(b)
		if !errors.Is(err, ErrBackend) || !errors.Is(err, errs.ErrBackend) {
			t.Fatalf("expected ErrBackend, got %v", err)
		}
		var de *DecodeError
		if !errors.As(err, &de) || de.Status >= 0 {
			t.Fatalf("missing DecodeError in %v", err)
		}

		fc.status, fc.panics = backend.StatusOK, false
		if err := s.Decode(b); !errors.Is(err, ErrBackend) {
			t.Fatalf("poisoned session decoded again: %v", err)
		}
	}
}

func TestSequenceOperations(t *testing.T) {
	t.Parallel()
	s := newSession(t, DefaultOptions(16).WithMaxSequences(2))
	b := newBatch(t, 4, 1)
	for i := int32(0); i < 4; i++ {
		_ = b.Append(40+i, i, 0, i == 3)
	}
	if err := s.Decode(b); err != nil {
		t.Fatal(err)
	}
	if err := s.CopySequence(0, 1, -1, -1); err != nil {
		t.Fatal(err)
	}
	if p, _ := s.SequencePositionMax(1); p != 3 {
		t.Fatalf("copied sequence max position %d", p)
	}
	if err := s.RemoveSequence(1, 2, -1); err != nil {
		t.Fatal(err)
	}
	if p, _ := s.SequencePositionMax(1); p != 1 {
		t.Fatalf("after remove max position %d", p)
	}
	if err := s.CopySequence(0, 2, -1, -1); !errors.Is(err, ErrSequence) {
		t.Fatalf("dst out of range: %v", err)
	}
	if _, err := s.SequencePositionMax(-1); !errors.Is(err, ErrSequence) {
		t.Fatalf("negative seq: %v", err)
	}
	if err := s.RemoveSequence(-1, -1, -1); err != nil {
		t.Fatal(err)
	}
	if used, _ := s.UsedCells(); used != 0 {
		t.Fatalf("remove all left %d cells", used)
	}

	_ = b.Clear()
	_ = b.Append(1, 0, 0, true)
	_ = s.Decode(b)
	if err := s.ClearCache(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LastLogits(); !errors.Is(err, ErrNoLogits) {
		t.Fatalf("logits survived ClearCache: %v", err)
	}
}

func TestCloseReleasesModel(t *testing.T) {
	t.Parallel()
	m := newModel(t)
	s, err := Open(m, DefaultOptions(8))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if m.Released() {
		t.Fatal("model released under an open session")
	}

	b := newBatch(t, 1, 1)
	_ = b.Append(1, 0, 0, true)
	if err := s.Decode(b); err != nil {
		t.Fatalf("decode on a closing model: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !m.Released() {
		t.Fatal("closing the last session did not release the model")
	}
	for name, err := range map[string]error{
		"Decode":     s.Decode(b),
		"ClearCache": s.ClearCache(),
	} {
		if !errors.Is(err, ErrClosed) || !errors.Is(err, errs.ErrInvalidHandle) {
			t.Fatalf("%s after Close: %v", name, err)
		}
	}
	if _, err := s.LastLogits(); !errors.Is(err, errs.ErrInvalidHandle) {
		t.Fatalf("LastLogits after Close: %v", err)
	}
}

func TestFailedDecodeDropsLogits(t *testing.T) {
	t.Parallel()
	s := newSession(t, DefaultOptions(16))
	b := newBatch(t, 2, 1)
	_ = b.Append(5, 0, 0, true)
	if err := s.Decode(b); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, err := s.LastLogits(); err != nil {
		t.Fatalf("LastLogits: %v", err)
	}

	_ = b.Clear()
	_ = b.Append(99999, 1, 0, true)
	if err := s.Decode(b); !errors.Is(err, ErrInvalidBatch) {
		t.Fatalf("expected ErrInvalidBatch, got %v", err)
	}
	if _, err := s.LastLogits(); !errors.Is(err, ErrNoLogits) {
		t.Fatalf("logits survived an invalid decode: %v", err)
	}

	_ = b.Clear()
	_ = b.Append(5, 1, 0, true)
	if err := s.Decode(b); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	v, err := b.Borrow()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Decode(b); !errors.Is(err, batch.ErrBorrowed) {
		t.Fatalf("expected ErrBorrowed, got %v", err)
	}
	v.Release()
	if _, err := s.LastLogits(); !errors.Is(err, ErrNoLogits) {
		t.Fatalf("logits survived a rejected borrow: %v", err)
	}
}

// Run with -race: readers either see a completed decode or ErrBusy.
func TestLogitsDuringDecode(t *testing.T) {
	t.Parallel()
	s := newSession(t, DefaultOptions(512))
	b := newBatch(t, 8, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 200 {
			l, err := s.LastLogits()
			switch {
			case err == nil:
				if len(l) != s.VocabSize() {
					t.Errorf("logits length %d", len(l))
					return
				}
			case errors.Is(err, ErrBusy), errors.Is(err, ErrNoLogits):
			default:
				t.Errorf("LastLogits: %v", err)
				return
			}
			_, _ = s.OutputRows()
			_ = s.Decodes()
		}
	}()

	pos := int32(0)
	for range 50 {
		_ = b.Clear()
		for i := range 8 {
			_ = b.Append(int32(i+1), pos, 0, true)
			pos++
		}
		if err := s.Decode(b); err != nil {
			t.Fatalf("Decode: %v", err)
		}
	}
	wg.Wait()
	if s.Decodes() != 50 {
		t.Fatalf("decodes %d", s.Decodes())
	}
}
