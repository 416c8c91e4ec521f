// Package session runs batched decodes against a model.
//
// A Session owns one backend context: a KV cache sized by ContextLen and the
// logits of the most recent decode. Sessions are meant for one goroutine at a
// time. Overlapping calls are not serialised; the losing call fails with
// ErrBusy instead of waiting.
package session

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/samcharles93/tokenloop/internal/backend"
	"github.com/samcharles93/tokenloop/internal/batch"
	"github.com/samcharles93/tokenloop/internal/errs"
	"github.com/samcharles93/tokenloop/internal/logger"
	"github.com/samcharles93/tokenloop/internal/model"
)

type Session struct {
	id      uuid.UUID
	model   *model.Model
	ctx     backend.Context
	release func()
	opts    Options
	log     logger.Logger
	vocab   int32
	embd    int

	busy     atomic.Bool
	closed   atomic.Bool
	poisoned atomic.Bool

	// Output rows of the last successful decode, in batch order.
	outputs []int
	decodes atomic.Uint64
}

// Open creates a session on m. On failure no session exists and the error
// wraps errs.ErrSessionOpen together with ErrRejected or ErrAllocation.
func Open(m *model.Model, opts Options) (*Session, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: %w: nil model", errs.ErrSessionOpen, errs.ErrInvalidArgument)
	}
	opts = opts.normalize()
	if opts.ContextLen == 0 {
		return nil, fmt.Errorf("%w: %w: context length must be positive", errs.ErrSessionOpen, ErrRejected)
	}

	be, w, release, err := m.Acquire()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrSessionOpen, err)
	}
	ctx, err := be.NewContext(w, backend.ContextParams{
		ContextLen:   opts.ContextLen,
		MaxSequences: opts.MaxSequences,
	})
	if err != nil {
		release()
		if !errors.Is(err, ErrRejected) && !errors.Is(err, ErrAllocation) {
			err = fmt.Errorf("%w: %w", ErrAllocation, err)
		}
		return nil, fmt.Errorf("%w: %w", errs.ErrSessionOpen, err)
	}

	id := uuid.New()
	log := logger.OrNop(opts.Logger)
	if opts.Logger == nil {
		log = m.Logger()
	}
	s := &Session{
		id:      id,
		model:   m,
		ctx:     ctx,
		release: release,
		opts:    opts,
		log:     log.With("session", id.String()),
		vocab:   int32(w.VocabSize()),
		embd:    w.EmbeddingSize(),
	}
	s.log.Debug("session opened", "context_len", opts.ContextLen, "max_sequences", opts.MaxSequences, "threads", opts.Threads)
	return s, nil
}

func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) Model() *model.Model { return s.model }

// Options returns the normalised options the session was opened with.
func (s *Session) Options() Options { return s.opts }

func (s *Session) ContextLen() uint32 { return s.opts.ContextLen }

func (s *Session) MaxSequences() uint32 { return s.opts.MaxSequences }

// VocabSize is the width of every logits row.
func (s *Session) VocabSize() int { return int(s.vocab) }

// Closed reports whether Close has been called.
func (s *Session) Closed() bool { return s.closed.Load() }

// Decodes counts successful decodes.
func (s *Session) Decodes() uint64 { return s.decodes.Load() }

// enter claims the session for one operation.
func (s *Session) enter() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	if s.closed.Load() {
		s.busy.Store(false)
		return ErrClosed
	}
	return nil
}

func (s *Session) leave() { s.busy.Store(false) }

// Decode runs one forward pass over b. The batch is borrowed for the duration
// of the call and may be refilled once Decode returns. On success the logits
// of every row that requested them are readable until the next Decode.
func (s *Session) Decode(b *batch.Batch) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	if s.poisoned.Load() {
		return fmt.Errorf("%w: session is unusable after an earlier failure", ErrBackend)
	}
	s.outputs = s.outputs[:0]

	v, err := b.Borrow()
	if err != nil {
		return err
	}
	defer v.Release()

	if err := s.validate(v); err != nil {
		return err
	}

	status := s.run(v)
	switch status {
	case backend.StatusOK:
	case backend.StatusContextFull:
		return fmt.Errorf("%w: %d tokens do not fit (%d of %d cells used)", ErrContextFull, v.Len(), s.ctx.UsedCells(), s.opts.ContextLen)
	case backend.StatusInvalidInput:
		return fmt.Errorf("%w: %w", ErrInvalidBatch, &DecodeError{Status: status})
	default:
		s.poisoned.Store(true)
		s.log.Error("decode failed", "status", status.String(), "rows", v.Len())
		return fmt.Errorf("%w: %w", ErrBackend, &DecodeError{Status: status})
	}

	s.outputs = append(s.outputs, v.OutputRows()...)
	s.decodes.Add(1)
	s.log.Debug("decode", "rows", v.Len(), "outputs", len(s.outputs), "used_cells", s.ctx.UsedCells())
	return nil
}

func (s *Session) run(v *batch.View) (status backend.Status) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("panic in backend decode", "panic", fmt.Sprint(rec))
			status = backend.StatusFailed
		}
	}()
	return s.ctx.Decode(v, s.opts.Threads)
}

func (s *Session) validate(v *batch.View) (err error) {
	// Raw column writes can leave a row the view cannot slice.
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrInvalidBatch, rec)
		}
	}()
	if v.Len() == 0 {
		return fmt.Errorf("%w: batch is empty", ErrInvalidBatch)
	}
	if v.EmbeddingSize() > 0 && v.EmbeddingSize() != s.embd {
		return fmt.Errorf("%w: embedding size %d, model expects %d", ErrInvalidBatch, v.EmbeddingSize(), s.embd)
	}
	for row := 0; row < v.Len(); row++ {
		tok := v.Token(row)
		if tok == batch.NoToken {
			if v.EmbeddingSize() == 0 {
				return fmt.Errorf("%w: row %d has no token", ErrInvalidBatch, row)
			}
		} else if tok < 0 || tok >= s.vocab {
			return fmt.Errorf("%w: row %d token %d outside vocabulary of %d", ErrInvalidBatch, row, tok, s.vocab)
		}
		if v.Position(row) < 0 {
			return fmt.Errorf("%w: row %d has negative position %d", ErrInvalidBatch, row, v.Position(row))
		}
		seqs := v.SeqIDs(row)
		if len(seqs) == 0 {
			return fmt.Errorf("%w: row %d has no sequence id", ErrInvalidBatch, row)
		}
		for _, seq := range seqs {
			if seq < 0 || uint32(seq) >= s.opts.MaxSequences {
				return fmt.Errorf("%w: row %d: %w: %d", ErrInvalidBatch, row, ErrSequence, seq)
			}
		}
	}
	return nil
}

// Logits returns a copy of the logits of a batch row from the last successful
// Decode. It fails with ErrBusy while a Decode is running.
func (s *Session) Logits(row int) ([]float32, error) {
	if row < 0 {
		return nil, fmt.Errorf("%w: %d", ErrNoLogits, row)
	}
	return s.ReadLogits(nil, row)
}

// LastLogits returns a copy of the logits of the last output row of the last
// decode.
func (s *Session) LastLogits() ([]float32, error) {
	return s.ReadLogits(nil, -1)
}

// ReadLogits copies the logits of row into dst, reusing its capacity, and
// returns the result. A negative row selects the last output row.
func (s *Session) ReadLogits(dst []float32, row int) ([]float32, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	if row < 0 {
		if len(s.outputs) == 0 {
			return nil, fmt.Errorf("%w: last decode produced no logits", ErrNoLogits)
		}
		row = s.outputs[len(s.outputs)-1]
	}
	if !slices.Contains(s.outputs, row) {
		return nil, fmt.Errorf("%w: %d", ErrNoLogits, row)
	}
	l := s.ctx.Logits(row)
	if l == nil {
		return nil, fmt.Errorf("%w: %d", ErrNoLogits, row)
	}
	return append(dst[:0], l...), nil
}

// OutputRows returns the rows that produced logits in the last decode.
func (s *Session) OutputRows() ([]int, error) {
	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()
	return slices.Clone(s.outputs), nil
}

func (s *Session) checkSeq(seq int32, allowAll bool) error {
	if allowAll && seq < 0 {
		return nil
	}
	if seq < 0 || uint32(seq) >= s.opts.MaxSequences {
		return fmt.Errorf("%w: %d", ErrSequence, seq)
	}
	return nil
}

// ClearCache drops every cached cell and the last logits.
func (s *Session) ClearCache() error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	s.ctx.Clear()
	s.outputs = s.outputs[:0]
	return nil
}

// RemoveSequence evicts cells of seq with positions in [p0, p1). A negative
// seq matches every sequence; negative bounds are open.
func (s *Session) RemoveSequence(seq, p0, p1 int32) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	if err := s.checkSeq(seq, true); err != nil {
		return err
	}
	s.ctx.SeqRemove(seq, p0, p1)
	return nil
}

// CopySequence makes cells of src in [p0, p1) visible to dst as well.
func (s *Session) CopySequence(src, dst, p0, p1 int32) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()
	if err := s.checkSeq(src, false); err != nil {
		return err
	}
	if err := s.checkSeq(dst, false); err != nil {
		return err
	}
	s.ctx.SeqCopy(src, dst, p0, p1)
	return nil
}

// SequencePositionMax returns the largest cached position of seq, or -1.
func (s *Session) SequencePositionMax(seq int32) (int32, error) {
	if err := s.enter(); err != nil {
		return -1, err
	}
	defer s.leave()
	if err := s.checkSeq(seq, false); err != nil {
		return -1, err
	}
	return s.ctx.SeqPosMax(seq), nil
}

// UsedCells returns the number of occupied KV-cache cells.
func (s *Session) UsedCells() (int, error) {
	if err := s.enter(); err != nil {
		return 0, err
	}
	defer s.leave()
	return s.ctx.UsedCells(), nil
}

// Close releases the backend context and the session's hold on the model.
// Close fails with ErrBusy while a decode is running. Closing twice is a no-op.
func (s *Session) Close() error {
	if !s.busy.CompareAndSwap(false, true) {
		if s.closed.Load() {
			return nil
		}
		return ErrBusy
	}
	defer s.leave()
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.ctx.Close()
	s.outputs = nil
	s.release()
	s.log.Debug("session closed", "decodes", s.decodes.Load())
	if err != nil {
		return fmt.Errorf("close backend context: %w", err)
	}
	return nil
}
