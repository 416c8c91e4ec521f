package inference

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/samcharles93/tokenloop/internal/batch"
	"github.com/samcharles93/tokenloop/internal/logger"
	"github.com/samcharles93/tokenloop/internal/sampling"
	"github.com/samcharles93/tokenloop/internal/session"
	"github.com/samcharles93/tokenloop/internal/tokenizer"
)

const defaultBatchSize = 512

// Generator drives the decode, sample, accept loop on one session.
type Generator struct {
	Session *session.Session
	Sampler *sampling.Sampler
	Vocab   tokenizer.Vocabulary
	// StopTokens end generation in addition to the vocabulary's EOG tokens.
	StopTokens []int32
	// MaxTokens bounds the generated tokens. Below zero means until a stop
	// token or a full context.
	MaxTokens int
	// BatchSize is the prompt prefill chunk. Zero means 512.
	BatchSize int
	Logger    logger.Logger
}

func (g *Generator) ready() error {
	if g == nil || g.Session == nil || g.Sampler == nil || g.Vocab == nil {
		return ErrNotReady
	}
	return nil
}

func (g *Generator) log() logger.Logger {
	return logger.OrNop(g.Logger)
}

func (g *Generator) batchSize() int {
	n := g.BatchSize
	if n <= 0 {
		n = defaultBatchSize
	}
	return min(n, int(g.Session.ContextLen()))
}

func (g *Generator) stopReason(tok int32) (StopReason, bool) {
	if g.Vocab.IsEOG(tok) {
		return StopEOG, true
	}
	if slices.Contains(g.StopTokens, tok) {
		return StopToken, true
	}
	return "", false
}

// Generate continues sequence 0 of the session with prompt and samples until
// a stop token, MaxTokens or a full context. ctx is checked between decodes;
// a running decode is not interrupted. On cancellation the partial result is
// returned together with ctx.Err().
func (g *Generator) Generate(ctx context.Context, prompt []int32, stream StreamFunc) (*Result, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	if len(prompt) == 0 {
		return nil, ErrEmptyPrompt
	}
	start := time.Now()
	res := &Result{Stats: Stats{PromptTokens: len(prompt)}}

	b, err := batch.New(g.batchSize(), 0, 1)
	if err != nil {
		return nil, err
	}
	defer b.Free()

	last, err := g.Session.SequencePositionMax(0)
	if err != nil {
		return nil, err
	}
	pos, err := g.prefill(ctx, b, prompt, last+1, 0)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	ts := &textStream{out: stream}
	defer func() {
		text.WriteString(ts.flush())
		res.Text = text.String()
		res.Stats.finish(start)
	}()

	for g.MaxTokens < 0 || res.Stats.TokensGenerated < g.MaxTokens {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		next, err := safeSample(g.Sampler, g.Session, -1)
		if err != nil {
			return res, fmt.Errorf("sample at position %d: %w", pos, err)
		}
		if err := g.Sampler.Accept(g.Session, next); err != nil {
			return res, err
		}
		if reason, stop := g.stopReason(next); stop {
			res.Stop = reason
			return res, nil
		}

		res.Tokens = append(res.Tokens, next)
		res.Stats.TokensGenerated++
		text.WriteString(ts.write(g.Vocab.Detokenize(next)))
		if g.MaxTokens >= 0 && res.Stats.TokensGenerated >= g.MaxTokens {
			break
		}

		if err := b.Clear(); err != nil {
			return res, err
		}
		if err := b.Append(next, pos, 0, true); err != nil {
			return res, err
		}
		if err := g.Session.Decode(b); err != nil {
			if errors.Is(err, session.ErrContextFull) {
				res.Stop = StopContextFull
				return res, nil
			}
			return res, fmt.Errorf("decode at position %d: %w", pos, err)
		}
		pos++
	}
	res.Stop = StopMaxTokens
	return res, nil
}

// prefill decodes tokens on seq starting at pos in batch-sized chunks. Only
// the final token requests logits. It returns the next free position.
func (g *Generator) prefill(ctx context.Context, b *batch.Batch, tokens []int32, pos, seq int32) (int32, error) {
	for len(tokens) > 0 {
		if err := ctx.Err(); err != nil {
			return pos, err
		}
		n := min(len(tokens), b.Cap())
		if err := b.Clear(); err != nil {
			return pos, err
		}
		for i, tok := range tokens[:n] {
			if err := b.Append(tok, pos, seq, n == len(tokens) && i == n-1); err != nil {
				return pos, err
			}
			pos++
		}
		if err := g.Session.Decode(b); err != nil {
			if errors.Is(err, session.ErrContextFull) {
				return pos, fmt.Errorf("%w: %w", ErrPromptTooBig, err)
			}
			return pos, fmt.Errorf("prefill: %w", err)
		}
		tokens = tokens[n:]
		g.log().Debug("prefill chunk", "tokens", n, "next_pos", pos)
	}
	return pos, nil
}

// GenerateParallel prefills prompt once on sequence 0, shares it with
// sequences 1..n-1 and then decodes n independent continuations together,
// one row per live sequence per step. Continuation i samples with the
// generator's sampler options and seed + i. The session's sequences 1..n-1
// are cleared first.
func (g *Generator) GenerateParallel(ctx context.Context, prompt []int32, n int) ([]*Result, error) {
	if err := g.ready(); err != nil {
		return nil, err
	}
	if len(prompt) == 0 {
		return nil, ErrEmptyPrompt
	}
	if n <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrContinuations, n)
	}
	if uint32(n) > g.Session.MaxSequences() {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManySeqs, n, g.Session.MaxSequences())
	}
	start := time.Now()

	b, err := batch.New(max(g.batchSize(), n), 0, 1)
	if err != nil {
		return nil, err
	}
	defer b.Free()

	for seq := int32(1); seq < int32(n); seq++ {
		if err := g.Session.RemoveSequence(seq, -1, -1); err != nil {
			return nil, err
		}
	}
	last, err := g.Session.SequencePositionMax(0)
	if err != nil {
		return nil, err
	}
	pos, err := g.prefill(ctx, b, prompt, last+1, 0)
	if err != nil {
		return nil, err
	}
	for seq := int32(1); seq < int32(n); seq++ {
		if err := g.Session.CopySequence(0, seq, -1, -1); err != nil {
			return nil, err
		}
	}

	base := g.Sampler.Options()
	streams := make([]*parallelStream, n)
	for i := range streams {
		opts := base
		opts.Seed = base.Seed + uint64(i)
		streams[i] = &parallelStream{
			seq:     int32(i),
			sampler: sampling.New(opts),
			result:  &Result{Stats: Stats{PromptTokens: len(prompt)}},
			text:    &textStream{},
			row:     -1,
		}
	}
	defer func() {
		for _, st := range streams {
			st.finish(start)
			st.sampler.Close()
		}
	}()

	results := make([]*Result, n)
	for i, st := range streams {
		results[i] = st.result
	}

	for {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if err := b.Clear(); err != nil {
			return results, err
		}
		live := 0
		for _, st := range streams {
			if st.done {
				continue
			}
			if err := g.step(st, pos, b); err != nil {
				return results, err
			}
			if !st.done {
				live++
			}
		}
		if live == 0 {
			return results, nil
		}
		if err := g.Session.Decode(b); err != nil {
			if errors.Is(err, session.ErrContextFull) {
				for _, st := range streams {
					if !st.done {
						st.stop(StopContextFull)
					}
				}
				return results, nil
			}
			return results, fmt.Errorf("decode at position %d: %w", pos, err)
		}
		pos++
	}
}

type parallelStream struct {
	seq     int32
	sampler *sampling.Sampler
	result  *Result
	text    *textStream
	body    strings.Builder
	row     int // batch row holding this sequence's last token, -1 before the first step
	done    bool
}

func (st *parallelStream) stop(reason StopReason) {
	st.result.Stop = reason
	st.done = true
}

func (st *parallelStream) finish(start time.Time) {
	st.body.WriteString(st.text.flush())
	st.result.Text = st.body.String()
	st.result.Stats.finish(start)
}

// step samples the next token of st and, unless it stops, appends it to b.
func (g *Generator) step(st *parallelStream, pos int32, b *batch.Batch) error {
	next, err := safeSample(st.sampler, g.Session, st.row)
	if err != nil {
		return fmt.Errorf("sample sequence %d: %w", st.seq, err)
	}
	if err := st.sampler.Accept(g.Session, next); err != nil {
		return err
	}
	if reason, stop := g.stopReason(next); stop {
		st.stop(reason)
		return nil
	}
	res := st.result
	res.Tokens = append(res.Tokens, next)
	res.Stats.TokensGenerated++
	st.body.WriteString(st.text.write(g.Vocab.Detokenize(next)))
	if g.MaxTokens >= 0 && res.Stats.TokensGenerated >= g.MaxTokens {
		st.stop(StopMaxTokens)
		return nil
	}
	st.row = b.Len()
	return b.Append(next, pos, st.seq, true)
}

// safeSample samples row, or the last output row when row < 0, converting a
// sampler panic into an error.
func safeSample(s *sampling.Sampler, sess *session.Session, row int) (tok int32, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Sample: %v", rec)
		}
	}()
	if row < 0 {
		return s.Sample(sess)
	}
	return s.SampleAt(sess, row)
}
