// Package sampling picks the next token from a session's logits.
package sampling

import (
	"cmp"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/samcharles93/tokenloop/internal/errs"
	"github.com/samcharles93/tokenloop/internal/session"
)

var (
	// ErrClosed is returned by every method of a closed Sampler.
	ErrClosed = fmt.Errorf("sampling: sampler closed: %w", errs.ErrInvalidHandle)
	// ErrToken is returned by Accept for a token outside the vocabulary.
	ErrToken = fmt.Errorf("sampling: token outside vocabulary: %w", errs.ErrInvalidArgument)
	// ErrNoSession is returned when a nil session is passed.
	ErrNoSession = fmt.Errorf("sampling: nil session: %w", errs.ErrInvalidArgument)
)

// Sampler holds the sampling configuration and the rolling history of
// accepted tokens. It is not safe for concurrent use.
type Sampler struct {
	opts    Options
	greedy  bool
	topK    int
	src     *rand.PCG
	rng     *rand.Rand
	history []int32
	closed  bool

	scratch   []float32
	topIdx    []int32
	topVal    []float32
	prob      []float64
	seenMark  []uint32
	seenEpoch uint32
}

// New returns a sampler with an empty history.
func New(opts Options) *Sampler {
	s := &Sampler{
		opts:   opts.normalize(),
		greedy: opts.Temperature <= 0,
	}
	if opts.TopK >= 1 {
		s.topK = int(opts.TopK)
	}
	s.src = rand.NewPCG(0, 0)
	s.rng = rand.New(s.src)
	s.seed()
	return s
}

func (s *Sampler) seed() {
	s.src.Seed(s.opts.Seed, s.opts.Seed^0x9e3779b97f4a7c15)
}

// Options returns the normalised configuration.
func (s *Sampler) Options() Options { return s.opts }

// History returns a copy of the accepted tokens, oldest first.
func (s *Sampler) History() []int32 {
	return append([]int32(nil), s.history...)
}

// Sample draws a token from the last output row of the session's most recent
// decode.
func (s *Sampler) Sample(sess *session.Session) (int32, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if sess == nil {
		return 0, ErrNoSession
	}
	return s.sampleRow(sess, -1)
}

// SampleAt draws a token from a specific output row.
func (s *Sampler) SampleAt(sess *session.Session, row int) (int32, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if sess == nil {
		return 0, ErrNoSession
	}
	if row < 0 {
		return 0, fmt.Errorf("%w: %d", session.ErrNoLogits, row)
	}
	return s.sampleRow(sess, row)
}

// sampleRow copies the row's logits into the scratch buffer and samples there.
func (s *Sampler) sampleRow(sess *session.Session, row int) (int32, error) {
	work, err := sess.ReadLogits(s.scratch, row)
	if err != nil {
		return 0, err
	}
	s.scratch = work
	return s.sample(work), nil
}

// Accept records token in the history. It does not touch any batch.
func (s *Sampler) Accept(sess *session.Session, token int32) error {
	if s.closed {
		return ErrClosed
	}
	if sess == nil {
		return ErrNoSession
	}
	if sess.Closed() {
		return session.ErrClosed
	}
	if token < 0 || int(token) >= sess.VocabSize() {
		return fmt.Errorf("%w: %d", ErrToken, token)
	}
	s.history = append(s.history, token)
	return nil
}

// Reset clears the history and reseeds the random source.
func (s *Sampler) Reset() {
	s.history = s.history[:0]
	s.seed()
}

// Close drops the history. Later calls fail with ErrClosed.
func (s *Sampler) Close() {
	s.closed = true
	s.history = nil
	s.scratch, s.topIdx, s.topVal, s.prob, s.seenMark = nil, nil, nil, nil, nil
}

// SampleLogits draws a token from logits. logits is not modified. The steps:
//
//  1. Repetition penalty over the last RepeatLastN accepted tokens.
//  2. Greedy argmax when Temperature <= 0.
//  3. Temperature scaling and top-k selection, sorted descending.
//  4. Softmax over the shortlist with max subtraction.
//  5. Top-p truncation, then min-p filtering relative to the top probability.
//  6. A uniform draw over what remains.
func (s *Sampler) SampleLogits(logits []float32) int32 {
	if len(logits) == 0 {
		return 0
	}
	if cap(s.scratch) < len(logits) {
		s.scratch = make([]float32, len(logits))
	}
	work := s.scratch[:len(logits)]
	copy(work, logits)
	return s.sample(work)
}

// sample runs the pipeline in place on work.
func (s *Sampler) sample(work []float32) int32 {
	if len(work) == 0 {
		return 0
	}
	s.penalize(work)

	if s.greedy {
		return argmax(work)
	}

	k := len(work)
	if s.topK > 0 && s.topK < k {
		k = s.topK
	}
	topIdx, topVal := s.selectTop(work, k, 1/s.opts.Temperature)

	if cap(s.prob) < len(topVal) {
		s.prob = make([]float64, len(topVal))
	}
	prob := s.prob[:len(topVal)]
	maxv := topVal[0]
	var sum float64
	for i, v := range topVal {
		e := math.Exp(float64(v - maxv))
		prob[i] = e
		sum += e
	}
	if sum == 0 || math.IsNaN(sum) {
		return topIdx[0]
	}
	for i := range prob {
		prob[i] /= sum
	}

	cut := len(prob)
	if s.opts.TopP < 1 {
		var c float64
		for i, p := range prob {
			c += p
			if c > float64(s.opts.TopP) {
				cut = i + 1
				break
			}
		}
	}
	if s.opts.MinP > 0 {
		threshold := prob[0] * float64(s.opts.MinP)
		for cut > 1 && prob[cut-1] < threshold {
			cut--
		}
	}

	var total float64
	for _, p := range prob[:cut] {
		total += p
	}
	r := s.rng.Float64() * total
	var c float64
	for i := 0; i < cut; i++ {
		c += prob[i]
		if r < c {
			return topIdx[i]
		}
	}
	return topIdx[cut-1]
}

func (s *Sampler) penalize(logits []float32) {
	if s.opts.RepeatPenalty == 1 || len(s.history) == 0 {
		return
	}
	window := s.history[max(len(s.history)-s.opts.RepeatLastN, 0):]

	if len(s.seenMark) < len(logits) {
		s.seenMark = make([]uint32, len(logits))
	}
	s.seenEpoch++
	if s.seenEpoch == 0 {
		clear(s.seenMark)
		s.seenEpoch = 1
	}
	for _, id := range window {
		if id < 0 || int(id) >= len(logits) || s.seenMark[id] == s.seenEpoch {
			continue
		}
		s.seenMark[id] = s.seenEpoch
		if logits[id] > 0 {
			logits[id] /= s.opts.RepeatPenalty
		} else {
			logits[id] *= s.opts.RepeatPenalty
		}
	}
}

func argmax(x []float32) int32 {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return int32(best)
}

// selectTop returns the k largest logits scaled by invTemp, largest first.
// Ties keep the lower index first.
func (s *Sampler) selectTop(logits []float32, k int, invTemp float32) ([]int32, []float32) {
	if k > insertionLimit {
		return s.sortTop(logits, k, invTemp)
	}
	if cap(s.topIdx) < k+1 {
		s.topIdx = make([]int32, 0, k+1)
		s.topVal = make([]float32, 0, k+1)
	}
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]

	for i, l := range logits {
		v := l * invTemp
		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}
		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)
		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = int32(i)
		topVal[pos] = v
		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	s.topIdx, s.topVal = topIdx, topVal
	return topIdx, topVal
}

// insertionLimit is the largest k selected by insertion; above it the whole
// vocabulary is sorted.
const insertionLimit = 128

func (s *Sampler) sortTop(logits []float32, k int, invTemp float32) ([]int32, []float32) {
	if cap(s.topIdx) < len(logits) {
		s.topIdx = make([]int32, len(logits))
		s.topVal = make([]float32, len(logits))
	}
	idx := s.topIdx[:len(logits)]
	for i := range idx {
		idx[i] = int32(i)
	}
	slices.SortStableFunc(idx, func(a, b int32) int {
		return cmp.Compare(logits[b], logits[a])
	})
	idx = idx[:k]
	val := s.topVal[:k]
	for i, id := range idx {
		val[i] = logits[id] * invTemp
	}
	return idx, val
}
