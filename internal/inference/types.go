package inference

import (
	"fmt"
	"time"

	"github.com/samcharles93/tokenloop/internal/errs"
)

// StreamFunc receives generated text as it becomes valid UTF-8.
type StreamFunc func(piece string)

// StopReason tells why generation ended.
type StopReason string

const (
	StopEOG         StopReason = "eog"
	StopToken       StopReason = "stop_token"
	StopMaxTokens   StopReason = "max_tokens"
	StopContextFull StopReason = "context_full"
)

type Stats struct {
	PromptTokens    int
	TokensGenerated int
	Duration        time.Duration
	TPS             float64
}

func (s *Stats) finish(start time.Time) {
	s.Duration = time.Since(start)
	if s.Duration.Seconds() > 0 {
		s.TPS = float64(s.TokensGenerated) / s.Duration.Seconds()
	}
}

// Result is one generated continuation. Stop tokens are not included.
type Result struct {
	Tokens []int32
	Text   string
	Stop   StopReason
	Stats  Stats
}

var (
	ErrEmptyPrompt   = fmt.Errorf("inference: prompt is empty: %w", errs.ErrInvalidArgument)
	ErrNotReady      = fmt.Errorf("inference: generator needs a session, sampler and vocabulary: %w", errs.ErrInvalidArgument)
	ErrContinuations = fmt.Errorf("inference: continuation count must be positive: %w", errs.ErrInvalidArgument)
	ErrTooManySeqs   = fmt.Errorf("inference: more continuations than session sequences: %w", errs.ErrCapacity)
	ErrPromptTooBig  = fmt.Errorf("inference: prompt does not fit in the context: %w", errs.ErrCapacity)
)
