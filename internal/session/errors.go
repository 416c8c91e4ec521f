package session

import (
	"errors"
	"fmt"

	"github.com/samcharles93/tokenloop/internal/backend"
	"github.com/samcharles93/tokenloop/internal/errs"
)

var (
	// ErrContextFull is returned by Decode when the KV cache cannot hold the
	// batch. The session is unchanged and may be used after evicting cells.
	ErrContextFull = fmt.Errorf("session: context full: %w", errs.ErrCapacity)
	// ErrBackend is returned by Decode when the backend failed. The session
	// refuses further decodes.
	ErrBackend = fmt.Errorf("session: decode failed: %w", errs.ErrBackend)
	// ErrBusy is returned when a decode or cache operation is already running.
	ErrBusy = errors.New("session: operation already in progress")
	// ErrClosed is returned by every method of a closed session.
	ErrClosed = fmt.Errorf("session: closed: %w", errs.ErrInvalidHandle)
	// ErrInvalidBatch is returned by Decode for a batch the session cannot
	// accept. Nothing is submitted to the backend.
	ErrInvalidBatch = fmt.Errorf("session: invalid batch: %w", errs.ErrInvalidArgument)
	// ErrNoLogits is returned for a row that has no logits from the last decode.
	ErrNoLogits = fmt.Errorf("session: no logits for row: %w", errs.ErrInvalidArgument)
	// ErrSequence is returned for a sequence id outside [0, MaxSequences).
	ErrSequence = fmt.Errorf("session: sequence id out of range: %w", errs.ErrInvalidArgument)

	// Causes carried by an errs.ErrSessionOpen failure.
	ErrRejected   = backend.ErrRejected
	ErrAllocation = backend.ErrAllocation
)

// DecodeError carries the backend status of a failed decode.
type DecodeError struct {
	Status backend.Status
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("backend status %d (%s)", int32(e.Status), e.Status)
}
