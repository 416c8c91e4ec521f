package batch

import (
	"errors"
	"fmt"

	"github.com/samcharles93/tokenloop/internal/errs"
)

var (
	ErrInvalidCapacity  = fmt.Errorf("batch: invalid capacity: %w", errs.ErrCapacity)
	ErrCapacityExceeded = fmt.Errorf("batch: token capacity exceeded: %w", errs.ErrCapacity)
	ErrTooManySequences = fmt.Errorf("batch: too many sequence ids for one row: %w", errs.ErrCapacity)
	ErrNoSequence       = fmt.Errorf("batch: row needs at least one sequence id: %w", errs.ErrInvalidArgument)
	ErrEmbeddingSize    = fmt.Errorf("batch: embedding length does not match batch: %w", errs.ErrInvalidArgument)
	ErrRowOutOfRange    = fmt.Errorf("batch: row out of range: %w", errs.ErrInvalidArgument)
	ErrReleased         = fmt.Errorf("batch: used after free: %w", errs.ErrInvalidHandle)
	ErrBorrowed         = errors.New("batch: borrowed by an in-flight decode")
)
