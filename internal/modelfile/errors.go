package modelfile

import (
	"fmt"

	"github.com/samcharles93/tokenloop/internal/errs"
)

var (
	ErrFormat      = fmt.Errorf("modelfile: unrecognised format: %w", errs.ErrLoad)
	ErrVersion     = fmt.Errorf("modelfile: unsupported version: %w", errs.ErrLoad)
	ErrCorruptFile = fmt.Errorf("modelfile: corrupt file: %w", errs.ErrLoad)
)
