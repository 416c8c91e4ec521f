package model

import (
	"fmt"

	"github.com/samcharles93/tokenloop/internal/errs"
)

var (
	// ErrClosed is returned when a released model is used to open a session.
	ErrClosed = fmt.Errorf("model: closed: %w", errs.ErrInvalidHandle)
	// ErrEmptyPath is returned by Open for a blank path.
	ErrEmptyPath = fmt.Errorf("model: path is required: %w", errs.ErrLoad)
)
