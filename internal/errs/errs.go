// Package errs defines the error categories shared by the decode engine.
//
// Packages wrap one of these sentinels in their own, more specific errors so
// callers can test either the category or the exact failure with errors.Is.
package errs

import "errors"

var (
	// ErrCapacity marks a batch or KV-cache capacity violation. Recoverable.
	ErrCapacity = errors.New("capacity exceeded")
	// ErrBackend marks a compute backend failure. The affected session is unusable.
	ErrBackend = errors.New("backend failure")
	// ErrLoad marks a failed model load.
	ErrLoad = errors.New("load model")
	// ErrSessionOpen marks a failed session construction.
	ErrSessionOpen = errors.New("open session")
	// ErrInvalidHandle marks use of a batch, session, sampler or model after release.
	ErrInvalidHandle = errors.New("invalid handle")
	// ErrInvalidArgument marks a malformed request that was rejected before any work.
	ErrInvalidArgument = errors.New("invalid argument")
)
