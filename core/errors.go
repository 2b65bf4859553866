package core

import "errors"

var (
	// ErrUnrecoverable indicates that backoff, rollback and a conservative
	// re-solve all failed to produce a converged state.
	ErrUnrecoverable = errors.New("unrecoverable power flow instability")
	// ErrInvalidSelection indicates an unknown bus, mode or strategy that was
	// replaced by a default.
	ErrInvalidSelection = errors.New("invalid selection")
)
