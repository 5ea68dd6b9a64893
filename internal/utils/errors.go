package utils

import (
	"errors"
	"fmt"
)

// Sentinel errors for the analysis engine. Callers branch with errors.Is.
var (
	// ErrInvalidEntry marks a malformed entry; batches skip it and continue.
	ErrInvalidEntry = errors.New("invalid error entry")
	// ErrModelUnavailable signals the similarity model is not trained or loaded;
	// clustering degrades to exact signature matching.
	ErrModelUnavailable = errors.New("similarity model unavailable")
	// ErrClusterNotFound is returned on cluster lookup misses.
	ErrClusterNotFound = errors.New("cluster not found")
	// ErrEntryNotFound is returned on entry lookup misses.
	ErrEntryNotFound = errors.New("entry not found")
	// ErrPatternNotFound is returned on pattern lookup misses.
	ErrPatternNotFound = errors.New("pattern not found")
	// ErrInsufficientData marks trend analysis with too little history to forecast.
	ErrInsufficientData = errors.New("insufficient data for trend analysis")
	// ErrInvalidTransition rejects a pattern status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrUpstreamTimeout marks a bounded external call that timed out; retryable
	// at the scheduler level, never retried here.
	ErrUpstreamTimeout = errors.New("upstream timeout")
	// ErrUpstreamUnavailable marks an external source or storage failure.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// AppError wraps an operation, human-facing message, and underlying error.
type AppError struct {
	Op  string
	Msg string
	Err error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}
