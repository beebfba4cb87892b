package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when no job matches the given id or external id
	ErrJobNotFound = errors.New("job not found")

	// ErrArtifactNotFound is returned when a job has no materialized artifact
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrStaleProgress is returned by storage when a progress update is older than the recorded one
	ErrStaleProgress = errors.New("stale progress update")

	// ErrJobTerminal is returned when a transition targets a job that already completed or failed
	ErrJobTerminal = errors.New("job already in terminal state")

	// ErrInvalidAmount is returned for non-positive or overflowing credit amounts
	ErrInvalidAmount = errors.New("invalid credit amount")

	// ErrUnknownJobKind is returned for kinds outside the catalogue
	ErrUnknownJobKind = errors.New("unknown job kind")

	// ErrInvalidProgress is returned for progress outside 0-100
	ErrInvalidProgress = errors.New("progress must be between 0 and 100")

	// ErrInvalidRequest is returned for requests missing required fields
	ErrInvalidRequest = errors.New("invalid request")
)

// InsufficientCreditsError reports the exact shortfall of a rejected debit
type InsufficientCreditsError struct {
	UserID    string
	Available int64
	Required  int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for user %s: available %d, required %d", e.UserID, e.Available, e.Required)
}

// Shortfall returns how many credits are missing
func (e *InsufficientCreditsError) Shortfall() int64 {
	return e.Required - e.Available
}

// DispatchRejectedError wraps a synchronous dispatch rejection or timeout.
// The job has already been failed and refunded when this is returned.
type DispatchRejectedError struct {
	JobID string
	Err   error
}

func (e *DispatchRejectedError) Error() string {
	return fmt.Sprintf("dispatch rejected for job %s: %v", e.JobID, e.Err)
}

func (e *DispatchRejectedError) Unwrap() error {
	return e.Err
}

// MaterializationInvalidError rejects a completion whose artifact fails validation
type MaterializationInvalidError struct {
	Reason string
}

func (e *MaterializationInvalidError) Error() string {
	return "invalid artifact: " + e.Reason
}

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
