package crawler

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across subsystems.
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrResourceExhausted = errors.New("browser pool exhausted")
	ErrStaleHandle       = errors.New("stale browser handle")
	ErrPoolClosed        = errors.New("browser pool closed")
	ErrQueueClosed       = errors.New("queue closed")
	ErrNoHandler         = errors.New("no handler registered for job kind")
	ErrNoPagesProcessed  = errors.New("no pages were processed")
	ErrAllPagesFailed    = errors.New("every processed page failed")
)

// ValidationError reports a malformed job submission. It is returned before
// anything is persisted or enqueued.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// PageError is a page-level navigation or extraction failure. It is recorded
// on the page result and never aborts the traversal.
type PageError struct {
	URL string
	Err error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("page %s: %v", e.URL, e.Err)
}

func (e *PageError) Unwrap() error { return e.Err }

// RetryableError marks a transient handler failure the queue should retry.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

// FatalJobError is a terminal handler failure. Queues never retry it.
type FatalJobError struct {
	Err error
}

func (e *FatalJobError) Error() string { return "fatal: " + e.Err.Error() }

func (e *FatalJobError) Unwrap() error { return e.Err }

// Permanent wraps err so the queue fails the job without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &FatalJobError{Err: err}
}

// Retryable wraps err as a transient failure.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsPermanent reports whether err carries a FatalJobError or ValidationError.
func IsPermanent(err error) bool {
	var fatal *FatalJobError
	if errors.As(err, &fatal) {
		return true
	}
	var invalid *ValidationError
	return errors.As(err, &invalid)
}
