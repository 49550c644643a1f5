package queue

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled       = errors.New("queue disabled")
	ErrStopped        = errors.New("queue stopped")
	ErrQueueFull      = errors.New("queue full")
	ErrUnknownJobType = errors.New("unknown job type")
	ErrUnknownQueue   = errors.New("unknown queue")
	// ErrDuplicate is returned when a job with the same key is still in flight.
	ErrDuplicate = errors.New("job with the same key is already queued or running")
)

// NoRetry marks an error as permanent: the job goes straight to FAILED.
//
// Example:
//
//	return nil, queue.NoRetry(fmt.Errorf("bad payload: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches a suggested delay before the next attempt. The hint is
// bounded by RetryMaxDelay and still jittered.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
