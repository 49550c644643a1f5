// Package ratelimit bounds how fast queue workers hit the shared store.
//
// Two limiters are provided: an in-process token bucket (golang.org/x/time/rate)
// and a fixed-window counter over a pluggable Store, so several processes can
// share one budget through Redis.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter blocks until one event is allowed.
type Limiter interface {
	Wait(ctx context.Context) error
}

// NewTokenBucket returns a process-local limiter. rps <= 0 disables limiting.
func NewTokenBucket(rps float64, burst int) Limiter {
	if rps <= 0 {
		return unlimited{}
	}
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

type unlimited struct{}

func (unlimited) Wait(ctx context.Context) error { return ctx.Err() }

// Store counts events per key within an expiring window.
type Store interface {
	// Incr increments key and returns the new count. The first increment
	// starts a window of the given length after which the count resets.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// WindowLimiter allows up to limit events per window across every process
// sharing the Store. Store errors fail open.
type WindowLimiter struct {
	store  Store
	key    string
	limit  int64
	window time.Duration
	poll   time.Duration
}

func NewWindowLimiter(store Store, key string, limit int, window time.Duration) *WindowLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	poll := window / time.Duration(limit)
	if poll < time.Millisecond {
		poll = time.Millisecond
	}
	return &WindowLimiter{store: store, key: "ratelimit:" + key, limit: int64(limit), window: window, poll: poll}
}

// Allow reports whether one more event fits in the current window.
func (l *WindowLimiter) Allow(ctx context.Context) bool {
	n, err := l.store.Incr(ctx, l.key, l.window)
	if err != nil {
		return true
	}
	return n <= l.limit
}

func (l *WindowLimiter) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.Allow(ctx) {
			return nil
		}
		t := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
