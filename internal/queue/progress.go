package queue

import (
	"context"
	"sync"
)

// progressStep is the smallest percentage move that is written.
const progressStep = 5

type progressKey struct{}

type progressReporter struct {
	mu   sync.Mutex
	last int
	fn   func(ctx context.Context, pct int) error
}

// WithProgress attaches fn as the progress sink of ctx. Workers attach the
// running job's Progress.
func WithProgress(ctx context.Context, fn func(ctx context.Context, pct int) error) context.Context {
	if fn == nil {
		return ctx
	}
	return context.WithValue(ctx, progressKey{}, &progressReporter{fn: fn})
}

// ReportProgress records done of total on the sink attached to ctx. Writes
// are throttled to progressStep and never move backwards. Without a sink it
// does nothing. Sink errors are dropped; progress is advisory.
func ReportProgress(ctx context.Context, done, total int) {
	r, _ := ctx.Value(progressKey{}).(*progressReporter)
	if r == nil || total <= 0 {
		return
	}
	pct := min(max(done, 0)*100/total, 100)

	r.mu.Lock()
	if pct <= r.last || (pct < 100 && pct-r.last < progressStep) {
		r.mu.Unlock()
		return
	}
	r.last = pct
	r.mu.Unlock()

	_ = r.fn(ctx, pct)
}
