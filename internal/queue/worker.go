package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"compliancekit/internal/domain"
	"compliancekit/internal/eventbus"
	logx "compliancekit/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, nq *namedQueue, ch <-chan *queued, idx int) {
	// Per-worker RNG: avoids global lock contention when many jobs retry concurrently.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case item := <-ch:
			if err := nq.limiter.Wait(ctx); err != nil {
				// Shutting down: the row stays PENDING for Recover.
				s.releaseKey(item)
				return
			}
			nq.inFlight.Add(1)
			s.execOne(ctx, stopCh, nq, item, rng)
			nq.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, nq *namedQueue, item *queued, rng *rand.Rand) {
	start := s.now()
	queueDelay := start.Sub(item.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}
	row := &item.row
	row.Attempts++
	row.Status = domain.JobActive
	row.StartedAt = domain.TimePtr(start.UTC())
	s.persist(ctx, row)

	log := s.log.With(logx.String("job", row.ID), logx.String("type", string(row.JobType)), logx.String("queue", nq.name))
	log.Debug("job.started", logx.Int("attempt", row.Attempts), logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.JobStarted, eventFor(item, 0, ""))

	job := &Job{
		ID:          row.ID,
		Type:        row.JobType,
		Queue:       row.Queue,
		Key:         row.Key,
		Payload:     row.Payload,
		Attempt:     row.Attempts,
		MaxAttempts: row.MaxAttempts,
		progress: func(pctx context.Context, pct int) error {
			return s.jobs.UpdateJobProgress(pctx, row.ID, pct)
		},
	}
	result, err := s.run(ctx, s.procs[row.JobType].proc, job, item.timeout, log)
	dur := time.Since(start)
	hist := HistoryItem{ID: row.ID, Type: row.JobType, Queue: nq.name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempt: row.Attempts}

	if err == nil {
		row.Status = domain.JobCompleted
		row.Progress = 100
		row.ErrorMessage = ""
		row.CompletedAt = domain.TimePtr(s.now().UTC())
		if result != nil {
			b, merr := json.Marshal(result)
			if merr != nil {
				log.Warn("job result not serializable", logx.Err(merr))
			} else {
				row.Result = b
			}
		}
		s.releaseKey(item)
		s.persist(ctx, row)
		s.completed.Add(1)
		hist.Status = domain.JobCompleted
		s.record(hist)
		s.publish(eventbus.JobCompleted, eventFor(item, dur, ""))
		if dur >= 750*time.Millisecond {
			log.Info("job.completed", logx.Duration("dur", dur), logx.Int("attempt", row.Attempts))
		} else {
			log.Debug("job.completed", logx.Duration("dur", dur), logx.Int("attempt", row.Attempts))
		}
		return
	}

	permanent := IsNoRetry(err)
	var nr noRetryError
	if errors.As(err, &nr) {
		err = nr.err
	}
	row.ErrorMessage = err.Error()
	hist.Error = row.ErrorMessage

	if !permanent && stopping(ctx, stopCh) {
		// Interrupted by shutdown: leave it for Recover.
		row.Status = domain.JobPending
		s.persist(ctx, row)
		s.releaseKey(item)
		hist.Status = domain.JobPending
		s.record(hist)
		log.Info("job interrupted by shutdown", logx.Int("attempt", row.Attempts))
		return
	}

	if !permanent && row.Attempts < row.MaxAttempts {
		row.Status = domain.JobPending
		s.persist(ctx, row)
		s.retried.Add(1)
		hist.Status = domain.JobPending
		s.record(hist)

		delay := backoffDelayWithHint(s.retryPolicy(), row.Attempts, err, rng)
		s.publish(eventbus.JobRetrying, eventFor(item, dur, row.ErrorMessage))
		log.Debug("job retry scheduled", logx.Int("attempt", row.Attempts+1), logx.Duration("delay", delay), logx.Err(err))
		s.scheduleRetry(nq, item, delay, stopCh)
		return
	}

	row.Status = domain.JobFailed
	row.CompletedAt = domain.TimePtr(s.now().UTC())
	s.releaseKey(item)
	s.persist(ctx, row)
	s.failed.Add(1)
	hist.Status = domain.JobFailed
	s.record(hist)
	s.publish(eventbus.JobFailed, eventFor(item, dur, row.ErrorMessage))
	log.Warn("job.failed", logx.Err(err), logx.Int("attempts", row.Attempts), logx.Bool("permanent", permanent), logx.Duration("dur", dur))
}

// run executes one attempt. Panics become errors so one bad job cannot kill
// a worker.
func (s *Service) run(ctx context.Context, p Processor, job *Job, timeout time.Duration, log logx.Logger) (result any, err error) {
	if p == nil {
		return nil, NoRetry(fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type))
	}
	runCtx := WithProgress(ctx, job.Progress)
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("job.panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return p.Process(runCtx, job)
}

func (s *Service) scheduleRetry(nq *namedQueue, item *queued, delay time.Duration, stopCh <-chan struct{}) {
	time.AfterFunc(delay, func() {
		select {
		case <-stopCh:
			s.releaseKey(item)
			return
		default:
		}
		item.enqueuedAt = s.now()
		if !s.push(nq, item) {
			// Row stays PENDING; Recover picks it up on the next start.
			s.releaseKey(item)
			s.onQueueFull(nq, item)
		}
	})
}

func stopping(ctx context.Context, stopCh <-chan struct{}) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}

type retryPolicy struct {
	base   time.Duration
	max    time.Duration
	jitter float64
}

func (s *Service) retryPolicy() retryPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return retryPolicy{base: s.cfg.RetryBase, max: s.cfg.RetryMaxDelay, jitter: s.cfg.RetryJitter}
}

func backoffDelayWithHint(p retryPolicy, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d > p.max {
			d = p.max
		}
		return jitter(d, p, rng)
	}
	return backoffDelay(p, retry, rng)
}

func backoffDelay(p retryPolicy, retry int, rng *rand.Rand) time.Duration {
	d := p.base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > p.max {
			d = p.max
			break
		}
	}
	return jitter(d, p, rng)
}

func jitter(d time.Duration, p retryPolicy, rng *rand.Rand) time.Duration {
	if p.jitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.jitter
		d = time.Duration(float64(d) * (1 + r))
	}
	if d < 0 {
		d = 0
	}
	if d > p.max {
		d = p.max
	}
	return d
}
