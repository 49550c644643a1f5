// Package queue is the durable job queue and worker pool.
//
// Jobs are persisted as BackgroundJob rows (PENDING -> ACTIVE ->
// COMPLETED/FAILED) and dispatched in-process to the processor registered
// for their type. Every named queue has its own workers and rate limiter.
// Failed attempts are re-queued with exponential backoff until the attempt
// budget is spent; processors must therefore be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"compliancekit/internal/domain"
	"compliancekit/internal/eventbus"
	"compliancekit/internal/ratelimit"
	"compliancekit/internal/runtime/supervisor"
	"compliancekit/internal/store"
	logx "compliancekit/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu   sync.Mutex
	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus
	jobs store.JobStore

	locker    Locker
	rateStore ratelimit.Store

	procs  map[domain.JobType]registration
	queues map[string]*namedQueue

	sup      *supervisor.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	hmu     sync.Mutex
	history []HistoryItem

	completed atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	dropped   atomic.Uint64

	lastQueueFullWarnAt int64

	now func() time.Time
}

type namedQueue struct {
	name     string
	cfg      QueueConfig
	ch       chan *queued
	limiter  ratelimit.Limiter
	inFlight atomic.Int32
}

type queued struct {
	row        domain.BackgroundJob
	timeout    time.Duration
	enqueuedAt time.Time
}

type Option func(*Service)

func WithBus(bus eventbus.Bus) Option { return func(s *Service) { s.bus = bus } }

// WithLocker replaces the process-local key locker (e.g. with a RedisLocker).
func WithLocker(l Locker) Option { return func(s *Service) { s.locker = l } }

// WithRateStore shares per-queue rate budgets through st instead of a local
// token bucket.
func WithRateStore(st ratelimit.Store) Option { return func(s *Service) { s.rateStore = st } }

// New builds the queue. The registry is copied; queues are the union of
// cfg.Queues and every registration's default queue.
func New(cfg Config, reg *Registry, jobs store.JobStore, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:    cfg.withDefaults(),
		log:    log.With(logx.String("comp", "queue")),
		jobs:   jobs,
		procs:  map[domain.JobType]registration{},
		queues: map[string]*namedQueue{},
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.locker == nil {
		s.locker = NewMemoryLocker()
	}
	if reg != nil {
		for t, r := range reg.entries {
			s.procs[t] = r
			s.addQueue(r.queue)
		}
	}
	for name := range s.cfg.Queues {
		s.addQueue(name)
	}
	return s
}

func (s *Service) addQueue(name string) {
	if _, ok := s.queues[name]; ok {
		return
	}
	qc := DefaultQueueConfig
	if c, ok := s.cfg.Queues[name]; ok {
		qc = c
	}
	qc = qc.withDefaults()
	var lim ratelimit.Limiter
	if s.rateStore != nil && qc.RatePerSec > 0 {
		lim = ratelimit.NewWindowLimiter(s.rateStore, "queue:"+name, int(math.Ceil(qc.RatePerSec)), time.Second)
	} else {
		lim = ratelimit.NewTokenBucket(qc.RatePerSec, qc.Burst)
	}
	s.queues[name] = &namedQueue{name: name, cfg: qc, limiter: lim}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Supervisor returns the worker supervisor (nil if not started).
func (s *Service) Supervisor() *supervisor.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}
	// Start is idempotent.
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	for _, nq := range s.queues {
		nq.ch = make(chan *queued, cfg.BufferSize)
	}
	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log),
		// A misbehaving worker must not take the process down.
		supervisor.WithCancelOnError(false),
	)
	sup := s.sup
	queues := s.sortedQueues()
	s.mu.Unlock()

	workers := 0
	for _, nq := range queues {
		nq, ch := nq, nq.ch
		for i := 0; i < nq.cfg.Concurrency; i++ {
			idx := i
			workers++
			sup.GoRestart(fmt.Sprintf("queue.%s.%d", nq.name, idx), func(c context.Context) error {
				s.worker(c, stopCh, nq, ch, idx)
				select {
				case <-stopCh:
					return context.Canceled
				default:
				}
				if c.Err() != nil {
					return c.Err()
				}
				return errors.New("worker exited unexpectedly")
			}, supervisor.WithPublishFirstError(true))
		}
	}
	s.log.Info("job queue started", logx.Int("queues", len(queues)), logx.Int("workers", workers), logx.Int("buffer", cfg.BufferSize))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}
	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		for _, nq := range s.queues {
			nq.ch = nil
		}
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("job queue stopped")
	case <-ctx.Done():
		s.log.Warn("job queue stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue persists a PENDING job and hands it to the workers of queueName
// (the job type's default queue when empty). It never blocks on a full
// backlog; ErrQueueFull is returned instead.
func (s *Service) Enqueue(ctx context.Context, jobType domain.JobType, queueName string, payload any, opts ...EnqueueOption) (string, error) {
	reg, ok := s.procs[jobType]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	if queueName == "" {
		queueName = reg.queue
	}
	nq := s.queues[queueName]
	if nq == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	var o enqueueOptions
	for _, fn := range opts {
		fn(&o)
	}

	s.mu.Lock()
	cfg := s.cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()
	if !cfg.Enabled {
		return "", ErrDisabled
	}
	if !running {
		return "", ErrStopped
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", jobType, err)
	}

	now := s.now().UTC()
	id := uuid.NewString()
	if o.key != "" {
		ok, err := s.locker.Acquire(ctx, o.key, id, cfg.LockTTL)
		if err != nil {
			return "", fmt.Errorf("lock job key %q: %w", o.key, err)
		}
		if !ok {
			s.publish(eventbus.JobSkipped, JobEvent{Type: jobType, Queue: queueName, Error: "duplicate_key"})
			return "", ErrDuplicate
		}
	}

	item := &queued{
		row: domain.BackgroundJob{
			ID:          id,
			Key:         o.key,
			JobType:     jobType,
			Queue:       queueName,
			Status:      domain.JobPending,
			Payload:     raw,
			MaxAttempts: firstPositive(o.maxAttempts, cfg.MaxAttempts),
			CreatedAt:   now,
		},
		timeout:    firstPositiveDuration(o.timeout, cfg.DefaultTimeout),
		enqueuedAt: now,
	}
	if err := s.jobs.CreateJob(ctx, &item.row); err != nil {
		s.releaseKey(item)
		return "", fmt.Errorf("persist job: %w", err)
	}
	s.publish(eventbus.JobEnqueued, eventFor(item, 0, ""))
	if !s.push(nq, item) {
		item.row.Status = domain.JobFailed
		item.row.ErrorMessage = ErrQueueFull.Error()
		item.row.CompletedAt = domain.TimePtr(now)
		s.persist(ctx, &item.row)
		s.releaseKey(item)
		s.onQueueFull(nq, item)
		return "", ErrQueueFull
	}
	return id, nil
}

// Recover re-queues PENDING and ACTIVE rows left behind by a previous
// process. Call it after Start. Rows whose key is held elsewhere are left
// alone.
func (s *Service) Recover(ctx context.Context) (int, error) {
	rows, err := s.jobs.ListJobs(ctx, []domain.JobStatus{domain.JobPending, domain.JobActive}, 0)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	n := 0
	for _, row := range rows {
		nq := s.queues[row.Queue]
		if _, ok := s.procs[row.JobType]; !ok || nq == nil {
			row.Status = domain.JobFailed
			row.ErrorMessage = fmt.Sprintf("cannot recover: no processor for %s on queue %q", row.JobType, row.Queue)
			row.CompletedAt = domain.TimePtr(s.now().UTC())
			s.persist(ctx, &row)
			continue
		}
		if row.Key != "" {
			ok, err := s.locker.Acquire(ctx, row.Key, row.ID, cfg.LockTTL)
			if err != nil || !ok {
				continue
			}
		}
		if row.Status == domain.JobActive {
			row.Status = domain.JobPending
			s.persist(ctx, &row)
		}
		item := &queued{row: row, timeout: cfg.DefaultTimeout, enqueuedAt: s.now()}
		if !s.push(nq, item) {
			s.releaseKey(item)
			break
		}
		n++
	}
	if n > 0 {
		s.log.Info("recovered jobs", logx.Int("count", n))
	}
	return n, nil
}

// Get returns the persisted job row.
func (s *Service) Get(ctx context.Context, id string) (domain.BackgroundJob, error) {
	return s.jobs.GetJob(ctx, id)
}

// Await polls the job row until it reaches COMPLETED or FAILED.
func (s *Service) Await(ctx context.Context, id string) (domain.BackgroundJob, error) {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for {
		j, err := s.jobs.GetJob(ctx, id)
		if err != nil {
			return domain.BackgroundJob{}, err
		}
		if j.Status.Terminal() {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return j, ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := s.stopCh != nil
	queues := s.sortedQueues()
	qs := make([]QueueSnapshot, 0, len(queues))
	for _, nq := range queues {
		qs = append(qs, QueueSnapshot{
			Name:        nq.name,
			Concurrency: nq.cfg.Concurrency,
			RatePerSec:  nq.cfg.RatePerSec,
			Backlog:     len(nq.ch),
			Capacity:    cap(nq.ch),
			InFlight:    int(nq.inFlight.Load()),
		})
	}
	s.mu.Unlock()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Enabled:   cfg.Enabled,
		Running:   running,
		Queues:    qs,
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		Retried:   s.retried.Load(),
		Dropped:   s.dropped.Load(),
		History:   h,
	}
}

// sortedQueues must be called with s.mu held.
func (s *Service) sortedQueues() []*namedQueue {
	out := make([]*namedQueue, 0, len(s.queues))
	for _, nq := range s.queues {
		out = append(out, nq)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (s *Service) push(nq *namedQueue, item *queued) bool {
	s.mu.Lock()
	ch := nq.ch
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()
	if ch == nil || !running {
		return false
	}
	select {
	case ch <- item:
		return true
	default:
		return false
	}
}

// persist writes the row, detached from the caller's cancellation so a
// shutdown still records the final state.
func (s *Service) persist(ctx context.Context, row *domain.BackgroundJob) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.jobs.UpdateJob(pctx, row); err != nil {
		s.log.Warn("job state not persisted", logx.String("job", row.ID), logx.String("status", string(row.Status)), logx.Err(err))
	}
}

func (s *Service) releaseKey(item *queued) {
	if item.row.Key == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.locker.Release(ctx, item.row.Key, item.row.ID); err != nil {
		s.log.Warn("job key not released", logx.String("key", item.row.Key), logx.Err(err))
	}
}

func (s *Service) publish(typ string, ev JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}

func eventFor(item *queued, dur time.Duration, errMsg string) JobEvent {
	return JobEvent{ID: item.row.ID, Type: item.row.JobType, Queue: item.row.Queue, Attempt: item.row.Attempts, Duration: dur, Error: errMsg}
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (s *Service) onQueueFull(nq *namedQueue, item *queued) {
	s.dropped.Add(1)
	s.publish(eventbus.JobFailed, eventFor(item, 0, "queue_full"))
	if s.shouldWarn(&s.lastQueueFullWarnAt, s.now()) {
		s.log.Warn("job dropped: queue full",
			logx.String("queue", nq.name),
			logx.String("type", string(item.row.JobType)),
			logx.Int("capacity", s.cfg.BufferSize),
			logx.Uint64("dropped", s.dropped.Load()),
		)
	}
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	}
	return json.Marshal(payload)
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstPositiveDuration(vals ...time.Duration) time.Duration {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
