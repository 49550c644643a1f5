package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"compliancekit/internal/domain"
)

// Config controls the job queue.
type Config struct {
	Enabled bool

	// Queues configures named queues. Queues referenced by a registration
	// but missing here get DefaultQueueConfig.
	Queues map[string]QueueConfig

	// BufferSize bounds the in-memory backlog per queue.
	BufferSize int

	// MaxAttempts is the default attempt budget per job (first run included).
	MaxAttempts   int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// DefaultTimeout bounds a single attempt when the job has none. 0 disables.
	DefaultTimeout time.Duration

	HistorySize int

	// LockTTL bounds how long a job key stays locked if the holder dies.
	LockTTL time.Duration
}

// QueueConfig sizes one named queue.
type QueueConfig struct {
	Concurrency int
	RatePerSec  float64
	Burst       int
}

// DefaultQueueConfig is five workers at ten jobs per second.
var DefaultQueueConfig = QueueConfig{Concurrency: 5, RatePerSec: 10}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.LockTTL <= 0 {
		c.LockTTL = time.Hour
	}
	return c
}

func (q QueueConfig) withDefaults() QueueConfig {
	if q.Concurrency <= 0 {
		q.Concurrency = DefaultQueueConfig.Concurrency
	}
	if q.RatePerSec == 0 {
		q.RatePerSec = DefaultQueueConfig.RatePerSec
	}
	return q
}

// Processor handles one job type. The returned value is stored as the job
// result (JSON).
type Processor interface {
	Process(ctx context.Context, job *Job) (any, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, job *Job) (any, error)

func (f ProcessorFunc) Process(ctx context.Context, job *Job) (any, error) { return f(ctx, job) }

type registration struct {
	queue string
	proc  Processor
}

// Registry maps job types to processors. It is copied when the Service is
// built; later registrations do not affect a running service.
type Registry struct {
	entries map[domain.JobType]registration
}

func NewRegistry() *Registry {
	return &Registry{entries: map[domain.JobType]registration{}}
}

// Register binds jobType to p. defaultQueue is used when Enqueue gets no
// queue name.
func (r *Registry) Register(jobType domain.JobType, defaultQueue string, p Processor) error {
	if jobType == "" || defaultQueue == "" || p == nil {
		return fmt.Errorf("register %q: job type, queue and processor are required", jobType)
	}
	if _, ok := r.entries[jobType]; ok {
		return fmt.Errorf("register %q: already registered", jobType)
	}
	r.entries[jobType] = registration{queue: defaultQueue, proc: p}
	return nil
}

// Types lists registered job types, sorted.
func (r *Registry) Types() []domain.JobType {
	out := make([]domain.JobType, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Job is the processor's view of one attempt.
type Job struct {
	ID          string
	Type        domain.JobType
	Queue       string
	Key         string
	Payload     json.RawMessage
	Attempt     int
	MaxAttempts int

	progress func(ctx context.Context, pct int) error
}

// Decode unmarshals the payload into v. Malformed payloads are permanent
// failures.
func (j *Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return NoRetry(fmt.Errorf("decode %s payload: %w", j.Type, err))
	}
	return nil
}

// Progress records completion percentage (0..100) on the job row.
func (j *Job) Progress(ctx context.Context, pct int) error {
	if j == nil || j.progress == nil {
		return nil
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return j.progress(ctx, pct)
}

type enqueueOptions struct {
	key         string
	maxAttempts int
	timeout     time.Duration
}

// EnqueueOption customizes one Enqueue call.
type EnqueueOption func(*enqueueOptions)

// WithKey makes the job exclusive: while a job with the same key is queued
// or running, Enqueue returns ErrDuplicate.
func WithKey(key string) EnqueueOption { return func(o *enqueueOptions) { o.key = key } }

func WithMaxAttempts(n int) EnqueueOption { return func(o *enqueueOptions) { o.maxAttempts = n } }

func WithTimeout(d time.Duration) EnqueueOption { return func(o *enqueueOptions) { o.timeout = d } }

type HistoryItem struct {
	ID         string
	Type       domain.JobType
	Queue      string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempt    int
	Status     domain.JobStatus
	Error      string
}

// JobEvent is published on the event bus for job lifecycle changes.
type JobEvent struct {
	ID       string         `json:"id"`
	Type     domain.JobType `json:"type"`
	Queue    string         `json:"queue"`
	Attempt  int            `json:"attempt"`
	Duration time.Duration  `json:"duration,omitempty"`
	Error    string         `json:"error,omitempty"`
}

type QueueSnapshot struct {
	Name        string
	Concurrency int
	RatePerSec  float64
	Backlog     int
	Capacity    int
	InFlight    int
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled   bool
	Running   bool
	Queues    []QueueSnapshot
	Completed uint64
	Failed    uint64
	Retried   uint64
	Dropped   uint64
	History   []HistoryItem
}
