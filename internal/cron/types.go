package cron

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	rcron "github.com/robfig/cron/v3"

	"compliancekit/internal/domain"
	"compliancekit/internal/queue"
	logx "compliancekit/pkg/logx"
)

// Config controls the recurring job scheduler.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/London"
	// Overrides replaces the cadence of a job type from the table.
	Overrides map[domain.JobType]string
	// Disabled job types are never registered.
	Disabled []domain.JobType
}

// Enqueuer is the part of the job queue the scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType domain.JobType, queueName string, payload any, opts ...queue.EnqueueOption) (string, error)
}

// Entry is one row of the recurring table.
type Entry struct {
	JobType  domain.JobType
	Queue    string
	Schedule string
	Payload  any
	Timeout  time.Duration
}

// Name is the stable registration name and job key of the entry.
func (e Entry) Name() string { return NamePrefix + string(e.JobType) }

const NamePrefix = "recurring-"

type entryDef struct {
	entry   Entry
	spec    string
	entryID rcron.EntryID
	spread  time.Duration
	fired   atomic.Uint64
	skipped atomic.Uint64
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	q   Enqueuer

	parser rcron.Parser
	c      *rcron.Cron
	table  []Entry
	defs   []*entryDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type EntryInfo struct {
	Name    string
	JobType domain.JobType
	Queue   string
	Spec    string
	Spread  time.Duration
	Next    time.Time
	Prev    time.Time
	Fired   uint64
	Skipped uint64
}

type Snapshot struct {
	Enabled  bool
	Running  bool
	Timezone string
	Entries  []EntryInfo
}
