// Package store persists the compliance entities.
//
// Three backends implement Store:
//   - memory: maps behind a mutex (tests, dry runs)
//   - sqlite: modernc.org/sqlite, single-node deployments
//   - postgres: lib/pq, the shared production database
//
// Every write is single-row and compare-or-insert style. Uniqueness of
// (obligation_id, due_date) for deadlines and the execution_count guard on
// trigger rules are enforced by the backend, not by callers.
package store

import (
	"context"
	"errors"
	"time"

	"compliancekit/internal/domain"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrConflict reports a lost compare-and-set race.
	ErrConflict = errors.New("store: conflict")
	ErrDisabled = errors.New("store: disabled")
)

// Filter scopes batch reads to a tenant, a site or a single record.
// Empty fields match everything. Limit <= 0 means no limit.
type Filter struct {
	CompanyID    string
	SiteID       string
	ObligationID string
	RuleID       string
	Limit        int
}

type ObligationStore interface {
	ListScheduledObligations(ctx context.Context, f Filter) ([]domain.ScheduledObligation, error)
	UpdateObligationState(ctx context.Context, id string, status domain.ObligationStatus, deadline *time.Time) error
}

type ScheduleStore interface {
	UpdateScheduleNextDue(ctx context.Context, scheduleID string, next time.Time) error
	// CreateSchedule inserts s; an existing row with the same id is kept.
	CreateSchedule(ctx context.Context, s *domain.Schedule) (created bool, err error)
}

type DeadlineStore interface {
	// InsertDeadlineIfAbsent inserts d unless a deadline already exists for
	// (d.ObligationID, d.DueDate). On conflict d.ID is set to the existing id.
	InsertDeadlineIfAbsent(ctx context.Context, d *domain.Deadline) (created bool, err error)
	// ListOverdueBreaches returns OVERDUE deadlines with sla_breached_at set,
	// oldest breach first.
	ListOverdueBreaches(ctx context.Context, limit int) ([]domain.Deadline, error)
	UpdateBreachDuration(ctx context.Context, id string, hours int) error
	// ListLapsedDeadlines returns PENDING deadlines due at or before asOf and
	// OVERDUE deadlines whose SLA target lapsed without a breach stamp.
	ListLapsedDeadlines(ctx context.Context, asOf time.Time, limit int) ([]domain.Deadline, error)
	// MarkDeadlineOverdue sets status OVERDUE and stamps breachedAt unless
	// one is already recorded.
	MarkDeadlineOverdue(ctx context.Context, id string, breachedAt *time.Time) error
}

type TriggerStore interface {
	ListDueEventRules(ctx context.Context, asOf time.Time, f Filter) ([]domain.TriggerRule, error)
	ListConditionalRules(ctx context.Context, f Filter) ([]domain.TriggerRule, error)
	GetRecurrenceEvent(ctx context.Context, id string) (domain.RecurrenceEvent, error)
	// CreateTriggerExecution is insert-if-absent by id.
	CreateTriggerExecution(ctx context.Context, e *domain.TriggerExecution) error
	// AdvanceTriggerRule bumps execution_count and stamps the execution
	// times only if execution_count still equals expectedCount.
	AdvanceTriggerRule(ctx context.Context, id string, expectedCount int, executedAt time.Time, next *time.Time) error
}

type JobStore interface {
	CreateJob(ctx context.Context, j *domain.BackgroundJob) error
	UpdateJob(ctx context.Context, j *domain.BackgroundJob) error
	UpdateJobProgress(ctx context.Context, id string, progress int) error
	GetJob(ctx context.Context, id string) (domain.BackgroundJob, error)
	ListJobs(ctx context.Context, statuses []domain.JobStatus, limit int) ([]domain.BackgroundJob, error)
	// PruneJobs deletes terminal jobs completed before the cutoff.
	PruneJobs(ctx context.Context, before time.Time) (int64, error)
}

type NotificationStore interface {
	// CreateNotification inserts n unless a row with the same non-empty
	// DedupKey exists.
	CreateNotification(ctx context.Context, n *domain.Notification) (created bool, err error)
	ListRecipients(ctx context.Context, companyID string, roles []domain.Role) ([]domain.User, error)
}

// Store is the full persistence surface.
type Store interface {
	ObligationStore
	ScheduleStore
	DeadlineStore
	TriggerStore
	JobStore
	NotificationStore
	Close() error
}
