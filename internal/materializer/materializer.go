// Package materializer turns schedules into concrete due dates.
//
// For each active schedule it advances next_due_date, inserts the matching
// PENDING deadline (unique per obligation and due date), and derives the
// obligation status from the outstanding due date. Every step is idempotent:
// re-running a batch over unchanged data writes nothing.
package materializer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"compliancekit/internal/domain"
	"compliancekit/internal/queue"
	"compliancekit/internal/recurrence"
	"compliancekit/internal/store"
	logx "compliancekit/pkg/logx"
)

const DefaultDueSoonWindow = 7 * 24 * time.Hour

var ErrSkipped = errors.New("schedule skipped")

type Config struct {
	// DueSoonWindow is how close a due date must be to flag DUE_SOON.
	DueSoonWindow time.Duration
	// SLAGrace is added to the due date to form the SLA target.
	SLAGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.DueSoonWindow <= 0 {
		c.DueSoonWindow = DefaultDueSoonWindow
	}
	if c.SLAGrace < 0 {
		c.SLAGrace = 0
	}
	return c
}

// Store is the persistence surface the materializer writes through.
type Store interface {
	store.ObligationStore
	store.ScheduleStore
	store.DeadlineStore
}

type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

type Service struct {
	cfg   Config
	store Store
	log   logx.Logger
	now   func() time.Time
}

func New(cfg Config, st Store, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:   cfg.withDefaults(),
		store: st,
		log:   log.With(logx.String("comp", "materializer")),
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type Report struct {
	Processed        int `json:"processed"`
	SchedulesUpdated int `json:"schedules_updated"`
	DeadlinesCreated int `json:"deadlines_created"`
	StatusChanged    int `json:"status_changed"`
	Skipped          int `json:"skipped"`
	Failed           int `json:"failed"`
}

// Outcome describes what Materialize did for one schedule.
type Outcome struct {
	NextDueDate     time.Time
	DeadlineID      string
	ScheduleUpdated bool
	DeadlineCreated bool
	Status          domain.ObligationStatus
	StatusChanged   bool
}

// Run materializes every active schedule matched by f. A failing listing is
// returned; a failing schedule is logged and counted while the batch goes on.
// With force set, still-future stored due dates are recomputed.
func (s *Service) Run(ctx context.Context, f store.Filter, force bool) (Report, error) {
	var rep Report
	items, err := s.store.ListScheduledObligations(ctx, f)
	if err != nil {
		return rep, fmt.Errorf("list schedules: %w", err)
	}
	for i, so := range items {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		queue.ReportProgress(ctx, i, len(items))
		rep.Processed++
		out, err := s.Materialize(ctx, so, force)
		switch {
		case errors.Is(err, ErrSkipped):
			rep.Skipped++
			s.log.Debug("schedule skipped", logx.String("schedule", so.Schedule.ID), logx.Err(err))
			continue
		case err != nil:
			rep.Failed++
			s.log.Warn("materialize failed",
				logx.String("schedule", so.Schedule.ID),
				logx.String("obligation", so.Obligation.ID),
				logx.Err(err),
			)
			continue
		}
		if out.ScheduleUpdated {
			rep.SchedulesUpdated++
		}
		if out.DeadlineCreated {
			rep.DeadlinesCreated++
		}
		if out.StatusChanged {
			rep.StatusChanged++
		}
	}
	queue.ReportProgress(ctx, len(items), len(items))
	s.log.Info("materialize batch done",
		logx.Int("processed", rep.Processed),
		logx.Int("schedules_updated", rep.SchedulesUpdated),
		logx.Int("deadlines_created", rep.DeadlinesCreated),
		logx.Int("status_changed", rep.StatusChanged),
		logx.Int("skipped", rep.Skipped),
		logx.Int("failed", rep.Failed),
	)
	return rep, nil
}

// Materialize processes a single schedule.
func (s *Service) Materialize(ctx context.Context, so domain.ScheduledObligation, force bool) (Outcome, error) {
	ob, sc := so.Obligation, so.Schedule
	var out Outcome
	if ob.Status == domain.ObligationNotApplicable {
		return out, fmt.Errorf("%w: obligation %s not applicable", ErrSkipped, ob.ID)
	}
	now := s.now().UTC()

	next, err := s.nextDueDate(ob, sc, now, force)
	if err != nil {
		return out, err
	}
	out.NextDueDate = next

	if sc.NextDueDate == nil || !sc.NextDueDate.Equal(next) {
		if err := s.store.UpdateScheduleNextDue(ctx, sc.ID, next); err != nil {
			return out, fmt.Errorf("update schedule %s: %w", sc.ID, err)
		}
		out.ScheduleUpdated = true
	}

	target := next.Add(s.cfg.SLAGrace)
	d := &domain.Deadline{
		ID:            uuid.NewString(),
		ObligationID:  ob.ID,
		CompanyID:     ob.CompanyID,
		SiteID:        ob.SiteID,
		ScheduleID:    domain.StringPtr(sc.ID),
		DueDate:       next,
		Status:        domain.DeadlinePending,
		SLATargetDate: &target,
		CreatedAt:     now,
	}
	created, err := s.store.InsertDeadlineIfAbsent(ctx, d)
	if err != nil {
		return out, fmt.Errorf("insert deadline for %s: %w", ob.ID, err)
	}
	out.DeadlineID = d.ID
	out.DeadlineCreated = created

	status, changed := DeriveStatus(ob, next, now, s.cfg.DueSoonWindow)
	out.Status = status
	if changed {
		if err := s.store.UpdateObligationState(ctx, ob.ID, status, ob.DeadlineDate); err != nil {
			return out, fmt.Errorf("update obligation %s: %w", ob.ID, err)
		}
		out.StatusChanged = true
	}
	return out, nil
}

// nextDueDate picks the anchor and computes the next calendar due date.
// A stored date still in the future is kept unless forced; a stored date
// that already passed becomes the anchor when it is the latest known date.
func (s *Service) nextDueDate(ob domain.Obligation, sc domain.Schedule, now time.Time, force bool) (time.Time, error) {
	stored := sc.NextDueDate
	if stored != nil && stored.After(now) && !force {
		return domain.DateOf(*stored), nil
	}

	freq := sc.Frequency
	if freq == "" || freq == domain.FrequencyNone {
		freq = ob.Frequency
	}
	step, err := recurrence.StepForSchedule(freq, sc.Pattern)
	if err != nil {
		if errors.Is(err, recurrence.ErrNotRecurring) {
			return time.Time{}, fmt.Errorf("%w: %v", ErrSkipped, err)
		}
		return time.Time{}, err
	}

	anchor := sc.BaseDate
	if sc.LastCompletedDate != nil && sc.LastCompletedDate.After(anchor) {
		anchor = *sc.LastCompletedDate
	}
	if stored != nil && !stored.After(now) && stored.After(anchor) {
		anchor = *stored
	}
	next, err := recurrence.Next(step, domain.DateOf(anchor), now)
	if err != nil {
		return time.Time{}, err
	}
	return domain.DateOf(next), nil
}

// DeriveStatus returns the obligation status implied by the outstanding due
// date, the earlier of the recorded deadline_date and next. Completed and
// not-applicable obligations keep their status.
func DeriveStatus(ob domain.Obligation, next, now time.Time, window time.Duration) (domain.ObligationStatus, bool) {
	switch ob.Status {
	case domain.ObligationCompleted, domain.ObligationNotApplicable:
		return ob.Status, false
	}
	due := next
	if ob.DeadlineDate != nil && ob.DeadlineDate.Before(due) {
		due = *ob.DeadlineDate
	}
	status := ob.Status
	switch {
	case !due.After(now):
		status = domain.ObligationOverdue
	case due.Sub(now) <= window:
		status = domain.ObligationDueSoon
	}
	if status == "" {
		status = domain.ObligationActive
	}
	return status, status != ob.Status
}
