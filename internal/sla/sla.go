// Package sla tracks how long overdue deadlines have been in breach and
// escalates long breaches to company managers.
package sla

import (
	"context"
	"fmt"
	"time"

	"compliancekit/internal/domain"
	"compliancekit/internal/notify"
	"compliancekit/internal/queue"
	"compliancekit/internal/store"
	logx "compliancekit/pkg/logx"
)

const (
	DefaultBatchSize     = 500
	DefaultEscalateAfter = 24 * time.Hour

	NotificationType = "SLA_BREACH_ESCALATION"
)

// DefaultRoles receive escalations.
var DefaultRoles = []domain.Role{domain.RoleManager, domain.RoleAdmin, domain.RoleOwner}

type Config struct {
	BatchSize     int
	EscalateAfter time.Duration
	Roles         []domain.Role
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.EscalateAfter <= 0 {
		c.EscalateAfter = DefaultEscalateAfter
	}
	if len(c.Roles) == 0 {
		c.Roles = DefaultRoles
	}
	return c
}

// Store is the persistence surface of the tracker.
type Store interface {
	store.DeadlineStore
	ListRecipients(ctx context.Context, companyID string, roles []domain.Role) ([]domain.User, error)
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

type Tracker struct {
	cfg      Config
	store    Store
	notifier notify.Notifier
	log      logx.Logger
	now      func() time.Time
}

func New(cfg Config, st Store, n notify.Notifier, log logx.Logger, opts ...Option) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Tracker{
		cfg:      cfg.withDefaults(),
		store:    st,
		notifier: n,
		log:      log.With(logx.String("comp", "sla")),
		now:      time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

type Report struct {
	Processed int `json:"processed"`
	Updated   int `json:"updated"`
	Escalated int `json:"escalated"`
	Notified  int `json:"notified"`
	Failed    int `json:"failed"`
}

// BreachHours is the whole number of hours since breachedAt, never negative.
func BreachHours(breachedAt, now time.Time) int {
	d := now.Sub(breachedAt)
	if d <= 0 {
		return 0
	}
	return int(d / time.Hour)
}

// Run refreshes sla_breach_duration_hours for one batch of breached
// deadlines, oldest breach first, and escalates the long ones. A failed
// escalation is logged and never undoes the duration writes.
func (t *Tracker) Run(ctx context.Context) (Report, error) {
	var rep Report
	now := t.now().UTC()
	breaches, err := t.store.ListOverdueBreaches(ctx, t.cfg.BatchSize)
	if err != nil {
		return rep, fmt.Errorf("list breaches: %w", err)
	}

	var escalate []domain.Deadline
	for i, d := range breaches {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		queue.ReportProgress(ctx, i, len(breaches))
		rep.Processed++
		hours := BreachHours(*d.SLABreachedAt, now)
		if hours > d.SLABreachDurationHours {
			if err := t.store.UpdateBreachDuration(ctx, d.ID, hours); err != nil {
				rep.Failed++
				t.log.Warn("update breach duration failed", logx.String("deadline", d.ID), logx.Err(err))
				continue
			}
			d.SLABreachDurationHours = hours
			rep.Updated++
		}
		if now.Sub(*d.SLABreachedAt) > t.cfg.EscalateAfter {
			escalate = append(escalate, d)
		}
	}

	if len(escalate) > 0 && t.notifier != nil {
		rep.Escalated, rep.Notified = t.escalate(ctx, escalate)
	}
	queue.ReportProgress(ctx, len(breaches), len(breaches))
	t.log.Info("sla batch done",
		logx.Int("processed", rep.Processed),
		logx.Int("updated", rep.Updated),
		logx.Int("escalated", rep.Escalated),
		logx.Int("notified", rep.Notified),
		logx.Int("failed", rep.Failed),
	)
	return rep, nil
}

// escalate sends one URGENT notification per (recipient, breach), grouped by
// company so recipients are loaded once per company.
func (t *Tracker) escalate(ctx context.Context, breaches []domain.Deadline) (escalated, notified int) {
	byCompany := map[string][]domain.Deadline{}
	var order []string
	for _, d := range breaches {
		if _, ok := byCompany[d.CompanyID]; !ok {
			order = append(order, d.CompanyID)
		}
		byCompany[d.CompanyID] = append(byCompany[d.CompanyID], d)
	}

	for _, company := range order {
		users, err := t.store.ListRecipients(ctx, company, t.cfg.Roles)
		if err != nil {
			t.log.Warn("load escalation recipients failed", logx.String("company", company), logx.Err(err))
			continue
		}
		if len(users) == 0 {
			t.log.Debug("no escalation recipients", logx.String("company", company))
			continue
		}
		for _, d := range byCompany[company] {
			escalated++
			for _, u := range users {
				n := escalationFor(d, u)
				created, err := t.notifier.Notify(ctx, n)
				if err != nil {
					t.log.Warn("escalation notification failed",
						logx.String("deadline", d.ID),
						logx.String("user", u.ID),
						logx.Err(err),
					)
					continue
				}
				if created {
					notified++
				}
			}
		}
	}
	return escalated, notified
}

func escalationFor(d domain.Deadline, u domain.User) *domain.Notification {
	return &domain.Notification{
		UserID:     u.ID,
		CompanyID:  d.CompanyID,
		Type:       NotificationType,
		Priority:   domain.PriorityUrgent,
		Subject:    fmt.Sprintf("SLA breached for %d hours", d.SLABreachDurationHours),
		Body:       fmt.Sprintf("Deadline %s for obligation %s was due %s and is still overdue.", d.ID, d.ObligationID, d.DueDate.UTC().Format(time.DateOnly)),
		EntityType: string(domain.EntityDeadline),
		EntityID:   d.ID,
		DedupKey:   "sla-escalation:" + d.ID + ":" + u.ID,
	}
}

type FlagReport struct {
	Flagged  int `json:"flagged"`
	Breached int `json:"breached"`
	Failed   int `json:"failed"`
}

// FlagOverdue marks lapsed PENDING deadlines OVERDUE and stamps
// sla_breached_at with the SLA target once it has passed. The target
// defaults to the due date.
func (t *Tracker) FlagOverdue(ctx context.Context) (FlagReport, error) {
	var rep FlagReport
	now := t.now().UTC()
	lapsed, err := t.store.ListLapsedDeadlines(ctx, now, t.cfg.BatchSize)
	if err != nil {
		return rep, fmt.Errorf("list lapsed deadlines: %w", err)
	}
	for i, d := range lapsed {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		queue.ReportProgress(ctx, i, len(lapsed))
		target := d.DueDate
		if d.SLATargetDate != nil {
			target = *d.SLATargetDate
		}
		var breachedAt *time.Time
		if !target.After(now) && d.SLABreachedAt == nil {
			breachedAt = domain.TimePtr(target)
		}
		if err := t.store.MarkDeadlineOverdue(ctx, d.ID, breachedAt); err != nil {
			rep.Failed++
			t.log.Warn("mark overdue failed", logx.String("deadline", d.ID), logx.Err(err))
			continue
		}
		if d.Status == domain.DeadlinePending {
			rep.Flagged++
		}
		if breachedAt != nil {
			rep.Breached++
		}
	}
	queue.ReportProgress(ctx, len(lapsed), len(lapsed))
	t.log.Info("overdue sweep done",
		logx.Int("flagged", rep.Flagged),
		logx.Int("breached", rep.Breached),
		logx.Int("failed", rep.Failed),
	)
	return rep, nil
}
