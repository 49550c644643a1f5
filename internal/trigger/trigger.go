// Package trigger evaluates trigger rules and materializes what they produce.
//
// Two kinds of rule exist. Event-based rules fire on a cadence anchored to a
// recurrence event (a permit issue date, an inspection). Conditional rules
// fire when a domain event matches their expression. A firing creates the
// target schedule or deadline, writes a TriggerExecution and advances the
// rule's execution_count with a compare-and-set, in that order. Ids are
// derived from (rule, execution_count) so a retried firing converges on the
// same rows.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"compliancekit/internal/domain"
	"compliancekit/internal/eventbus"
	"compliancekit/internal/queue"
	"compliancekit/internal/store"
	logx "compliancekit/pkg/logx"
)

var (
	ErrInvalidEvent = errors.New("invalid trigger event")
	// ErrEntityExists means the firing's target already exists and belongs
	// to another execution or to a schedule.
	ErrEntityExists = errors.New("target entity already exists")
)

// executionNS namespaces the name-based ids of executions and entities.
var executionNS = uuid.MustParse("6f1d2c3a-8b4e-5d7f-9a0b-1c2d3e4f5a6b")

type Config struct {
	// StrictConditions stops conditional rules without a recognized keyword
	// from firing.
	StrictConditions      bool
	DefaultIntervalMonths int
	// SLAGrace is added to the due date of created deadlines.
	SLAGrace time.Duration
	// CEL enables expression_language "cel".
	CEL bool
}

// Event is a domain event offered to conditional rules.
type Event struct {
	CompanyID string         `json:"company_id"`
	SiteID    string         `json:"site_id,omitempty"`
	Type      string         `json:"event_type"`
	Data      map[string]any `json:"event_data,omitempty"`
}

// Store is the persistence surface of the trigger service.
type Store interface {
	store.TriggerStore
	store.ScheduleStore
	store.DeadlineStore
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithBus(bus eventbus.Bus) Option { return func(s *Service) { s.bus = bus } }

type Service struct {
	cfg   Config
	store Store
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	eventBased  Evaluator
	conditional Evaluator
}

func New(cfg Config, st Store, log logx.Logger, opts ...Option) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.DefaultIntervalMonths <= 0 {
		cfg.DefaultIntervalMonths = DefaultIntervalMonths
	}
	cond := Conditional{Strict: cfg.StrictConditions}
	if cfg.CEL {
		c, err := newCELConditions()
		if err != nil {
			return nil, err
		}
		cond.cel = c
	}
	s := &Service{
		cfg:         cfg,
		store:       st,
		log:         log.With(logx.String("comp", "trigger")),
		now:         time.Now,
		eventBased:  EventBased{DefaultIntervalMonths: cfg.DefaultIntervalMonths},
		conditional: cond,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

type Report struct {
	Processed int `json:"processed"`
	Fired     int `json:"fired"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

func (r *Report) add(o outcome) {
	r.Processed++
	switch o {
	case outcomeFired:
		r.Fired++
	case outcomeSkipped:
		r.Skipped++
	case outcomeFailed:
		r.Failed++
	}
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeFired
	outcomeFailed
)

// Fired is published on the bus for every firing.
type Fired struct {
	RuleID      string
	ExecutionID string
	EntityType  domain.EntityType
	EntityID    string
	DueDate     time.Time
	Fallback    bool
}

// RunDue fires every active event-based rule whose next execution date has
// arrived. Listing errors are returned; per-rule errors are counted.
func (s *Service) RunDue(ctx context.Context, f store.Filter) (Report, error) {
	var rep Report
	now := s.now().UTC()
	rules, err := s.store.ListDueEventRules(ctx, domain.DateOf(now), f)
	if err != nil {
		return rep, fmt.Errorf("list event rules: %w", err)
	}
	for i, rule := range rules {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		queue.ReportProgress(ctx, i, len(rules))
		rep.add(s.runEventRule(ctx, rule, now))
	}
	queue.ReportProgress(ctx, len(rules), len(rules))
	s.log.Info("event rules evaluated",
		logx.Int("processed", rep.Processed),
		logx.Int("fired", rep.Fired),
		logx.Int("skipped", rep.Skipped),
		logx.Int("failed", rep.Failed),
	)
	return rep, nil
}

func (s *Service) runEventRule(ctx context.Context, rule domain.TriggerRule, now time.Time) outcome {
	log := s.log.With(logx.String("rule", rule.ID))
	in := Input{Now: now}
	if rule.RecurrenceEventID == nil || *rule.RecurrenceEventID == "" {
		log.Warn("event rule skipped", logx.Err(ErrMissingEvent))
		return outcomeSkipped
	}
	ev, err := s.store.GetRecurrenceEvent(ctx, *rule.RecurrenceEventID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Warn("event rule skipped: recurrence event not found", logx.String("event", *rule.RecurrenceEventID))
		return outcomeSkipped
	case err != nil:
		log.Warn("load recurrence event failed", logx.Err(err))
		return outcomeFailed
	}
	in.Event = &ev
	return s.evaluateAndFire(ctx, s.eventBased, rule, in, log)
}

// HandleEvent offers a domain event to the conditional rules of its company.
func (s *Service) HandleEvent(ctx context.Context, ev Event) (Report, error) {
	var rep Report
	if ev.CompanyID == "" || ev.Type == "" {
		return rep, fmt.Errorf("%w: company_id and event_type are required", ErrInvalidEvent)
	}
	rules, err := s.store.ListConditionalRules(ctx, store.Filter{CompanyID: ev.CompanyID})
	if err != nil {
		return rep, fmt.Errorf("list conditional rules: %w", err)
	}
	now := s.now().UTC()
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if rule.SiteID != "" && ev.SiteID != "" && rule.SiteID != ev.SiteID {
			continue
		}
		log := s.log.With(logx.String("rule", rule.ID), logx.String("event_type", ev.Type))
		rep.add(s.evaluateAndFire(ctx, s.conditional, rule, Input{Now: now, Fact: &ev}, log))
	}
	s.log.Info("conditional rules evaluated",
		logx.String("event_type", ev.Type),
		logx.Int("processed", rep.Processed),
		logx.Int("fired", rep.Fired),
		logx.Int("skipped", rep.Skipped),
		logx.Int("failed", rep.Failed),
	)
	return rep, nil
}

func (s *Service) evaluateAndFire(ctx context.Context, ev Evaluator, rule domain.TriggerRule, in Input, log logx.Logger) outcome {
	dec, err := ev.Evaluate(rule, in)
	if err != nil {
		log.Warn("rule evaluation failed", logx.Err(err))
		return outcomeFailed
	}
	if !dec.Fire {
		log.Debug("rule not fired", logx.String("reason", dec.Reason))
		return outcomeSkipped
	}
	if dec.Fallback {
		log.Warn("rule fired without a recognized keyword", logx.String("expression", rule.TriggerExpression))
	}
	fired, err := s.Fire(ctx, rule, dec, in.Now)
	switch {
	case errors.Is(err, store.ErrConflict):
		log.Debug("rule advanced concurrently", logx.Int("execution_count", rule.ExecutionCount))
		return outcomeSkipped
	case errors.Is(err, ErrEntityExists):
		log.Info("rule not fired: target already exists", logx.Time("due", dec.DueDate))
		return outcomeSkipped
	case err != nil:
		log.Warn("rule firing failed", logx.Err(err))
		return outcomeFailed
	}
	log.Info("rule fired",
		logx.String("execution", fired.ExecutionID),
		logx.String("entity_type", string(fired.EntityType)),
		logx.String("entity", fired.EntityID),
		logx.Time("due", fired.DueDate),
	)
	return outcomeFired
}

// ExecutionID is the id of the firing of rule number count.
func ExecutionID(ruleID string, count int) string {
	return uuid.NewSHA1(executionNS, []byte(ruleID+"#"+strconv.Itoa(count))).String()
}

func entityID(execID string, t domain.EntityType) string {
	return uuid.NewSHA1(executionNS, []byte(execID+"/"+string(t))).String()
}

// Fire creates the rule's target entity, records the execution and advances
// the rule. Nothing is advanced when the entity cannot be created or when
// it already exists under another owner (ErrEntityExists).
func (s *Service) Fire(ctx context.Context, rule domain.TriggerRule, dec Decision, now time.Time) (Fired, error) {
	execID := ExecutionID(rule.ID, rule.ExecutionCount)
	entity, created, err := s.createEntity(ctx, rule, dec, execID, now)
	if err != nil {
		return Fired{}, fmt.Errorf("create %s: %w", rule.TargetEntityType, err)
	}
	// A retried firing finds its own row; anything else is a duplicate.
	if !created && entity != entityID(execID, rule.TargetEntityType) {
		return Fired{}, fmt.Errorf("%w: %s %s", ErrEntityExists, rule.TargetEntityType, entity)
	}

	exec := &domain.TriggerExecution{
		ID:            execID,
		RuleID:        rule.ID,
		EntityType:    rule.TargetEntityType,
		EntityID:      entity,
		ExecutionData: dec.Data,
		ExecutedAt:    now,
	}
	if err := s.store.CreateTriggerExecution(ctx, exec); err != nil {
		return Fired{}, fmt.Errorf("record execution: %w", err)
	}
	if err := s.store.AdvanceTriggerRule(ctx, rule.ID, rule.ExecutionCount, now, dec.NextExecution); err != nil {
		return Fired{}, fmt.Errorf("advance rule: %w", err)
	}

	fired := Fired{
		RuleID:      rule.ID,
		ExecutionID: execID,
		EntityType:  rule.TargetEntityType,
		EntityID:    entity,
		DueDate:     dec.DueDate,
		Fallback:    dec.Fallback,
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TriggerFired, Time: now, Data: fired})
	}
	return fired, nil
}

func (s *Service) createEntity(ctx context.Context, rule domain.TriggerRule, dec Decision, execID string, now time.Time) (id string, created bool, err error) {
	if rule.ObligationID == "" {
		return "", false, fmt.Errorf("%w: obligation_id required", ErrInvalidRule)
	}
	tpl, err := parseTemplate(rule.TemplateData)
	if err != nil {
		return "", false, err
	}
	due := domain.DateOf(dec.DueDate)

	switch rule.TargetEntityType {
	case domain.EntitySchedule:
		sc := &domain.Schedule{
			ID:                 entityID(execID, domain.EntitySchedule),
			ObligationID:       rule.ObligationID,
			CompanyID:          rule.CompanyID,
			SiteID:             rule.SiteID,
			Frequency:          tpl.Frequency,
			BaseDate:           due,
			NextDueDate:        domain.TimePtr(due),
			Pattern:            tpl.Pattern,
			IsActive:           true,
			TriggerExecutionID: domain.StringPtr(execID),
		}
		created, err := s.store.CreateSchedule(ctx, sc)
		if err != nil {
			return "", false, err
		}
		return sc.ID, created, nil

	case domain.EntityDeadline:
		target := due.Add(s.cfg.SLAGrace)
		if tpl.SLADays > 0 {
			target = due.AddDate(0, 0, tpl.SLADays)
		}
		d := &domain.Deadline{
			ID:                 entityID(execID, domain.EntityDeadline),
			ObligationID:       rule.ObligationID,
			CompanyID:          rule.CompanyID,
			SiteID:             rule.SiteID,
			TriggerExecutionID: domain.StringPtr(execID),
			DueDate:            due,
			Status:             domain.DeadlinePending,
			SLATargetDate:      &target,
			CreatedAt:          now,
		}
		created, err := s.store.InsertDeadlineIfAbsent(ctx, d)
		if err != nil {
			return "", false, err
		}
		return d.ID, created, nil
	}
	return "", false, fmt.Errorf("%w: target entity type %q", ErrInvalidRule, rule.TargetEntityType)
}
