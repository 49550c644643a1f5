package trigger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"compliancekit/internal/domain"
	"compliancekit/internal/recurrence"
)

const (
	DefaultIntervalMonths = 12
	// DefaultConditionalLead is the due date lead when a conditional rule
	// has no month offset.
	DefaultConditionalLead = 30 * 24 * time.Hour

	LanguageCEL = "cel"
)

var (
	ErrMissingEvent = errors.New("rule has no recurrence event")
	ErrInvalidRule  = errors.New("invalid trigger rule")
)

// Decision is the outcome of evaluating one rule.
type Decision struct {
	Fire    bool
	DueDate time.Time
	// NextExecution is written to the rule when it fires.
	NextExecution *time.Time
	Data          map[string]any
	Reason        string
	// Fallback is set when a conditional rule fired without a recognized
	// keyword.
	Fallback bool
}

// Input carries what a rule is evaluated against.
type Input struct {
	Now   time.Time
	Event *domain.RecurrenceEvent // event-based rules
	Fact  *Event                  // conditional rules
}

// Evaluator decides whether a rule fires.
type Evaluator interface {
	Evaluate(rule domain.TriggerRule, in Input) (Decision, error)
}

// EventBased fires rules anchored on a recurrence event whose next
// execution date has arrived.
type EventBased struct {
	DefaultIntervalMonths int
}

func (e EventBased) Evaluate(rule domain.TriggerRule, in Input) (Decision, error) {
	today := domain.DateOf(in.Now)
	if !rule.IsActive {
		return Decision{Reason: "inactive"}, nil
	}
	if rule.NextExecutionDate != nil && rule.NextExecutionDate.After(today) {
		return Decision{Reason: "not due"}, nil
	}
	if in.Event == nil {
		return Decision{}, ErrMissingEvent
	}
	interval := rule.Config.RecurrenceIntervalMonths
	if interval <= 0 {
		interval = e.DefaultIntervalMonths
	}
	if interval <= 0 {
		interval = DefaultIntervalMonths
	}

	due, period := eventDueDate(domain.DateOf(in.Event.EventDate), rule.Config.OffsetMonths, interval, rule.ExecutionCount, today)

	base := today
	if rule.NextExecutionDate != nil {
		base = domain.DateOf(*rule.NextExecutionDate)
	}
	next := recurrence.AddMonths(base, interval)
	if !next.After(today) {
		next = recurrence.AddMonths(today, interval)
	}

	return Decision{
		Fire:          true,
		DueDate:       due,
		NextExecution: &next,
		Reason:        "event anniversary",
		Data: map[string]any{
			"event_id":        in.Event.ID,
			"event_type":      in.Event.EventType,
			"event_date":      in.Event.EventDate.UTC().Format(time.DateOnly),
			"due_date":        due.Format(time.DateOnly),
			"execution_count": rule.ExecutionCount,
			"period":          period,
		},
	}, nil
}

// eventDueDate returns the first event+offset+k*interval date on or after
// today, with k starting at count. k is returned as the period.
func eventDueDate(event time.Time, offset, interval, count int, today time.Time) (time.Time, int) {
	k := count
	due := recurrence.AddMonths(event, offset+k*interval)
	if !due.Before(today) {
		return due, k
	}
	elapsed := (today.Year()-event.Year())*12 + int(today.Month()-event.Month()) - offset
	if j := elapsed / interval; j > k {
		k = j
		due = recurrence.AddMonths(event, offset+k*interval)
	}
	for due.Before(today) {
		k++
		due = recurrence.AddMonths(event, offset+k*interval)
	}
	return due, k
}

// Conditional fires rules whose expression matches a domain event.
type Conditional struct {
	// Strict disables firing for expressions without a recognized keyword.
	Strict bool
	cel    *celConditions
}

// Applies reports whether the rule's expression references the event type.
func Applies(rule domain.TriggerRule, eventType string) bool {
	eventType = strings.ToLower(strings.TrimSpace(eventType))
	if eventType == "" {
		return false
	}
	return strings.Contains(strings.ToLower(rule.TriggerExpression), eventType)
}

func (c Conditional) Evaluate(rule domain.TriggerRule, in Input) (Decision, error) {
	if !rule.IsActive {
		return Decision{Reason: "inactive"}, nil
	}
	if in.Fact == nil {
		return Decision{}, fmt.Errorf("%w: conditional rule evaluated without an event", ErrInvalidRule)
	}
	ev := in.Fact
	if !Applies(rule, ev.Type) {
		return Decision{Reason: "not applicable"}, nil
	}
	expr := strings.TrimSpace(rule.TriggerExpression)

	dec := Decision{
		Data: map[string]any{
			"event_type": ev.Type,
			"event_data": ev.Data,
			"expression": expr,
		},
	}
	if strings.EqualFold(rule.Config.ExpressionLanguage, LanguageCEL) {
		if c.cel == nil {
			return Decision{}, fmt.Errorf("%w: cel expressions are not enabled", ErrInvalidRule)
		}
		ok, err := c.cel.eval(expr, ev.Type, ev.Data, rule.Config.ThresholdValue)
		if err != nil {
			return Decision{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
		dec.Fire = ok
		dec.Reason = "cel"
	} else {
		res := matchKeyword(expr, ev.Data, rule.Config.ThresholdValue)
		switch {
		case res.Matched:
			dec.Fire = res.Fire
			dec.Reason = res.Reason
			dec.Data["keyword"] = res.Keyword
			if res.Field != "" {
				dec.Data["field"] = res.Field
				dec.Data["value"] = res.Value
			}
		case c.Strict:
			dec.Reason = "no keyword (strict)"
		default:
			dec.Fire = expr != ""
			dec.Fallback = dec.Fire
			dec.Reason = "no keyword (fallback)"
		}
	}
	if !dec.Fire {
		return dec, nil
	}

	today := domain.DateOf(in.Now)
	if off := rule.Config.OffsetMonths; off > 0 {
		dec.DueDate = recurrence.AddMonths(today, off)
	} else {
		dec.DueDate = today.Add(DefaultConditionalLead)
	}
	dec.NextExecution = rule.NextExecutionDate
	dec.Data["due_date"] = dec.DueDate.Format(time.DateOnly)
	if rule.Config.ThresholdValue != nil {
		dec.Data["threshold"] = *rule.Config.ThresholdValue
	}
	return dec, nil
}
