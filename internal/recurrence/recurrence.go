// Package recurrence computes next due dates from frequency codes.
//
// Everything here is pure: callers inject "now".
package recurrence

import (
	"errors"
	"fmt"
	"time"

	"compliancekit/internal/domain"
)

var (
	ErrNotRecurring = errors.New("frequency is not recurring")
	ErrBadPattern   = errors.New("invalid recurrence pattern")
)

// Step is one unit of recurrence.
type Step struct {
	Days   int
	Months int
}

func (s Step) valid() bool { return s.Days > 0 || s.Months > 0 }

// Add applies the step to t. Month steps clamp to the last day of the
// target month (Jan 31 + 1 month = Feb 28/29).
func (s Step) Add(t time.Time) time.Time {
	if s.Months != 0 {
		t = AddMonths(t, s.Months)
	}
	if s.Days != 0 {
		t = t.AddDate(0, 0, s.Days)
	}
	return t
}

// StepFor maps a frequency code to its step.
func StepFor(f domain.Frequency) (Step, error) {
	switch f {
	case domain.FrequencyDaily:
		return Step{Days: 1}, nil
	case domain.FrequencyWeekly:
		return Step{Days: 7}, nil
	case domain.FrequencyMonthly:
		return Step{Months: 1}, nil
	case domain.FrequencyQuarterly:
		return Step{Months: 3}, nil
	case domain.FrequencyAnnual:
		return Step{Months: 12}, nil
	}
	return Step{}, fmt.Errorf("%w: %s", ErrNotRecurring, f)
}

// PatternStep maps an explicit recurrence pattern to its step.
func PatternStep(p domain.Pattern) (Step, error) {
	n := p.Multiplier
	if n == 0 {
		n = 1
	}
	if n < 0 {
		return Step{}, fmt.Errorf("%w: multiplier %d", ErrBadPattern, p.Multiplier)
	}
	switch p.Unit {
	case domain.UnitDay:
		return Step{Days: n}, nil
	case domain.UnitWeek:
		return Step{Days: 7 * n}, nil
	case domain.UnitMonth:
		return Step{Months: n}, nil
	case domain.UnitYear:
		return Step{Months: 12 * n}, nil
	}
	return Step{}, fmt.Errorf("%w: unit %q", ErrBadPattern, p.Unit)
}

// Next adds one step to anchor. When the result is not after now, the
// cadence is re-anchored to now: missed periods are never replayed.
func Next(step Step, anchor, now time.Time) (time.Time, error) {
	if !step.valid() {
		return time.Time{}, ErrBadPattern
	}
	next := step.Add(anchor)
	if !next.After(now) {
		next = step.Add(now)
	}
	return next, nil
}

// NextDueDate is Next for a frequency code. ONE_TIME, EVENT_TRIGGERED and
// NONE return ErrNotRecurring.
func NextDueDate(f domain.Frequency, anchor, now time.Time) (time.Time, error) {
	step, err := StepFor(f)
	if err != nil {
		return time.Time{}, err
	}
	return Next(step, anchor, now)
}

// StepForSchedule prefers the schedule's explicit pattern over its frequency.
func StepForSchedule(f domain.Frequency, p domain.Pattern) (Step, error) {
	if !p.IsZero() {
		return PatternStep(p)
	}
	return StepFor(f)
}

// AddMonths adds n months to t, clamping the day to the target month length.
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	first := time.Date(y, m+time.Month(n), 1, hh, mm, ss, t.Nanosecond(), t.Location())
	if last := daysIn(first.Year(), first.Month(), t.Location()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, hh, mm, ss, t.Nanosecond(), t.Location())
}

func daysIn(y int, m time.Month, loc *time.Location) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, loc).Day()
}
