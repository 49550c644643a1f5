package recurrence

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"compliancekit/internal/domain"
)

var recurringFrequencies = []domain.Frequency{
	domain.FrequencyDaily,
	domain.FrequencyWeekly,
	domain.FrequencyMonthly,
	domain.FrequencyQuarterly,
	domain.FrequencyAnnual,
}

// The calculator never produces a due date at or before now, however stale
// the anchor is.
func TestNextDueDateAlwaysAfterNow(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	epoch := day(2020, 1, 1)
	properties.Property("next due date is after now", prop.ForAll(
		func(fi int, anchorDays int, lagMinutes int64) bool {
			f := recurringFrequencies[fi]
			anchor := epoch.AddDate(0, 0, anchorDays)
			now := anchor.Add(time.Duration(lagMinutes) * time.Minute)
			next, err := NextDueDate(f, anchor, now)
			return err == nil && next.After(now)
		},
		gen.IntRange(0, len(recurringFrequencies)-1),
		gen.IntRange(0, 3650),
		gen.Int64Range(0, 5*365*24*60),
	))

	properties.TestingRun(t)
}

// A fresh anchor keeps cadence alignment: the result is exactly one step
// after the anchor.
func TestNextDueDateKeepsCadence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	epoch := day(2020, 1, 1)
	properties.Property("fresh anchor advances exactly one step", prop.ForAll(
		func(fi int, anchorDays int) bool {
			f := recurringFrequencies[fi]
			anchor := epoch.AddDate(0, 0, anchorDays)
			step, _ := StepFor(f)
			next, err := NextDueDate(f, anchor, anchor)
			return err == nil && next.Equal(step.Add(anchor))
		},
		gen.IntRange(0, len(recurringFrequencies)-1),
		gen.IntRange(0, 3650),
	))

	properties.TestingRun(t)
}
