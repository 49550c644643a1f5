package cron

import (
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
		expr     string
	}{
		{name: "cron", raw: "15 * * * *", kind: SpecCron, source: "cron", expr: "15 * * * *"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron", expr: "@hourly"},
		{name: "prefixed cron", raw: "cron:0 2 * * *", kind: SpecCron, source: "cron", expr: "0 2 * * *"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute, expr: "@every 10m0s"},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second, expr: "@every 45s"},
		{name: "every prefix hhmm", raw: "every:06:00", kind: SpecInterval, source: "hhmm", duration: 6 * time.Hour, expr: "@every 6h0m0s"},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute, expr: "@every 1h30m0s"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
			if got.Expr() != tt.expr {
				t.Fatalf("Expr = %q, want %q", got.Expr(), tt.expr)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "interval:", "-5m", "00:00", "01:75"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q) expected error", raw)
		}
	}
}

func TestClockHelpers(t *testing.T) {
	t.Parallel()
	got, err := DailyAt("23:15")
	if err != nil || got != "15 23 * * *" {
		t.Fatalf("DailyAt = %q, %v", got, err)
	}
	got, err = WeeklyAt(time.Sunday, "03:00")
	if err != nil || got != "0 3 * * 0" {
		t.Fatalf("WeeklyAt = %q, %v", got, err)
	}
	for _, bad := range []string{"24:00", "12:60", "noon", "7"} {
		if _, err := DailyAt(bad); err == nil {
			t.Fatalf("DailyAt(%q) expected error", bad)
		}
	}
}

func TestValidateSchedule(t *testing.T) {
	t.Parallel()
	for _, ok := range []string{"@hourly", "15 * * * *", "0 0 2 * * *", "interval:90s", "02:30"} {
		if err := ValidateSchedule(ok); err != nil {
			t.Fatalf("ValidateSchedule(%q): %v", ok, err)
		}
	}
	for _, bad := range []string{"every tuesday", "61 * * * *", "@fortnightly", ""} {
		if err := ValidateSchedule(bad); err == nil {
			t.Fatalf("ValidateSchedule(%q) expected error", bad)
		}
	}
}
