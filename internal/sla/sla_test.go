package sla

import (
	"context"
	"errors"
	"testing"
	"time"

	"compliancekit/internal/domain"
	"compliancekit/internal/notify"
	"compliancekit/internal/store"
	logx "compliancekit/pkg/logx"
)

var now = time.Date(2025, 6, 10, 12, 30, 0, 0, time.UTC)

func clock() Option { return WithClock(func() time.Time { return now }) }

func breach(id, company string, ago time.Duration, hours int) domain.Deadline {
	at := now.Add(-ago)
	return domain.Deadline{
		ID:                     id,
		ObligationID:           "ob-" + id,
		CompanyID:              company,
		DueDate:                at.Truncate(24 * time.Hour),
		Status:                 domain.DeadlineOverdue,
		SLABreachedAt:          &at,
		SLABreachDurationHours: hours,
	}
}

func seedUsers(mem *store.Memory) {
	mem.PutUser(domain.User{ID: "mgr", CompanyID: "c1", Roles: []domain.Role{domain.RoleManager}})
	mem.PutUser(domain.User{ID: "own", CompanyID: "c1", Roles: []domain.Role{domain.RoleOwner, domain.RoleAdmin}})
	mem.PutUser(domain.User{ID: "mem", CompanyID: "c1", Roles: []domain.Role{domain.RoleMember}})
	mem.PutUser(domain.User{ID: "mgr2", CompanyID: "c2", Roles: []domain.Role{domain.RoleManager}})
}

func TestBreachHours(t *testing.T) {
	t.Parallel()
	tests := []struct {
		ago  time.Duration
		want int
	}{
		{0, 0},
		{59 * time.Minute, 0},
		{time.Hour, 1},
		{25*time.Hour + 59*time.Minute, 25},
		{-time.Hour, 0},
	}
	for _, tt := range tests {
		if got := BreachHours(now.Add(-tt.ago), now); got != tt.want {
			t.Fatalf("BreachHours(%s ago) = %d, want %d", tt.ago, got, tt.want)
		}
	}
}

func TestRunUpdatesDurationsOldestFirst(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	mem.PutDeadline(breach("new", "c1", 90*time.Minute, 0))
	mem.PutDeadline(breach("old", "c1", 10*time.Hour, 3))
	mem.PutDeadline(breach("mid", "c1", 5*time.Hour, 5))
	// Stored value above the computed one stays.
	mem.PutDeadline(breach("ahead", "c9", 2*time.Hour, 40))

	tr := New(Config{BatchSize: 3}, mem, nil, logx.Nop(), clock())
	rep, err := tr.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep != (Report{Processed: 3, Updated: 1}) {
		t.Fatalf("report = %+v", rep)
	}
	want := map[string]int{"old": 10, "mid": 5, "ahead": 40, "new": 0}
	for id, hours := range want {
		d, _ := mem.Deadline(id)
		if d.SLABreachDurationHours != hours {
			t.Fatalf("%s hours = %d, want %d", id, d.SLABreachDurationHours, hours)
		}
	}
}

func TestRunEscalatesLongBreaches(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	seedUsers(mem)
	mem.PutDeadline(breach("d1", "c1", 30*time.Hour, 0))
	mem.PutDeadline(breach("d2", "c1", 50*time.Hour, 0))
	mem.PutDeadline(breach("d3", "c2", 26*time.Hour, 0))
	mem.PutDeadline(breach("fresh", "c1", 23*time.Hour, 0))
	n := notify.New(mem, logx.Nop())
	tr := New(Config{}, mem, n, logx.Nop(), clock())

	rep, err := tr.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// c1: 2 breaches x 2 recipients; c2: 1 x 1.
	if rep.Processed != 4 || rep.Updated != 4 || rep.Escalated != 3 || rep.Notified != 5 {
		t.Fatalf("report = %+v", rep)
	}
	got := map[string]bool{}
	for _, nt := range mem.Notifications() {
		if nt.Priority != domain.PriorityUrgent || nt.Type != NotificationType || nt.EntityType != "DEADLINE" {
			t.Fatalf("notification = %+v", nt)
		}
		got[nt.EntityID+"/"+nt.UserID] = true
	}
	for _, k := range []string{"d1/mgr", "d1/own", "d2/mgr", "d2/own", "d3/mgr2"} {
		if !got[k] {
			t.Fatalf("missing escalation %s in %v", k, got)
		}
	}

	rep, err = tr.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Notified != 0 || len(mem.Notifications()) != 5 {
		t.Fatalf("rerun notified %d, total %d", rep.Notified, len(mem.Notifications()))
	}
}

type brokenNotifier struct{}

func (brokenNotifier) Notify(context.Context, *domain.Notification) (bool, error) {
	return false, errors.New("sink down")
}

type noRecipients struct{ *store.Memory }

func (noRecipients) ListRecipients(context.Context, string, []domain.Role) ([]domain.User, error) {
	return nil, errors.New("users table locked")
}

func TestEscalationFailureKeepsDurations(t *testing.T) {
	t.Parallel()
	for name, build := range map[string]func(*store.Memory) *Tracker{
		"notifier": func(mem *store.Memory) *Tracker {
			return New(Config{}, mem, brokenNotifier{}, logx.Nop(), clock())
		},
		"recipients": func(mem *store.Memory) *Tracker {
			return New(Config{}, noRecipients{mem}, notify.New(mem, logx.Nop()), logx.Nop(), clock())
		},
	} {
		mem := store.NewMemory()
		seedUsers(mem)
		mem.PutDeadline(breach("d1", "c1", 30*time.Hour, 0))
		rep, err := build(mem).Run(context.Background())
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if rep.Updated != 1 || rep.Notified != 0 {
			t.Fatalf("%s: report = %+v", name, rep)
		}
		if d, _ := mem.Deadline("d1"); d.SLABreachDurationHours != 30 {
			t.Fatalf("%s: hours = %d", name, d.SLABreachDurationHours)
		}
	}
}

func TestRunListError(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	mem.Err = errors.New("db down")
	if _, err := New(Config{}, mem, nil, logx.Nop()).Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestFlagOverdue(t *testing.T) {
	t.Parallel()
	mem := store.NewMemory()
	day := func(d int) time.Time { return time.Date(2025, 6, d, 0, 0, 0, 0, time.UTC) }
	// Due yesterday, target next week: overdue, not breached.
	mem.PutDeadline(domain.Deadline{ID: "grace", ObligationID: "o1", DueDate: day(9), Status: domain.DeadlinePending, SLATargetDate: domain.TimePtr(day(16))})
	// Due and target passed.
	mem.PutDeadline(domain.Deadline{ID: "lapsed", ObligationID: "o2", DueDate: day(1), Status: domain.DeadlinePending, SLATargetDate: domain.TimePtr(day(3))})
	// No target: due date is the target.
	mem.PutDeadline(domain.Deadline{ID: "plain", ObligationID: "o3", DueDate: day(5), Status: domain.DeadlinePending})
	// Already overdue, grace just ran out.
	mem.PutDeadline(domain.Deadline{ID: "late", ObligationID: "o4", DueDate: day(1), Status: domain.DeadlineOverdue, SLATargetDate: domain.TimePtr(day(8))})
	// Not due yet.
	mem.PutDeadline(domain.Deadline{ID: "future", ObligationID: "o5", DueDate: day(20), Status: domain.DeadlinePending})

	tr := New(Config{}, mem, nil, logx.Nop(), clock())
	rep, err := tr.FlagOverdue(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep != (FlagReport{Flagged: 3, Breached: 3}) {
		t.Fatalf("report = %+v", rep)
	}
	checks := []struct {
		id       string
		status   domain.DeadlineStatus
		breached *time.Time
	}{
		{"grace", domain.DeadlineOverdue, nil},
		{"lapsed", domain.DeadlineOverdue, domain.TimePtr(day(3))},
		{"plain", domain.DeadlineOverdue, domain.TimePtr(day(5))},
		{"late", domain.DeadlineOverdue, domain.TimePtr(day(8))},
		{"future", domain.DeadlinePending, nil},
	}
	for _, c := range checks {
		d, _ := mem.Deadline(c.id)
		if d.Status != c.status {
			t.Fatalf("%s status = %s, want %s", c.id, d.Status, c.status)
		}
		switch {
		case c.breached == nil && d.SLABreachedAt != nil:
			t.Fatalf("%s breached at %s, want none", c.id, d.SLABreachedAt)
		case c.breached != nil && (d.SLABreachedAt == nil || !d.SLABreachedAt.Equal(*c.breached)):
			t.Fatalf("%s breached at %v, want %s", c.id, d.SLABreachedAt, c.breached)
		}
	}

	// The swept breaches now feed the duration tracker.
	rep2, err := tr.Run(context.Background())
	if err != nil || rep2.Processed != 3 {
		t.Fatalf("Run after sweep = %+v, %v", rep2, err)
	}
}
