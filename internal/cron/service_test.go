package cron

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"compliancekit/internal/domain"
	"compliancekit/internal/queue"
	"compliancekit/internal/store"
	logx "compliancekit/pkg/logx"
)

const (
	sweepType domain.JobType = "DEADLINE_OVERDUE_SWEEP"
	slaType   domain.JobType = "SLA_BREACH_TRACKING"
)

type call struct {
	jobType domain.JobType
	queue   string
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []call
	fired chan call
}

func newFakeEnqueuer() *fakeEnqueuer { return &fakeEnqueuer{fired: make(chan call, 16)} }

func (f *fakeEnqueuer) Enqueue(_ context.Context, jobType domain.JobType, queueName string, _ any, _ ...queue.EnqueueOption) (string, error) {
	c := call{jobType: jobType, queue: queueName}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	select {
	case f.fired <- c:
	default:
	}
	return "job-1", nil
}

func table() []Entry {
	return []Entry{
		{JobType: sweepType, Queue: "deadline-scheduling", Schedule: "@hourly"},
		{JobType: slaType, Queue: "sla-tracking", Schedule: "15 * * * *"},
	}
}

func stop(t *testing.T, s *Service) {
	t.Helper()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
}

func TestRegisterTableIsIdempotent(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, newFakeEnqueuer(), logx.Nop())
	for i := 0; i < 3; i++ {
		if err := s.RegisterTable(table()); err != nil {
			t.Fatalf("RegisterTable: %v", err)
		}
	}
	snap := s.Snapshot()
	if len(snap.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(snap.Entries))
	}
	if snap.Entries[0].Name != "recurring-DEADLINE_OVERDUE_SWEEP" || snap.Entries[1].Name != "recurring-SLA_BREACH_TRACKING" {
		t.Fatalf("names = %s, %s", snap.Entries[0].Name, snap.Entries[1].Name)
	}
}

func TestRegisterUpsertsByName(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, newFakeEnqueuer(), logx.Nop())
	if err := s.Register(Entry{JobType: sweepType, Queue: "q", Schedule: "@hourly"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Register(Entry{JobType: sweepType, Queue: "q", Schedule: "30m"}); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if len(snap.Entries) != 1 || snap.Entries[0].Spec != "@every 30m0s" {
		t.Fatalf("entries = %+v", snap.Entries)
	}
	if !s.Remove("recurring-DEADLINE_OVERDUE_SWEEP") {
		t.Fatal("Remove returned false")
	}
	if len(s.Snapshot().Entries) != 0 {
		t.Fatal("entry still registered after Remove")
	}
}

func TestRegisterValidates(t *testing.T) {
	t.Parallel()
	s := New(Config{}, newFakeEnqueuer(), logx.Nop())
	bad := []Entry{
		{Queue: "q", Schedule: "@hourly"},
		{JobType: sweepType, Schedule: "@hourly"},
		{JobType: sweepType, Queue: "q", Schedule: "61 * * * *"},
		{JobType: sweepType, Queue: "q", Schedule: "whenever"},
	}
	for _, e := range bad {
		if err := s.Register(e); err == nil {
			t.Fatalf("Register(%+v) expected error", e)
		}
	}
}

func TestConfigOverridesAndDisabled(t *testing.T) {
	t.Parallel()
	cfg := Config{
		Enabled:   true,
		Overrides: map[domain.JobType]string{slaType: "*/5 * * * *"},
		Disabled:  []domain.JobType{sweepType},
	}
	s := New(cfg, newFakeEnqueuer(), logx.Nop())
	if err := s.RegisterTable(table()); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if len(snap.Entries) != 1 || snap.Entries[0].JobType != slaType || snap.Entries[0].Spec != "*/5 * * * *" {
		t.Fatalf("entries = %+v", snap.Entries)
	}

	// Re-enabling through Apply re-registers the stored table.
	s.Apply(Config{Enabled: true})
	snap = s.Snapshot()
	if len(snap.Entries) != 2 {
		t.Fatalf("entries after Apply = %+v", snap.Entries)
	}
	for _, e := range snap.Entries {
		if e.JobType == slaType && e.Spec != "15 * * * *" {
			t.Fatalf("override not reverted: %+v", e)
		}
	}
}

func TestStartArmsEntries(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Timezone: "UTC"}, newFakeEnqueuer(), logx.Nop())
	if err := s.RegisterTable(table()); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	stop(t, s)

	snap := s.Snapshot()
	if !snap.Running || snap.Timezone != "UTC" {
		t.Fatalf("snapshot = %+v", snap)
	}
	for _, e := range snap.Entries {
		if e.Next.IsZero() {
			t.Fatalf("%s has no next run", e.Name)
		}
	}
	s.Apply(Config{Enabled: true, Timezone: "Europe/Berlin"})
	if got := s.Snapshot().Timezone; got != "Europe/Berlin" {
		t.Fatalf("timezone = %s", got)
	}
}

func TestStartDisabledIsNoop(t *testing.T) {
	t.Parallel()
	s := New(Config{}, newFakeEnqueuer(), logx.Nop())
	_ = s.RegisterTable(table())
	s.Start(context.Background())
	stop(t, s)
	if s.Snapshot().Running {
		t.Fatal("disabled scheduler is running")
	}
}

func TestIntervalEntryTicks(t *testing.T) {
	t.Parallel()
	q := newFakeEnqueuer()
	s := New(Config{Enabled: true}, q, logx.Nop())
	if err := s.Register(Entry{JobType: sweepType, Queue: "deadline-scheduling", Schedule: "1s"}); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	stop(t, s)

	select {
	case c := <-q.fired:
		if c.jobType != sweepType || c.queue != "deadline-scheduling" {
			t.Fatalf("call = %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("interval entry never fired")
	}
}

func TestRunNowUsesStableKey(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	reg := queue.NewRegistry()
	_ = reg.Register(sweepType, "deadline-scheduling", queue.ProcessorFunc(func(ctx context.Context, _ *queue.Job) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	}))
	qs := queue.New(queue.Config{
		Enabled: true,
		Queues:  map[string]queue.QueueConfig{"deadline-scheduling": {Concurrency: 2, RatePerSec: -1}},
	}, reg, store.NewMemory(), logx.Nop())
	qs.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		qs.Stop(ctx)
	})

	s := New(Config{Enabled: true}, qs, logx.Nop())
	if err := s.Register(Entry{JobType: sweepType, Queue: "deadline-scheduling", Schedule: "@hourly"}); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	id, err := s.RunNow(ctx, sweepType)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	row, err := qs.Get(ctx, id)
	if err != nil || row.Key != "recurring-DEADLINE_OVERDUE_SWEEP" {
		t.Fatalf("row = %+v, err = %v", row, err)
	}

	if _, err := s.RunNow(ctx, sweepType); !errors.Is(err, queue.ErrDuplicate) {
		t.Fatalf("second RunNow err = %v, want ErrDuplicate", err)
	}
	if got := s.Snapshot().Entries[0]; got.Fired != 1 || got.Skipped != 1 {
		t.Fatalf("counters = %+v", got)
	}

	close(release)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if j, err := qs.Await(waitCtx, id); err != nil || j.Status != domain.JobCompleted {
		t.Fatalf("Await = %+v, %v", j, err)
	}
	if _, err := s.RunNow(ctx, sweepType); err != nil {
		t.Fatalf("RunNow after completion: %v", err)
	}

	if _, err := s.RunNow(ctx, slaType); !errors.Is(err, ErrUnknownEntry) {
		t.Fatalf("unknown entry err = %v", err)
	}
}
