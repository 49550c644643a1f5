package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"compliancekit/internal/domain"
	"compliancekit/internal/eventbus"
	"compliancekit/internal/store"
	logx "compliancekit/pkg/logx"
)

const testType domain.JobType = "TEST_JOB"

func testConfig() Config {
	return Config{
		Enabled:       true,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		Queues:        map[string]QueueConfig{"default": {Concurrency: 2, RatePerSec: -1}},
	}
}

func startService(t *testing.T, cfg Config, p Processor, opts ...Option) (*Service, *store.Memory) {
	t.Helper()
	reg := NewRegistry()
	if err := reg.Register(testType, "default", p); err != nil {
		t.Fatalf("Register: %v", err)
	}
	mem := store.NewMemory()
	s := New(cfg, reg, mem, logx.Nop(), opts...)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, mem
}

func await(t *testing.T, s *Service, id string) domain.BackgroundJob {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	j, err := s.Await(ctx, id)
	if err != nil {
		t.Fatalf("Await(%s): %v (last status %s)", id, err, j.Status)
	}
	return j
}

func TestEnqueueCompletesAndStoresResult(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()

	s, _ := startService(t, testConfig(), ProcessorFunc(func(ctx context.Context, job *Job) (any, error) {
		var in struct {
			N int `json:"n"`
		}
		if err := job.Decode(&in); err != nil {
			return nil, err
		}
		return map[string]int{"doubled": in.N * 2}, nil
	}), WithBus(bus))

	id, err := s.Enqueue(context.Background(), testType, "", map[string]int{"n": 21})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	j := await(t, s, id)
	if j.Status != domain.JobCompleted || j.Attempts != 1 || j.Progress != 100 {
		t.Fatalf("job = %+v", j)
	}
	if string(j.Result) != `{"doubled":42}` {
		t.Fatalf("result = %s", j.Result)
	}
	if j.Queue != "default" || j.CompletedAt == nil {
		t.Fatalf("queue/completed_at not recorded: %+v", j)
	}

	want := []string{eventbus.JobEnqueued, eventbus.JobStarted, eventbus.JobCompleted}
	for _, w := range want {
		select {
		case ev := <-events:
			if ev.Type != w {
				t.Fatalf("event = %s, want %s", ev.Type, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing event %s", w)
		}
	}
}

func TestRetryThenSuccess(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	s, _ := startService(t, testConfig(), ProcessorFunc(func(ctx context.Context, job *Job) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return nil, nil
	}))

	id, err := s.Enqueue(context.Background(), testType, "default", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	j := await(t, s, id)
	if j.Status != domain.JobCompleted || j.Attempts != 2 {
		t.Fatalf("job = %+v, want COMPLETED after 2 attempts", j)
	}
	if snap := s.Snapshot(); snap.Retried != 1 || snap.Completed != 1 {
		t.Fatalf("snapshot retried=%d completed=%d", snap.Retried, snap.Completed)
	}
}

func TestExhaustedAttemptsMarkFailed(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	s, _ := startService(t, testConfig(), ProcessorFunc(func(ctx context.Context, job *Job) (any, error) {
		calls.Add(1)
		return nil, errors.New("store unavailable")
	}))

	id, _ := s.Enqueue(context.Background(), testType, "", nil)
	j := await(t, s, id)
	if j.Status != domain.JobFailed || j.Attempts != 3 || j.ErrorMessage != "store unavailable" {
		t.Fatalf("job = %+v", j)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestNoRetryFailsImmediately(t *testing.T) {
	t.Parallel()
	s, _ := startService(t, testConfig(), ProcessorFunc(func(ctx context.Context, job *Job) (any, error) {
		return nil, NoRetry(errors.New("malformed frequency"))
	}))

	id, _ := s.Enqueue(context.Background(), testType, "", nil)
	j := await(t, s, id)
	if j.Status != domain.JobFailed || j.Attempts != 1 {
		t.Fatalf("job = %+v", j)
	}
	if strings.Contains(j.ErrorMessage, "no-retry") || j.ErrorMessage != "malformed frequency" {
		t.Fatalf("error_message = %q", j.ErrorMessage)
	}
}

func TestMalformedPayloadIsPermanent(t *testing.T) {
	t.Parallel()
	s, _ := startService(t, testConfig(), ProcessorFunc(func(ctx context.Context, job *Job) (any, error) {
		var v struct{ N int }
		return nil, job.Decode(&v)
	}))
	id, _ := s.Enqueue(context.Background(), testType, "", []byte(`"not an object"`))
	if j := await(t, s, id); j.Status != domain.JobFailed || j.Attempts != 1 {
		t.Fatalf("job = %+v", j)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()
	s, _ := startService(t, testConfig(), ProcessorFunc(func(ctx context.Context, job *Job) (any, error) {
		panic("boom")
	}))
	id, _ := s.Enqueue(context.Background(), testType, "", nil, WithMaxAttempts(1))
	j := await(t, s, id)
	if j.Status != domain.JobFailed || !strings.Contains(j.ErrorMessage, "panic: boom") {
		t.Fatalf("job = %+v", j)
	}
}

func TestTimeoutAppliesPerAttempt(t *testing.T) {
	t.Parallel()
	s, _ := startService(t, testConfig(), ProcessorFunc(func(ctx context.Context, job *Job) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	id, _ := s.Enqueue(context.Background(), testType, "", nil, WithMaxAttempts(1), WithTimeout(10*time.Millisecond))
	j := await(t, s, id)
	if j.Status != domain.JobFailed || !strings.Contains(j.ErrorMessage, "deadline exceeded") {
		t.Fatalf("job = %+v", j)
	}
}

func TestKeyedJobsAreExclusive(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	s, _ := startService(t, testConfig(), ProcessorFunc(func(ctx context.Context, job *Job) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	}))

	ctx := context.Background()
	id, err := s.Enqueue(ctx, testType, "", nil, WithKey("recurring-TEST_JOB"))
	if err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if _, err := s.Enqueue(ctx, testType, "", nil, WithKey("recurring-TEST_JOB")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second Enqueue err = %v, want ErrDuplicate", err)
	}
	close(release)
	await(t, s, id)

	if _, err := s.Enqueue(ctx, testType, "", nil, WithKey("recurring-TEST_JOB")); err != nil {
		t.Fatalf("Enqueue after completion: %v", err)
	}
}

func TestQueueConcurrencyLimit(t *testing.T) {
	t.Parallel()
	var (
		mu       sync.Mutex
		cur, max int
	)
	s, _ := startService(t, testConfig(), ProcessorFunc(func(ctx context.Context, job *Job) (any, error) {
		mu.Lock()
		cur++
		if cur > max {
			max = cur
		}
		mu.Unlock()
		time.Sleep(15 * time.Millisecond)
		mu.Lock()
		cur--
		mu.Unlock()
		return nil, nil
	}))

	var ids []string
	for i := 0; i < 8; i++ {
		id, err := s.Enqueue(context.Background(), testType, "", nil)
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		await(t, s, id)
	}
	mu.Lock()
	defer mu.Unlock()
	if max > 2 {
		t.Fatalf("max concurrent = %d, want <= 2", max)
	}
}

func TestProgressIsPersisted(t *testing.T) {
	t.Parallel()
	seen := make(chan int, 1)
	var mem *store.Memory
	s, mem := startService(t, testConfig(), ProcessorFunc(func(ctx context.Context, job *Job) (any, error) {
		if err := job.Progress(ctx, 40); err != nil {
			return nil, err
		}
		j, _ := mem.GetJob(ctx, job.ID)
		seen <- j.Progress
		return nil, nil
	}))
	id, _ := s.Enqueue(context.Background(), testType, "", nil)
	await(t, s, id)
	if p := <-seen; p != 40 {
		t.Fatalf("progress mid-run = %d, want 40", p)
	}
}

func TestEnqueueErrors(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	_ = reg.Register(testType, "default", ProcessorFunc(func(context.Context, *Job) (any, error) { return nil, nil }))
	ctx := context.Background()

	disabled := New(Config{}, reg, store.NewMemory(), logx.Nop())
	if _, err := disabled.Enqueue(ctx, testType, "", nil); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled err = %v", err)
	}

	notStarted := New(Config{Enabled: true}, reg, store.NewMemory(), logx.Nop())
	if _, err := notStarted.Enqueue(ctx, testType, "", nil); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started err = %v", err)
	}
	if _, err := notStarted.Enqueue(ctx, "NOPE", "", nil); !errors.Is(err, ErrUnknownJobType) {
		t.Fatalf("unknown type err = %v", err)
	}
	if _, err := notStarted.Enqueue(ctx, testType, "nope", nil); !errors.Is(err, ErrUnknownQueue) {
		t.Fatalf("unknown queue err = %v", err)
	}
	if err := reg.Register(testType, "default", ProcessorFunc(func(context.Context, *Job) (any, error) { return nil, nil })); err == nil {
		t.Fatalf("duplicate registration should fail")
	}
}

func TestRecoverRequeuesLeftoverRows(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	_ = reg.Register(testType, "default", ProcessorFunc(func(context.Context, *Job) (any, error) { return "ok", nil }))
	mem := store.NewMemory()
	ctx := context.Background()
	created := time.Now().Add(-time.Hour)
	_ = mem.CreateJob(ctx, &domain.BackgroundJob{ID: "left-pending", JobType: testType, Queue: "default", Status: domain.JobPending, MaxAttempts: 3, CreatedAt: created})
	_ = mem.CreateJob(ctx, &domain.BackgroundJob{ID: "left-active", JobType: testType, Queue: "default", Status: domain.JobActive, Attempts: 1, MaxAttempts: 3, CreatedAt: created})
	_ = mem.CreateJob(ctx, &domain.BackgroundJob{ID: "orphan", JobType: "GONE", Queue: "default", Status: domain.JobPending, CreatedAt: created})

	s := New(testConfig(), reg, mem, logx.Nop())
	s.Start(ctx)
	defer s.Stop(ctx)

	n, err := s.Recover(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Recover = %d, %v; want 2", n, err)
	}
	if j := await(t, s, "left-pending"); j.Status != domain.JobCompleted {
		t.Fatalf("left-pending = %+v", j)
	}
	if j := await(t, s, "left-active"); j.Status != domain.JobCompleted || j.Attempts != 2 {
		t.Fatalf("left-active = %+v", j)
	}
	if j, _ := mem.GetJob(ctx, "orphan"); j.Status != domain.JobFailed {
		t.Fatalf("orphan = %+v, want FAILED", j)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	p := retryPolicy{base: 500 * time.Millisecond, max: 15 * time.Second}
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{6, 15 * time.Second},
		{20, 15 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(p, tt.retry, nil); got != tt.want {
			t.Fatalf("backoffDelay(%d) = %s, want %s", tt.retry, got, tt.want)
		}
	}
	hinted := RetryAfter(errors.New("slow down"), time.Minute)
	if got := backoffDelayWithHint(p, 1, hinted, nil); got != 15*time.Second {
		t.Fatalf("hint must be capped, got %s", got)
	}
	if got := backoffDelayWithHint(p, 1, RetryAfter(errors.New("x"), 3*time.Second), nil); got != 3*time.Second {
		t.Fatalf("hint = %s, want 3s", got)
	}
}

func TestMemoryLocker(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLocker()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _ := l.Acquire(ctx, "k", "a", time.Minute); !ok {
		t.Fatalf("first acquire")
	}
	if ok, _ := l.Acquire(ctx, "k", "a", time.Minute); !ok {
		t.Fatalf("same owner must re-acquire")
	}
	if ok, _ := l.Acquire(ctx, "k", "b", time.Minute); ok {
		t.Fatalf("other owner must be refused")
	}
	_ = l.Release(ctx, "k", "b")
	if ok, _ := l.Acquire(ctx, "k", "b", time.Minute); ok {
		t.Fatalf("release by non-owner must be ignored")
	}
	now = now.Add(2 * time.Minute)
	if ok, _ := l.Acquire(ctx, "k", "b", time.Minute); !ok {
		t.Fatalf("expired lock must be takeable")
	}
}

func TestReportProgressThrottles(t *testing.T) {
	t.Parallel()
	var got []int
	ctx := WithProgress(context.Background(), func(_ context.Context, pct int) error {
		got = append(got, pct)
		return nil
	})
	for i := 0; i <= 50; i++ {
		ReportProgress(ctx, i, 50)
	}
	ReportProgress(ctx, 10, 50) // never backwards
	want := []int{6, 12, 18, 24, 30, 36, 42, 48, 54, 60, 66, 72, 78, 84, 90, 96, 100}
	if len(got) != len(want) {
		t.Fatalf("reported %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("reported %v, want %v", got, want)
		}
	}

	// No sink attached.
	ReportProgress(context.Background(), 1, 2)
}

func TestReportProgressReachesJobRow(t *testing.T) {
	t.Parallel()
	seen := make(chan int, 1)
	var mem *store.Memory
	s, mem := startService(t, testConfig(), ProcessorFunc(func(ctx context.Context, job *Job) (any, error) {
		ReportProgress(ctx, 1, 4)
		j, _ := mem.GetJob(ctx, job.ID)
		seen <- j.Progress
		return nil, nil
	}))
	id, _ := s.Enqueue(context.Background(), testType, "", nil)
	await(t, s, id)
	if p := <-seen; p != 25 {
		t.Fatalf("progress mid-run = %d, want 25", p)
	}
}
