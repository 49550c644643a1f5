package cron

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"compliancekit/internal/domain"
	"compliancekit/internal/queue"
	logx "compliancekit/pkg/logx"
)

var ErrUnknownEntry = errors.New("cron: unknown entry")

const (
	tickEnqueueTimeout  = 10 * time.Second
	enqueueWarnThrottle = 5 * time.Second
)

// Register adds or replaces the entry named "recurring-<JOB_TYPE>".
// Overrides from Config apply; a disabled job type is removed instead.
func (s *Service) Register(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registerLocked(e)
}

// RegisterTable registers every entry of the table. Entries registered by a
// previous table and missing from this one are removed. Calling it again with
// the same table is a no-op apart from re-arming the entries.
func (s *Service) RegisterTable(table []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registerTableLocked(table)
}

func (s *Service) registerTableLocked(table []Entry) error {
	keep := make(map[string]bool, len(table))
	for _, e := range table {
		keep[e.Name()] = true
	}
	for _, old := range s.table {
		if !keep[old.Name()] {
			s.removeLocked(old.Name())
		}
	}
	s.table = slices.Clone(table)

	var errs []error
	for _, e := range table {
		if err := s.registerLocked(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) registerLocked(e Entry) error {
	if strings.TrimSpace(string(e.JobType)) == "" {
		return errors.New("cron: job type required")
	}
	if strings.TrimSpace(e.Queue) == "" {
		return fmt.Errorf("cron: %s: queue required", e.JobType)
	}
	name := e.Name()
	if slices.Contains(s.cfg.Disabled, e.JobType) {
		if s.removeLocked(name) {
			s.log.Info("entry disabled", logx.String("name", name))
		}
		return nil
	}
	if o := strings.TrimSpace(s.cfg.Overrides[e.JobType]); o != "" {
		e.Schedule = o
	}
	ps, err := ParseSchedule(e.Schedule)
	if err != nil {
		return fmt.Errorf("cron: %s: %w", name, err)
	}
	spec := ps.Expr()
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("cron: %s: %w", name, err)
	}

	// upsert by name
	s.removeLocked(name)
	d := &entryDef{entry: e, spec: spec}
	s.defs = append(s.defs, d)
	s.addLocked(d)

	args := []logx.Field{logx.String("name", name), logx.String("queue", e.Queue), logx.String("spec", spec)}
	if next := s.previewNextRunsLocked(spec, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("entry registered", args...)
	return nil
}

// Remove unregisters the entry with the given name.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	if name == "" {
		return false
	}
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.entry.Name() == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	clear(s.defs[n:])
	s.defs = s.defs[:n]
	return removed
}

// RunNow enqueues the registered entry for jobType immediately, under the
// same key a tick would use.
func (s *Service) RunNow(ctx context.Context, jobType domain.JobType) (string, error) {
	s.mu.Lock()
	var d *entryDef
	for _, cand := range s.defs {
		if cand.entry.JobType == jobType {
			d = cand
			break
		}
	}
	s.mu.Unlock()
	if d == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownEntry, jobType)
	}
	return s.enqueue(ctx, d)
}

func (s *Service) addLocked(d *entryDef) {
	if s.c == nil {
		return
	}
	job := func() { s.tick(d) }

	if every, ok := strings.CutPrefix(d.spec, "@every "); ok {
		if dur, err := time.ParseDuration(strings.TrimSpace(every)); err == nil && dur > 0 {
			sched, jitter := intervalWithSpread(dur, time.Now().In(s.loc), d.entry.Name())
			d.spread = jitter
			d.entryID = s.c.Schedule(sched, funcJob(job))
			return
		}
	}
	d.spread = 0
	id, err := s.c.AddFunc(d.spec, job)
	if err != nil {
		s.log.Error("entry register failed", logx.String("name", d.entry.Name()), logx.String("spec", d.spec), logx.Err(err))
		return
	}
	d.entryID = id
}

type funcJob func()

func (f funcJob) Run() { f() }

func (s *Service) tick(d *entryDef) {
	ctx, cancel := context.WithTimeout(context.Background(), tickEnqueueTimeout)
	defer cancel()
	_, _ = s.enqueue(ctx, d)
}

func (s *Service) enqueue(ctx context.Context, d *entryDef) (string, error) {
	if s.q == nil {
		return "", queue.ErrDisabled
	}
	e := d.entry
	opts := []queue.EnqueueOption{queue.WithKey(e.Name())}
	if e.Timeout > 0 {
		opts = append(opts, queue.WithTimeout(e.Timeout))
	}
	id, err := s.q.Enqueue(ctx, e.JobType, e.Queue, e.Payload, opts...)
	if err != nil {
		if errors.Is(err, queue.ErrDuplicate) {
			d.skipped.Add(1)
		}
		s.reportEnqueueError(e.Name(), err)
		return "", err
	}
	d.fired.Add(1)
	s.log.Debug("entry fired", logx.String("name", e.Name()), logx.String("job_id", id))
	return id, nil
}

func (s *Service) reportEnqueueError(name string, err error) {
	// The previous run is still in flight; skipping is the point of the key.
	if errors.Is(err, queue.ErrDuplicate) {
		s.log.Debug("entry skipped", logx.String("name", name), logx.Err(err))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	s.log.Warn("entry failed to enqueue", logx.String("name", name), logx.Err(err))
}

// previewNextRunsLocked lists the upcoming run times for debug logs.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
