package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"compliancekit/internal/domain"
)

// Memory is an in-process Store. Put* seed records; the plain accessors
// (Deadlines, Notifications, ...) return copies for assertions.
type Memory struct {
	mu sync.Mutex

	obligations   map[string]domain.Obligation
	schedules     map[string]domain.Schedule
	deadlines     map[string]domain.Deadline
	events        map[string]domain.RecurrenceEvent
	rules         map[string]domain.TriggerRule
	executions    map[string]domain.TriggerExecution
	jobs          map[string]domain.BackgroundJob
	notifications []domain.Notification
	users         []domain.User

	// Err, when set, is returned by every read and write.
	Err error
}

func NewMemory() *Memory {
	return &Memory{
		obligations: map[string]domain.Obligation{},
		schedules:   map[string]domain.Schedule{},
		deadlines:   map[string]domain.Deadline{},
		events:      map[string]domain.RecurrenceEvent{},
		rules:       map[string]domain.TriggerRule{},
		executions:  map[string]domain.TriggerExecution{},
		jobs:        map[string]domain.BackgroundJob{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) PutObligation(o domain.Obligation) {
	m.mu.Lock()
	m.obligations[o.ID] = o
	m.mu.Unlock()
}

func (m *Memory) PutSchedule(s domain.Schedule) {
	m.mu.Lock()
	m.schedules[s.ID] = s
	m.mu.Unlock()
}

func (m *Memory) PutDeadline(d domain.Deadline) {
	m.mu.Lock()
	m.deadlines[d.ID] = d
	m.mu.Unlock()
}

func (m *Memory) PutRecurrenceEvent(e domain.RecurrenceEvent) {
	m.mu.Lock()
	m.events[e.ID] = e
	m.mu.Unlock()
}

func (m *Memory) PutTriggerRule(r domain.TriggerRule) {
	m.mu.Lock()
	m.rules[r.ID] = r
	m.mu.Unlock()
}

func (m *Memory) PutUser(u domain.User) {
	m.mu.Lock()
	m.users = append(m.users, u)
	m.mu.Unlock()
}

func (m *Memory) Obligation(id string) (domain.Obligation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.obligations[id]
	return o, ok
}

func (m *Memory) Schedule(id string) (domain.Schedule, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	return s, ok
}

func (m *Memory) Schedules() []domain.Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) Deadline(id string) (domain.Deadline, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deadlines[id]
	return d, ok
}

func (m *Memory) Deadlines() []domain.Deadline {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Deadline, 0, len(m.deadlines))
	for _, d := range m.deadlines {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	return out
}

func (m *Memory) TriggerRule(id string) (domain.TriggerRule, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	return r, ok
}

func (m *Memory) TriggerExecutions() []domain.TriggerExecution {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.TriggerExecution, 0, len(m.executions))
	for _, e := range m.executions {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.Before(out[j].ExecutedAt) })
	return out
}

func (m *Memory) Notifications() []domain.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.notifications)
}

func matchScope(f Filter, companyID, siteID string) bool {
	if f.CompanyID != "" && f.CompanyID != companyID {
		return false
	}
	if f.SiteID != "" && f.SiteID != siteID {
		return false
	}
	return true
}

func (m *Memory) ListScheduledObligations(ctx context.Context, f Filter) ([]domain.ScheduledObligation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []domain.ScheduledObligation
	for _, s := range m.schedules {
		if !s.IsActive {
			continue
		}
		o, ok := m.obligations[s.ObligationID]
		if !ok || o.DeletedAt != nil {
			continue
		}
		if !matchScope(f, o.CompanyID, o.SiteID) || (f.ObligationID != "" && f.ObligationID != o.ID) {
			continue
		}
		out = append(out, domain.ScheduledObligation{Obligation: o, Schedule: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Schedule.ID < out[j].Schedule.ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) UpdateObligationState(ctx context.Context, id string, status domain.ObligationStatus, deadline *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	o, ok := m.obligations[id]
	if !ok {
		return ErrNotFound
	}
	o.Status = status
	o.DeadlineDate = deadline
	m.obligations[id] = o
	return nil
}

func (m *Memory) UpdateScheduleNextDue(ctx context.Context, scheduleID string, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	s, ok := m.schedules[scheduleID]
	if !ok {
		return ErrNotFound
	}
	s.NextDueDate = domain.TimePtr(next)
	m.schedules[scheduleID] = s
	return nil
}

func (m *Memory) CreateSchedule(ctx context.Context, s *domain.Schedule) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	if _, ok := m.schedules[s.ID]; ok {
		return false, nil
	}
	m.schedules[s.ID] = *s
	return true, nil
}

func (m *Memory) InsertDeadlineIfAbsent(ctx context.Context, d *domain.Deadline) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	for _, cur := range m.deadlines {
		if cur.ObligationID == d.ObligationID && cur.DueDate.Equal(d.DueDate) {
			d.ID = cur.ID
			return false, nil
		}
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	m.deadlines[d.ID] = *d
	return true, nil
}

func (m *Memory) ListOverdueBreaches(ctx context.Context, limit int) ([]domain.Deadline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []domain.Deadline
	for _, d := range m.deadlines {
		if d.Status == domain.DeadlineOverdue && d.SLABreachedAt != nil {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SLABreachedAt.Before(*out[j].SLABreachedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpdateBreachDuration(ctx context.Context, id string, hours int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	d, ok := m.deadlines[id]
	if !ok {
		return ErrNotFound
	}
	d.SLABreachDurationHours = hours
	m.deadlines[id] = d
	return nil
}

func (m *Memory) ListLapsedDeadlines(ctx context.Context, asOf time.Time, limit int) ([]domain.Deadline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []domain.Deadline
	for _, d := range m.deadlines {
		switch d.Status {
		case domain.DeadlinePending:
			if !d.DueDate.After(asOf) {
				out = append(out, d)
			}
		case domain.DeadlineOverdue:
			target := d.DueDate
			if d.SLATargetDate != nil {
				target = *d.SLATargetDate
			}
			if d.SLABreachedAt == nil && !target.After(asOf) {
				out = append(out, d)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkDeadlineOverdue(ctx context.Context, id string, breachedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	d, ok := m.deadlines[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = domain.DeadlineOverdue
	if d.SLABreachedAt == nil {
		d.SLABreachedAt = breachedAt
	}
	m.deadlines[id] = d
	return nil
}

func (m *Memory) ListDueEventRules(ctx context.Context, asOf time.Time, f Filter) ([]domain.TriggerRule, error) {
	return m.listRules(f, func(r domain.TriggerRule) bool {
		return r.RuleType == domain.RuleEventBased &&
			(r.NextExecutionDate == nil || !r.NextExecutionDate.After(asOf))
	})
}

func (m *Memory) ListConditionalRules(ctx context.Context, f Filter) ([]domain.TriggerRule, error) {
	return m.listRules(f, func(r domain.TriggerRule) bool { return r.RuleType == domain.RuleConditional })
}

func (m *Memory) listRules(f Filter, keep func(domain.TriggerRule) bool) ([]domain.TriggerRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []domain.TriggerRule
	for _, r := range m.rules {
		if !r.IsActive || !keep(r) || !matchScope(f, r.CompanyID, r.SiteID) {
			continue
		}
		if f.RuleID != "" && f.RuleID != r.ID {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) GetRecurrenceEvent(ctx context.Context, id string) (domain.RecurrenceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return domain.RecurrenceEvent{}, m.Err
	}
	e, ok := m.events[id]
	if !ok {
		return domain.RecurrenceEvent{}, ErrNotFound
	}
	return e, nil
}

func (m *Memory) CreateTriggerExecution(ctx context.Context, e *domain.TriggerExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if _, ok := m.executions[e.ID]; !ok {
		m.executions[e.ID] = *e
	}
	return nil
}

func (m *Memory) AdvanceTriggerRule(ctx context.Context, id string, expectedCount int, executedAt time.Time, next *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	r, ok := m.rules[id]
	if !ok {
		return ErrNotFound
	}
	if r.ExecutionCount != expectedCount {
		return ErrConflict
	}
	r.ExecutionCount++
	r.LastExecutedAt = domain.TimePtr(executedAt)
	r.NextExecutionDate = next
	m.rules[id] = r
	return nil
}

func (m *Memory) CreateJob(ctx context.Context, j *domain.BackgroundJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.jobs[j.ID] = *j
	return nil
}

func (m *Memory) UpdateJob(ctx context.Context, j *domain.BackgroundJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if _, ok := m.jobs[j.ID]; !ok {
		return ErrNotFound
	}
	m.jobs[j.ID] = *j
	return nil
}

func (m *Memory) UpdateJobProgress(ctx context.Context, id string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Progress = progress
	m.jobs[id] = j
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id string) (domain.BackgroundJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return domain.BackgroundJob{}, m.Err
	}
	j, ok := m.jobs[id]
	if !ok {
		return domain.BackgroundJob{}, ErrNotFound
	}
	return j, nil
}

func (m *Memory) ListJobs(ctx context.Context, statuses []domain.JobStatus, limit int) ([]domain.BackgroundJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []domain.BackgroundJob
	for _, j := range m.jobs {
		if len(statuses) == 0 || slices.Contains(statuses, j.Status) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) PruneJobs(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	var n int64
	for id, j := range m.jobs {
		if j.Status.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(before) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) CreateNotification(ctx context.Context, n *domain.Notification) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	if n.DedupKey != "" {
		for _, cur := range m.notifications {
			if cur.DedupKey == n.DedupKey {
				n.ID = cur.ID
				return false, nil
			}
		}
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	m.notifications = append(m.notifications, *n)
	return true, nil
}

func (m *Memory) ListRecipients(ctx context.Context, companyID string, roles []domain.Role) ([]domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []domain.User
	for _, u := range m.users {
		if u.CompanyID != companyID {
			continue
		}
		for _, r := range u.Roles {
			if slices.Contains(roles, r) {
				out = append(out, u)
				break
			}
		}
	}
	return out, nil
}

var _ Store = (*Memory)(nil)
