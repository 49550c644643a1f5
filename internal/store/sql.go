package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"compliancekit/internal/domain"
	logx "compliancekit/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Dialect selects placeholder style and migration file.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

type sqlStore struct {
	db      *sql.DB
	dialect Dialect
	log     logx.Logger
}

// NewSQL wraps an open database. It does not run migrations; see Migrate.
func NewSQL(db *sql.DB, dialect Dialect, log logx.Logger) Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqlStore{db: db, dialect: dialect, log: log.With(logx.String("comp", "store"), logx.String("dialect", string(dialect)))}
}

// Migrate applies the embedded schema for the dialect. Statements are
// idempotent (CREATE ... IF NOT EXISTS).
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	b, err := migrationsFS.ReadFile("migrations/" + string(dialect) + ".sql")
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", dialect, err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *sqlStore) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *sqlStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	return s.db.QueryContext(ctx, s.rebind(q), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(q), args...)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return domain.StringPtr(ns.String)
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	return domain.TimePtr(nt.Time.UTC())
}

func limitClause(n int) string {
	if n <= 0 {
		return ""
	}
	return " LIMIT " + strconv.Itoa(n)
}

// scope appends tenant/site filters on the given table alias.
func scope(where []string, args []any, alias string, f Filter) ([]string, []any) {
	if f.CompanyID != "" {
		where = append(where, alias+".company_id = ?")
		args = append(args, f.CompanyID)
	}
	if f.SiteID != "" {
		where = append(where, alias+".site_id = ?")
		args = append(args, f.SiteID)
	}
	return where, args
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

const scheduledCols = `o.id, o.company_id, o.site_id, o.title, o.frequency, o.status, o.deadline_date,
 s.id, s.frequency, s.base_date, s.next_due_date, s.last_completed_date, s.pattern_unit, s.pattern_multiplier, s.trigger_execution_id`

func (s *sqlStore) ListScheduledObligations(ctx context.Context, f Filter) ([]domain.ScheduledObligation, error) {
	where := []string{"s.is_active", "o.deleted_at IS NULL"}
	var args []any
	where, args = scope(where, args, "o", f)
	if f.ObligationID != "" {
		where = append(where, "o.id = ?")
		args = append(args, f.ObligationID)
	}
	q := `SELECT ` + scheduledCols + ` FROM schedules s JOIN obligations o ON o.id = s.obligation_id WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY s.id` + limitClause(f.Limit)
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ScheduledObligation
	for rows.Next() {
		var (
			so                        domain.ScheduledObligation
			deadline, next, completed sql.NullTime
			execID                    sql.NullString
		)
		o, sc := &so.Obligation, &so.Schedule
		if err := rows.Scan(&o.ID, &o.CompanyID, &o.SiteID, &o.Title, &o.Frequency, &o.Status, &deadline,
			&sc.ID, &sc.Frequency, &sc.BaseDate, &next, &completed, &sc.Pattern.Unit, &sc.Pattern.Multiplier, &execID); err != nil {
			return nil, err
		}
		o.DeadlineDate = timePtr(deadline)
		sc.ObligationID, sc.CompanyID, sc.SiteID = o.ID, o.CompanyID, o.SiteID
		sc.BaseDate = sc.BaseDate.UTC()
		sc.NextDueDate = timePtr(next)
		sc.LastCompletedDate = timePtr(completed)
		sc.TriggerExecutionID = strPtr(execID)
		sc.IsActive = true
		out = append(out, so)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateObligationState(ctx context.Context, id string, status domain.ObligationStatus, deadline *time.Time) error {
	res, err := s.exec(ctx, `UPDATE obligations SET status = ?, deadline_date = ? WHERE id = ?`, string(status), nullTime(deadline), id)
	if err != nil {
		return err
	}
	if n, err := affected(res); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) UpdateScheduleNextDue(ctx context.Context, scheduleID string, next time.Time) error {
	res, err := s.exec(ctx, `UPDATE schedules SET next_due_date = ? WHERE id = ?`, next.UTC(), scheduleID)
	if err != nil {
		return err
	}
	if n, err := affected(res); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) CreateSchedule(ctx context.Context, sc *domain.Schedule) (bool, error) {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	res, err := s.exec(ctx,
		`INSERT INTO schedules (id, obligation_id, company_id, site_id, frequency, base_date, next_due_date, last_completed_date, pattern_unit, pattern_multiplier, is_active, trigger_execution_id)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT (id) DO NOTHING`,
		sc.ID, sc.ObligationID, sc.CompanyID, sc.SiteID, string(sc.Frequency), sc.BaseDate.UTC(),
		nullTime(sc.NextDueDate), nullTime(sc.LastCompletedDate), string(sc.Pattern.Unit), sc.Pattern.Multiplier,
		sc.IsActive, sc.TriggerExecutionID,
	)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n > 0, err
}

func (s *sqlStore) InsertDeadlineIfAbsent(ctx context.Context, d *domain.Deadline) (bool, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = domain.DeadlinePending
	}
	due := d.DueDate.UTC()
	res, err := s.exec(ctx,
		`INSERT INTO deadlines (id, obligation_id, company_id, site_id, schedule_id, trigger_execution_id, due_date, status, sla_target_date, sla_breached_at, sla_breach_duration_hours, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT (obligation_id, due_date) DO NOTHING`,
		d.ID, d.ObligationID, d.CompanyID, d.SiteID, d.ScheduleID, d.TriggerExecutionID, due, string(d.Status),
		nullTime(d.SLATargetDate), nullTime(d.SLABreachedAt), d.SLABreachDurationHours, d.CreatedAt.UTC(),
	)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var existing string
	err = s.queryRow(ctx, `SELECT id FROM deadlines WHERE obligation_id = ? AND due_date = ?`, d.ObligationID, due).Scan(&existing)
	if err != nil {
		return false, fmt.Errorf("lookup existing deadline: %w", err)
	}
	d.ID = existing
	return false, nil
}

const deadlineCols = `id, obligation_id, company_id, site_id, schedule_id, trigger_execution_id, due_date, status, sla_target_date, sla_breached_at, sla_breach_duration_hours, created_at`

func scanDeadlines(rows *sql.Rows) ([]domain.Deadline, error) {
	defer rows.Close()
	var out []domain.Deadline
	for rows.Next() {
		var (
			d                  domain.Deadline
			schedID, execID    sql.NullString
			target, breachedAt sql.NullTime
		)
		if err := rows.Scan(&d.ID, &d.ObligationID, &d.CompanyID, &d.SiteID, &schedID, &execID, &d.DueDate, &d.Status,
			&target, &breachedAt, &d.SLABreachDurationHours, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.DueDate = d.DueDate.UTC()
		d.CreatedAt = d.CreatedAt.UTC()
		d.ScheduleID = strPtr(schedID)
		d.TriggerExecutionID = strPtr(execID)
		d.SLATargetDate = timePtr(target)
		d.SLABreachedAt = timePtr(breachedAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListOverdueBreaches(ctx context.Context, limit int) ([]domain.Deadline, error) {
	rows, err := s.query(ctx, `SELECT `+deadlineCols+` FROM deadlines WHERE status = ? AND sla_breached_at IS NOT NULL ORDER BY sla_breached_at ASC`+limitClause(limit),
		string(domain.DeadlineOverdue))
	if err != nil {
		return nil, err
	}
	return scanDeadlines(rows)
}

func (s *sqlStore) UpdateBreachDuration(ctx context.Context, id string, hours int) error {
	_, err := s.exec(ctx, `UPDATE deadlines SET sla_breach_duration_hours = ? WHERE id = ?`, hours, id)
	return err
}

func (s *sqlStore) ListLapsedDeadlines(ctx context.Context, asOf time.Time, limit int) ([]domain.Deadline, error) {
	asOf = asOf.UTC()
	rows, err := s.query(ctx, `SELECT `+deadlineCols+` FROM deadlines
		WHERE (status = ? AND due_date <= ?)
		   OR (status = ? AND sla_breached_at IS NULL AND COALESCE(sla_target_date, due_date) <= ?)
		ORDER BY due_date ASC`+limitClause(limit),
		string(domain.DeadlinePending), asOf, string(domain.DeadlineOverdue), asOf)
	if err != nil {
		return nil, err
	}
	return scanDeadlines(rows)
}

func (s *sqlStore) MarkDeadlineOverdue(ctx context.Context, id string, breachedAt *time.Time) error {
	_, err := s.exec(ctx, `UPDATE deadlines SET status = ?, sla_breached_at = COALESCE(sla_breached_at, ?) WHERE id = ?`,
		string(domain.DeadlineOverdue), nullTime(breachedAt), id)
	return err
}

const ruleCols = `id, company_id, site_id, obligation_id, rule_type, recurrence_event_id, trigger_expression, rule_config, target_entity_type, template_data, last_executed_at, next_execution_date, execution_count, is_active`

func (s *sqlStore) ListDueEventRules(ctx context.Context, asOf time.Time, f Filter) ([]domain.TriggerRule, error) {
	where := []string{"r.is_active", "r.rule_type = ?", "(r.next_execution_date IS NULL OR r.next_execution_date <= ?)"}
	args := []any{string(domain.RuleEventBased), asOf.UTC()}
	return s.listRules(ctx, where, args, f)
}

func (s *sqlStore) ListConditionalRules(ctx context.Context, f Filter) ([]domain.TriggerRule, error) {
	return s.listRules(ctx, []string{"r.is_active", "r.rule_type = ?"}, []any{string(domain.RuleConditional)}, f)
}

func (s *sqlStore) listRules(ctx context.Context, where []string, args []any, f Filter) ([]domain.TriggerRule, error) {
	where, args = scope(where, args, "r", f)
	if f.RuleID != "" {
		where = append(where, "r.id = ?")
		args = append(args, f.RuleID)
	}
	cols := "r." + strings.ReplaceAll(ruleCols, ", ", ", r.")
	rows, err := s.query(ctx, `SELECT `+cols+` FROM trigger_rules r WHERE `+strings.Join(where, " AND ")+` ORDER BY r.id`+limitClause(f.Limit), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TriggerRule
	for rows.Next() {
		var (
			r                  domain.TriggerRule
			eventID            sql.NullString
			cfgRaw, tplRaw     []byte
			lastExec, nextExec sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.CompanyID, &r.SiteID, &r.ObligationID, &r.RuleType, &eventID, &r.TriggerExpression,
			&cfgRaw, &r.TargetEntityType, &tplRaw, &lastExec, &nextExec, &r.ExecutionCount, &r.IsActive); err != nil {
			return nil, err
		}
		if len(cfgRaw) > 0 {
			if err := json.Unmarshal(cfgRaw, &r.Config); err != nil {
				return nil, fmt.Errorf("rule %s: rule_config: %w", r.ID, err)
			}
		}
		if len(tplRaw) > 0 {
			if err := json.Unmarshal(tplRaw, &r.TemplateData); err != nil {
				return nil, fmt.Errorf("rule %s: template_data: %w", r.ID, err)
			}
		}
		r.RecurrenceEventID = strPtr(eventID)
		r.LastExecutedAt = timePtr(lastExec)
		r.NextExecutionDate = timePtr(nextExec)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetRecurrenceEvent(ctx context.Context, id string) (domain.RecurrenceEvent, error) {
	var e domain.RecurrenceEvent
	err := s.queryRow(ctx, `SELECT id, company_id, site_id, event_type, event_date FROM recurrence_events WHERE id = ?`, id).
		Scan(&e.ID, &e.CompanyID, &e.SiteID, &e.EventType, &e.EventDate)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RecurrenceEvent{}, ErrNotFound
	}
	e.EventDate = e.EventDate.UTC()
	return e, err
}

func (s *sqlStore) CreateTriggerExecution(ctx context.Context, e *domain.TriggerExecution) error {
	data, err := json.Marshal(e.ExecutionData)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO trigger_executions (id, rule_id, entity_type, entity_id, execution_data, executed_at)
		 VALUES (?,?,?,?,?,?) ON CONFLICT (id) DO NOTHING`,
		e.ID, e.RuleID, string(e.EntityType), e.EntityID, string(data), e.ExecutedAt.UTC())
	return err
}

func (s *sqlStore) AdvanceTriggerRule(ctx context.Context, id string, expectedCount int, executedAt time.Time, next *time.Time) error {
	res, err := s.exec(ctx,
		`UPDATE trigger_rules SET execution_count = execution_count + 1, last_executed_at = ?, next_execution_date = ?
		 WHERE id = ? AND execution_count = ?`,
		executedAt.UTC(), nullTime(next), id, expectedCount)
	if err != nil {
		return err
	}
	if n, err := affected(res); err != nil {
		return err
	} else if n == 0 {
		return ErrConflict
	}
	return nil
}

func rawOrNil(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func (s *sqlStore) CreateJob(ctx context.Context, j *domain.BackgroundJob) error {
	_, err := s.exec(ctx,
		`INSERT INTO background_jobs (id, job_key, job_type, queue, status, payload, result, error_message, attempts, max_attempts, progress, created_at, started_at, completed_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Key, string(j.JobType), j.Queue, string(j.Status), rawOrNil(j.Payload), rawOrNil(j.Result), j.ErrorMessage,
		j.Attempts, j.MaxAttempts, j.Progress, j.CreatedAt.UTC(), nullTime(j.StartedAt), nullTime(j.CompletedAt))
	return err
}

func (s *sqlStore) UpdateJob(ctx context.Context, j *domain.BackgroundJob) error {
	res, err := s.exec(ctx,
		`UPDATE background_jobs SET status = ?, result = ?, error_message = ?, attempts = ?, progress = ?, started_at = ?, completed_at = ?
		 WHERE id = ?`,
		string(j.Status), rawOrNil(j.Result), j.ErrorMessage, j.Attempts, j.Progress, nullTime(j.StartedAt), nullTime(j.CompletedAt), j.ID)
	if err != nil {
		return err
	}
	if n, err := affected(res); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) UpdateJobProgress(ctx context.Context, id string, progress int) error {
	_, err := s.exec(ctx, `UPDATE background_jobs SET progress = ? WHERE id = ?`, progress, id)
	return err
}

const jobCols = `id, job_key, job_type, queue, status, payload, result, error_message, attempts, max_attempts, progress, created_at, started_at, completed_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanJob(sc rowScanner) (domain.BackgroundJob, error) {
	var (
		j                  domain.BackgroundJob
		payload, result    sql.NullString
		started, completed sql.NullTime
	)
	if err := sc.Scan(&j.ID, &j.Key, &j.JobType, &j.Queue, &j.Status, &payload, &result, &j.ErrorMessage,
		&j.Attempts, &j.MaxAttempts, &j.Progress, &j.CreatedAt, &started, &completed); err != nil {
		return domain.BackgroundJob{}, err
	}
	if payload.Valid {
		j.Payload = json.RawMessage(payload.String)
	}
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	j.CreatedAt = j.CreatedAt.UTC()
	j.StartedAt = timePtr(started)
	j.CompletedAt = timePtr(completed)
	return j, nil
}

func (s *sqlStore) GetJob(ctx context.Context, id string) (domain.BackgroundJob, error) {
	if s == nil || s.db == nil {
		return domain.BackgroundJob{}, ErrDisabled
	}
	j, err := scanJob(s.queryRow(ctx, `SELECT `+jobCols+` FROM background_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BackgroundJob{}, ErrNotFound
	}
	return j, err
}

func (s *sqlStore) ListJobs(ctx context.Context, statuses []domain.JobStatus, limit int) ([]domain.BackgroundJob, error) {
	q := `SELECT ` + jobCols + ` FROM background_jobs`
	var args []any
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		q += ` WHERE status IN (` + strings.Join(marks, ",") + `)`
	}
	rows, err := s.query(ctx, q+` ORDER BY created_at ASC`+limitClause(limit), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.BackgroundJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqlStore) PruneJobs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM background_jobs WHERE status IN (?, ?) AND completed_at < ?`,
		string(domain.JobCompleted), string(domain.JobFailed), before.UTC())
	if err != nil {
		return 0, err
	}
	return affected(res)
}

func (s *sqlStore) CreateNotification(ctx context.Context, n *domain.Notification) (bool, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	q := `INSERT INTO notifications (id, user_id, company_id, type, priority, subject, body, entity_type, entity_id, dedup_key, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?)`
	if n.DedupKey != "" {
		q += ` ON CONFLICT (dedup_key) DO NOTHING`
	}
	res, err := s.exec(ctx, q, n.ID, n.UserID, n.CompanyID, n.Type, string(n.Priority), n.Subject, n.Body,
		n.EntityType, n.EntityID, nullStr(n.DedupKey), n.CreatedAt.UTC())
	if err != nil {
		return false, err
	}
	c, err := affected(res)
	return c > 0, err
}

func (s *sqlStore) ListRecipients(ctx context.Context, companyID string, roles []domain.Role) ([]domain.User, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	args := []any{companyID}
	marks := make([]string, len(roles))
	for i, r := range roles {
		marks[i] = "?"
		args = append(args, string(r))
	}
	rows, err := s.query(ctx, `SELECT u.id, u.email, r.role FROM users u JOIN user_roles r ON r.user_id = u.id
		WHERE u.company_id = ? AND r.role IN (`+strings.Join(marks, ",")+`) ORDER BY u.id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.User
	for rows.Next() {
		var (
			id, email string
			role      domain.Role
		)
		if err := rows.Scan(&id, &email, &role); err != nil {
			return nil, err
		}
		if k := len(out); k > 0 && out[k-1].ID == id {
			out[k-1].Roles = append(out[k-1].Roles, role)
			continue
		}
		out = append(out, domain.User{ID: id, CompanyID: companyID, Email: email, Roles: []domain.Role{role}})
	}
	return out, rows.Err()
}

var _ Store = (*sqlStore)(nil)
