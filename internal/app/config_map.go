package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"compliancekit/internal/config"
	"compliancekit/internal/cron"
	"compliancekit/internal/domain"
	"compliancekit/internal/jobs"
	"compliancekit/internal/materializer"
	"compliancekit/internal/queue"
	"compliancekit/internal/sla"
	"compliancekit/internal/store"
	"compliancekit/internal/trigger"
	logx "compliancekit/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "memory":
		return store.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		if strings.TrimSpace(sc.Path) == "" {
			return store.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return store.Config{}, err
		}
		return store.Config{Driver: "sqlite", Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
	case "postgres", "postgresql":
		if strings.TrimSpace(sc.DSN) == "" {
			return store.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		if sc.MaxOpen < 0 {
			return store.Config{}, fmt.Errorf("storage.max_open must be >= 0")
		}
		return store.Config{Driver: "postgres", DSN: strings.TrimSpace(sc.DSN), MaxOpen: sc.MaxOpen}, nil
	default:
		return store.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// defaultQueues sizes the queues the job table uses when the config does
// not name them.
var defaultQueues = map[string]queue.QueueConfig{
	jobs.QueueDeadlines:   {Concurrency: 5, RatePerSec: 10},
	jobs.QueueSLA:         {Concurrency: 2, RatePerSec: 5},
	jobs.QueueTriggers:    {Concurrency: 3, RatePerSec: 10},
	jobs.QueueMaintenance: {Concurrency: 1, RatePerSec: 1},
}

func mapQueueConfig(cfg *config.Config) (queue.Config, error) {
	qc := cfg.Queue
	if qc.BufferSize < 0 {
		return queue.Config{}, fmt.Errorf("queue.buffer_size must be >= 0")
	}
	if qc.MaxAttempts < 0 {
		return queue.Config{}, fmt.Errorf("queue.max_attempts must be >= 0")
	}
	if qc.HistorySize < 0 {
		return queue.Config{}, fmt.Errorf("queue.history_size must be >= 0")
	}
	if qc.RetryJitter < 0 || qc.RetryJitter > 1 {
		return queue.Config{}, fmt.Errorf("queue.retry_jitter must be within [0, 1]")
	}
	retryBase, err := config.ParseDurationField("queue.retry_base", qc.RetryBase)
	if err != nil {
		return queue.Config{}, err
	}
	retryMax, err := config.ParseDurationField("queue.retry_max_delay", qc.RetryMaxDelay)
	if err != nil {
		return queue.Config{}, err
	}
	timeout, err := config.ParseDurationField("queue.default_timeout", qc.DefaultTimeout)
	if err != nil {
		return queue.Config{}, err
	}
	lockTTL, err := config.ParseDurationField("queue.lock_ttl", qc.LockTTL)
	if err != nil {
		return queue.Config{}, err
	}

	queues := make(map[string]queue.QueueConfig, len(defaultQueues)+len(qc.Queues))
	for name, c := range defaultQueues {
		queues[name] = c
	}
	for name, c := range qc.Queues {
		if strings.TrimSpace(name) == "" {
			return queue.Config{}, fmt.Errorf("queue.queues: empty queue name")
		}
		if c.Concurrency < 0 {
			return queue.Config{}, fmt.Errorf("queue.queues.%s.concurrency must be >= 0", name)
		}
		if c.RatePerSec < 0 && c.RatePerSec != -1 {
			return queue.Config{}, fmt.Errorf("queue.queues.%s.rate_per_sec must be >= 0 or -1", name)
		}
		queues[name] = queue.QueueConfig{Concurrency: c.Concurrency, RatePerSec: c.RatePerSec, Burst: c.Burst}
	}

	return queue.Config{
		Enabled:        cfg.QueueEnabled(),
		Queues:         queues,
		BufferSize:     qc.BufferSize,
		MaxAttempts:    qc.MaxAttempts,
		RetryBase:      retryBase,
		RetryMaxDelay:  retryMax,
		RetryJitter:    qc.RetryJitter,
		DefaultTimeout: timeout,
		HistorySize:    qc.HistorySize,
		LockTTL:        lockTTL,
	}, nil
}

func mapCronConfig(cfg *config.Config) (cron.Config, error) {
	sc := cfg.Scheduler
	tz := strings.TrimSpace(sc.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return cron.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	known := map[domain.JobType]bool{}
	for _, e := range jobs.DefaultTable() {
		known[e.JobType] = true
	}
	out := cron.Config{Enabled: cfg.SchedulerEnabled(), Timezone: tz}
	if len(sc.Overrides) > 0 {
		out.Overrides = make(map[domain.JobType]string, len(sc.Overrides))
		for k, v := range sc.Overrides {
			jt := domain.JobType(strings.TrimSpace(k))
			if !known[jt] {
				return cron.Config{}, fmt.Errorf("scheduler.overrides: unknown recurring job %q", k)
			}
			if err := cron.ValidateSchedule(v); err != nil {
				return cron.Config{}, fmt.Errorf("scheduler.overrides.%s: %w", k, err)
			}
			out.Overrides[jt] = strings.TrimSpace(v)
		}
	}
	for _, k := range sc.Disabled {
		jt := domain.JobType(strings.TrimSpace(k))
		if !known[jt] {
			return cron.Config{}, fmt.Errorf("scheduler.disabled: unknown recurring job %q", k)
		}
		out.Disabled = append(out.Disabled, jt)
	}
	return out, nil
}

func mapMaterializerConfig(cfg *config.Config) (materializer.Config, error) {
	window, err := config.ParseDurationField("deadlines.due_soon_window", cfg.Deadlines.DueSoonWindow)
	if err != nil {
		return materializer.Config{}, err
	}
	grace, err := config.ParseDurationField("deadlines.sla_grace", cfg.Deadlines.SLAGrace)
	if err != nil {
		return materializer.Config{}, err
	}
	return materializer.Config{DueSoonWindow: window, SLAGrace: grace}, nil
}

func mapTriggerConfig(cfg *config.Config) (trigger.Config, error) {
	if cfg.Triggers.DefaultIntervalMonths < 0 {
		return trigger.Config{}, fmt.Errorf("triggers.default_interval_months must be >= 0")
	}
	grace, err := config.ParseDurationField("deadlines.sla_grace", cfg.Deadlines.SLAGrace)
	if err != nil {
		return trigger.Config{}, err
	}
	return trigger.Config{
		StrictConditions:      cfg.Triggers.StrictConditions,
		DefaultIntervalMonths: cfg.Triggers.DefaultIntervalMonths,
		SLAGrace:              grace,
		CEL:                   cfg.Triggers.CEL,
	}, nil
}

func mapSLAConfig(cfg *config.Config) (sla.Config, error) {
	if cfg.SLA.BatchSize < 0 {
		return sla.Config{}, fmt.Errorf("sla.batch_size must be >= 0")
	}
	after, err := config.ParseDurationField("sla.escalate_after", cfg.SLA.EscalateAfter)
	if err != nil {
		return sla.Config{}, err
	}
	out := sla.Config{BatchSize: cfg.SLA.BatchSize, EscalateAfter: after}
	for _, r := range cfg.SLA.Roles {
		role := domain.Role(strings.ToUpper(strings.TrimSpace(r)))
		switch role {
		case domain.RoleOwner, domain.RoleAdmin, domain.RoleManager, domain.RoleMember:
			out.Roles = append(out.Roles, role)
		default:
			return sla.Config{}, fmt.Errorf("sla.roles: unknown role %q", r)
		}
	}
	return out, nil
}

func mapRetention(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("jobs.retention", cfg.Jobs.Retention, jobs.DefaultRetention)
}

// validate runs every mapper; it backs both startup and the reload
// validator.
func validate(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := mapStoreConfig(cfg); err != nil {
		return err
	}
	if cfg.Redis != nil && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return fmt.Errorf("redis.addr is required when redis is set")
	}
	if _, err := mapQueueConfig(cfg); err != nil {
		return err
	}
	if _, err := mapCronConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMaterializerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTriggerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSLAConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRetention(cfg); err != nil {
		return err
	}
	return nil
}
