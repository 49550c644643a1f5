package config

// Config is the on-disk configuration of complianced.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "72h").
// Omitted or zero values fall back to the component defaults.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// Redis is optional. When set, queue key locks and rate counters are
	// shared across processes.
	Redis *RedisConfig `json:"redis,omitempty"`

	Queue     QueueConfig     `json:"queue"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Deadlines DeadlinesConfig `json:"deadlines"`
	SLA       SLAConfig       `json:"sla"`
	Triggers  TriggersConfig  `json:"triggers"`
	Jobs      JobsConfig      `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format,omitempty"` // "console" (default) or "json"
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/compliance.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres; never logged
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxOpen     int    `json:"max_open,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"` // never logged
	DB       int    `json:"db,omitempty"`
}

// QueueConfig controls the background job queue.
//
// Enabled is a pointer so an omitted key defaults to true.
//
// Defaults (when fields are omitted/zero):
//   - buffer_size: 256
//   - max_attempts: 3
//   - retry_base: "500ms"
//   - retry_max_delay: "15s"
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
type QueueConfig struct {
	Enabled        *bool                       `json:"enabled,omitempty"`
	BufferSize     int                         `json:"buffer_size,omitempty"`
	MaxAttempts    int                         `json:"max_attempts,omitempty"`
	RetryBase      string                      `json:"retry_base,omitempty"`
	RetryMaxDelay  string                      `json:"retry_max_delay,omitempty"`
	RetryJitter    float64                     `json:"retry_jitter,omitempty"`
	DefaultTimeout string                      `json:"default_timeout,omitempty"`
	HistorySize    int                         `json:"history_size,omitempty"`
	LockTTL        string                      `json:"lock_ttl,omitempty"`
	Queues         map[string]NamedQueueConfig `json:"queues,omitempty"`
}

// NamedQueueConfig sizes one queue. rate_per_sec -1 means unlimited.
type NamedQueueConfig struct {
	Concurrency int     `json:"concurrency"`
	RatePerSec  float64 `json:"rate_per_sec"`
	Burst       int     `json:"burst,omitempty"`
}

// SchedulerConfig controls the cron table that feeds the queue.
type SchedulerConfig struct {
	Enabled *bool `json:"enabled,omitempty"`

	// Timezone for cron expressions. Empty means UTC.
	Timezone string `json:"timezone,omitempty"`

	// Overrides replaces the default cadence of a job type, keyed by job
	// type (e.g. "SLA_BREACH_TRACKING": "*/30 * * * *").
	Overrides map[string]string `json:"overrides,omitempty"`

	// Disabled job types are not scheduled at all.
	Disabled []string `json:"disabled,omitempty"`
}

type DeadlinesConfig struct {
	DueSoonWindow string `json:"due_soon_window,omitempty"`
	SLAGrace      string `json:"sla_grace,omitempty"`
}

type SLAConfig struct {
	BatchSize     int      `json:"batch_size,omitempty"`
	EscalateAfter string   `json:"escalate_after,omitempty"`
	Roles         []string `json:"roles,omitempty"`
}

type TriggersConfig struct {
	StrictConditions      bool `json:"strict_conditions,omitempty"`
	DefaultIntervalMonths int  `json:"default_interval_months,omitempty"`
	CEL                   bool `json:"cel,omitempty"`
}

type JobsConfig struct {
	Retention string `json:"retention,omitempty"`
}

// QueueEnabled reports queue.enabled, defaulting to true.
func (c *Config) QueueEnabled() bool {
	if c == nil || c.Queue.Enabled == nil {
		return true
	}
	return *c.Queue.Enabled
}

// SchedulerEnabled reports scheduler.enabled, defaulting to true.
func (c *Config) SchedulerEnabled() bool {
	if c == nil || c.Scheduler.Enabled == nil {
		return true
	}
	return *c.Scheduler.Enabled
}
