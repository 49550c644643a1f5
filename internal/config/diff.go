package config

import (
	"reflect"
	"sort"
	"strings"

	logx "compliancekit/pkg/logx"
)

// RestartSections need a process restart to take effect.
var RestartSections = []string{"storage", "redis", "queue", "deadlines", "sla", "triggers", "jobs"}

// SummarizeChange returns the sorted list of changed sections and safe
// structured attrs for logging. Secrets (DSN, redis password) are reported
// only as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Redis, newCfg.Redis) {
		changed = append(changed, "redis")
		attrs = append(attrs, logx.Bool("redis.enabled", newCfg.Redis != nil && strings.TrimSpace(newCfg.Redis.Addr) != ""))
		if newCfg.Redis != nil {
			attrs = append(attrs,
				logx.String("redis.addr", newCfg.Redis.Addr),
				logx.Bool("redis.password_set", newCfg.Redis.Password != ""),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Bool("queue.enabled", newCfg.QueueEnabled()),
			logx.Int("queue.buffer_size", newCfg.Queue.BufferSize),
			logx.Int("queue.max_attempts", newCfg.Queue.MaxAttempts),
			logx.Int("queue.named", len(newCfg.Queue.Queues)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.SchedulerEnabled()),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Int("scheduler.overrides", len(newCfg.Scheduler.Overrides)),
			logx.Any("scheduler.disabled", newCfg.Scheduler.Disabled),
		)
	}

	if oldCfg.Deadlines != newCfg.Deadlines {
		changed = append(changed, "deadlines")
		attrs = append(attrs,
			logx.String("deadlines.due_soon_window", newCfg.Deadlines.DueSoonWindow),
			logx.String("deadlines.sla_grace", newCfg.Deadlines.SLAGrace),
		)
	}

	if !reflect.DeepEqual(oldCfg.SLA, newCfg.SLA) {
		changed = append(changed, "sla")
		attrs = append(attrs,
			logx.Int("sla.batch_size", newCfg.SLA.BatchSize),
			logx.String("sla.escalate_after", newCfg.SLA.EscalateAfter),
		)
	}

	if oldCfg.Triggers != newCfg.Triggers {
		changed = append(changed, "triggers")
		attrs = append(attrs,
			logx.Bool("triggers.strict_conditions", newCfg.Triggers.StrictConditions),
			logx.Bool("triggers.cel", newCfg.Triggers.CEL),
		)
	}

	if oldCfg.Jobs != newCfg.Jobs {
		changed = append(changed, "jobs")
		attrs = append(attrs, logx.String("jobs.retention", newCfg.Jobs.Retention))
	}

	sort.Strings(changed)
	return changed, attrs
}

// NeedsRestart returns the changed sections that cannot be applied live.
func NeedsRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		for _, r := range RestartSections {
			if s == r {
				out = append(out, s)
				break
			}
		}
	}
	return out
}
