// Package jobs binds the domain services to the job queue: job types,
// payloads, processors and the recurring cron table.
package jobs

import (
	"time"

	"compliancekit/internal/cron"
	"compliancekit/internal/domain"
	"compliancekit/internal/store"
)

const (
	DeadlineOverdueSweep  domain.JobType = "DEADLINE_OVERDUE_SWEEP"
	SLABreachTracking     domain.JobType = "SLA_BREACH_TRACKING"
	DeadlineRecalculation domain.JobType = "DEADLINE_RECALCULATION"
	TriggerEvaluation     domain.JobType = "TRIGGER_EVALUATION"
	ConditionalTrigger    domain.JobType = "CONDITIONAL_TRIGGER"
	JobHistoryCleanup     domain.JobType = "JOB_HISTORY_CLEANUP"
)

const (
	QueueDeadlines   = "deadline-scheduling"
	QueueSLA         = "sla-tracking"
	QueueTriggers    = "trigger-evaluation"
	QueueMaintenance = "maintenance"
)

const DefaultRetention = 30 * 24 * time.Hour

// DefaultTable is the recurring job table registered at startup.
func DefaultTable() []cron.Entry {
	return []cron.Entry{
		{JobType: DeadlineOverdueSweep, Queue: QueueDeadlines, Schedule: "@hourly"},
		{JobType: SLABreachTracking, Queue: QueueSLA, Schedule: "15 * * * *"},
		{JobType: DeadlineRecalculation, Queue: QueueDeadlines, Schedule: "0 */6 * * *"},
		{JobType: TriggerEvaluation, Queue: QueueTriggers, Schedule: "0 2 * * *"},
		{JobType: JobHistoryCleanup, Queue: QueueMaintenance, Schedule: "0 3 * * 0"},
	}
}

// Scope narrows a batch job to a tenant, site, obligation or rule.
type Scope struct {
	CompanyID    string `json:"company_id,omitempty"`
	SiteID       string `json:"site_id,omitempty"`
	ObligationID string `json:"obligation_id,omitempty"`
	RuleID       string `json:"rule_id,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

func (s Scope) Filter() store.Filter {
	return store.Filter{
		CompanyID:    s.CompanyID,
		SiteID:       s.SiteID,
		ObligationID: s.ObligationID,
		RuleID:       s.RuleID,
		Limit:        s.Limit,
	}
}

// RecalculationPayload is the payload of DEADLINE_RECALCULATION. Force
// recomputes due dates that are still in the future.
type RecalculationPayload struct {
	Scope
	Force bool `json:"force,omitempty"`
}

// CleanupPayload is the payload of JOB_HISTORY_CLEANUP.
type CleanupPayload struct {
	// OlderThan overrides the configured retention ("720h").
	OlderThan string `json:"older_than,omitempty"`
}

type CleanupResult struct {
	Deleted int64     `json:"deleted"`
	Before  time.Time `json:"before"`
}
