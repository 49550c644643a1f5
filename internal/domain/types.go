// Package domain holds the persisted entities of the compliance engine.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Frequency string

const (
	FrequencyNone           Frequency = "NONE"
	FrequencyDaily          Frequency = "DAILY"
	FrequencyWeekly         Frequency = "WEEKLY"
	FrequencyMonthly        Frequency = "MONTHLY"
	FrequencyQuarterly      Frequency = "QUARTERLY"
	FrequencyAnnual         Frequency = "ANNUAL"
	FrequencyEventTriggered Frequency = "EVENT_TRIGGERED"
	FrequencyOneTime        Frequency = "ONE_TIME"
)

// ParseFrequency normalizes a frequency code. Unknown codes are an error.
func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(strings.ToUpper(strings.TrimSpace(s)))
	switch f {
	case FrequencyNone, FrequencyDaily, FrequencyWeekly, FrequencyMonthly,
		FrequencyQuarterly, FrequencyAnnual, FrequencyEventTriggered, FrequencyOneTime:
		return f, nil
	case "":
		return FrequencyNone, nil
	}
	return "", fmt.Errorf("unknown frequency %q", s)
}

// Recurring reports whether the frequency produces due dates on a fixed cadence.
func (f Frequency) Recurring() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyQuarterly, FrequencyAnnual:
		return true
	}
	return false
}

type ObligationStatus string

const (
	ObligationActive        ObligationStatus = "ACTIVE"
	ObligationDueSoon       ObligationStatus = "DUE_SOON"
	ObligationOverdue       ObligationStatus = "OVERDUE"
	ObligationCompleted     ObligationStatus = "COMPLETED"
	ObligationNotApplicable ObligationStatus = "NOT_APPLICABLE"
)

type Obligation struct {
	ID           string
	CompanyID    string
	SiteID       string
	Title        string
	Frequency    Frequency
	Status       ObligationStatus
	DeadlineDate *time.Time
	DeletedAt    *time.Time
}

// PatternUnit is the interval unit of a recurrence pattern.
type PatternUnit string

const (
	UnitDay   PatternUnit = "day"
	UnitWeek  PatternUnit = "week"
	UnitMonth PatternUnit = "month"
	UnitYear  PatternUnit = "year"
)

// Pattern overrides the frequency step of a schedule ("every 2 months").
// The zero value means "use the frequency".
type Pattern struct {
	Unit       PatternUnit `json:"unit,omitempty"`
	Multiplier int         `json:"multiplier,omitempty"`
}

func (p Pattern) IsZero() bool { return p.Unit == "" }

type Schedule struct {
	ID                 string
	ObligationID       string
	CompanyID          string
	SiteID             string
	Frequency          Frequency
	BaseDate           time.Time
	NextDueDate        *time.Time
	LastCompletedDate  *time.Time
	Pattern            Pattern
	IsActive           bool
	TriggerExecutionID *string
}

// ScheduledObligation pairs an obligation with one of its active schedules.
type ScheduledObligation struct {
	Obligation Obligation
	Schedule   Schedule
}

type DeadlineStatus string

const (
	DeadlinePending   DeadlineStatus = "PENDING"
	DeadlineOverdue   DeadlineStatus = "OVERDUE"
	DeadlineCompleted DeadlineStatus = "COMPLETED"
)

type Deadline struct {
	ID                     string
	ObligationID           string
	CompanyID              string
	SiteID                 string
	ScheduleID             *string
	TriggerExecutionID     *string
	DueDate                time.Time
	Status                 DeadlineStatus
	SLATargetDate          *time.Time
	SLABreachedAt          *time.Time
	SLABreachDurationHours int
	CreatedAt              time.Time
}

type RecurrenceEvent struct {
	ID        string
	CompanyID string
	SiteID    string
	EventType string
	EventDate time.Time
}

type RuleType string

const (
	RuleEventBased  RuleType = "EVENT_BASED"
	RuleConditional RuleType = "CONDITIONAL"
)

type EntityType string

const (
	EntitySchedule EntityType = "SCHEDULE"
	EntityDeadline EntityType = "DEADLINE"
)

// RuleConfig is the rule_config document of a trigger rule.
type RuleConfig struct {
	OffsetMonths             int      `json:"offset_months,omitempty"`
	ThresholdValue           *float64 `json:"threshold_value,omitempty"`
	RecurrenceIntervalMonths int      `json:"recurrence_interval_months,omitempty"`
	// ExpressionLanguage selects the condition evaluator: "" (keyword matcher) or "cel".
	ExpressionLanguage string `json:"expression_language,omitempty"`
}

type TriggerRule struct {
	ID                string
	CompanyID         string
	SiteID            string
	ObligationID      string
	RuleType          RuleType
	RecurrenceEventID *string
	TriggerExpression string
	Config            RuleConfig
	TargetEntityType  EntityType
	TemplateData      map[string]any
	LastExecutedAt    *time.Time
	NextExecutionDate *time.Time
	ExecutionCount    int
	IsActive          bool
}

// TriggerExecution is the write-once audit record of one firing.
type TriggerExecution struct {
	ID            string
	RuleID        string
	EntityType    EntityType
	EntityID      string
	ExecutionData map[string]any
	ExecutedAt    time.Time
}

type JobType string

type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobActive    JobStatus = "ACTIVE"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// Terminal reports whether the job reached a final state.
func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobFailed }

type BackgroundJob struct {
	ID           string
	Key          string
	JobType      JobType
	Queue        string
	Status       JobStatus
	Payload      json.RawMessage
	Result       json.RawMessage
	ErrorMessage string
	Attempts     int
	MaxAttempts  int
	Progress     int
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

type Notification struct {
	ID         string
	UserID     string
	CompanyID  string
	Type       string
	Priority   Priority
	Subject    string
	Body       string
	EntityType string
	EntityID   string
	// DedupKey makes creation idempotent; empty disables deduplication.
	DedupKey  string
	CreatedAt time.Time
}

type Role string

const (
	RoleOwner   Role = "OWNER"
	RoleAdmin   Role = "ADMIN"
	RoleManager Role = "MANAGER"
	RoleMember  Role = "MEMBER"
)

type User struct {
	ID        string
	CompanyID string
	Email     string
	Roles     []Role
}
