package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a scheduled task.
type TaskStatus string

const (
	TaskScheduled TaskStatus = "scheduled"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskCancelled TaskStatus = "cancelled"
	TaskFailed    TaskStatus = "failed"
)

// ScheduleKind identifies the recurrence rule of a TaskSchedule.
type ScheduleKind string

const (
	ScheduleOnce    ScheduleKind = "once"
	ScheduleDaily   ScheduleKind = "daily"
	ScheduleWeekly  ScheduleKind = "weekly"
	ScheduleMonthly ScheduleKind = "monthly"
	ScheduleCron    ScheduleKind = "cron"
)

// DefaultTimezone is used when a schedule does not carry one.
const DefaultTimezone = "UTC"

// TaskSchedule is the recurrence rule attached to a BrowserTask. It is
// immutable once a next-run time has been computed from it; updates replace
// the whole schedule rather than mutating fields.
type TaskSchedule struct {
	Kind ScheduleKind `json:"kind"`

	// once
	RunAt *time.Time `json:"run_at,omitempty"`

	// daily / weekly / monthly: local wall-clock time "HH:MM"
	Time string `json:"time,omitempty"`

	// weekly: 0=Sunday .. 6=Saturday
	DaysOfWeek []int `json:"days_of_week,omitempty"`

	// monthly
	DayOfMonth int `json:"day_of_month,omitempty"`

	// cron: standard 5-field expression
	Expression string `json:"expression,omitempty"`

	Timezone string `json:"timezone,omitempty"`
}

// WorkflowRunResult is produced by the workflow runner and stored verbatim on
// the owning task.
type WorkflowRunResult struct {
	WorkflowID     uuid.UUID     `json:"workflow_id"`
	Success        bool          `json:"success"`
	StepsCompleted int           `json:"steps_completed"`
	TotalSteps     int           `json:"total_steps"`
	Error          string        `json:"error,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// BrowserTask is a scheduled (possibly recurring) automation run. Created by
// the caller, mutated only by the scheduler, deleted only on explicit user
// request.
type BrowserTask struct {
	ID         uuid.UUID  `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	UserID     uuid.UUID  `gorm:"type:uuid;not null;index" json:"user_id"`
	WorkflowID *uuid.UUID `gorm:"type:uuid" json:"workflow_id,omitempty"`

	Name        string `gorm:"size:200;not null" json:"name"`
	Description string `gorm:"type:text" json:"description,omitempty"`

	Schedule TaskSchedule `gorm:"serializer:json;type:jsonb" json:"schedule"`

	Status  TaskStatus `gorm:"size:20;not null;default:'scheduled';index" json:"status"`
	Enabled bool       `gorm:"default:true" json:"enabled"`

	NextRunAt *time.Time `gorm:"index" json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`

	RunCount   int `gorm:"default:0" json:"run_count"`
	RetryCount int `gorm:"default:0" json:"retry_count"`

	Result *WorkflowRunResult `gorm:"serializer:json;type:jsonb" json:"result,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
