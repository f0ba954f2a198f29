package scheduler

import (
	"time"

	"taskpilot/internal/job"
	"taskpilot/internal/schedule"
)

const DefaultTickInterval = time.Second

// Config controls the poll loop.
type Config struct {
	// TickInterval is the wait between two due-checks. <=0 means DefaultTickInterval.
	TickInterval time.Duration
	// Timezone is an IANA name used for the clock and for ONCE timestamps without an
	// offset. Empty means the process local timezone.
	Timezone string
	// CronEnabled=false runs without cron support; cron jobs then stall with an error.
	// nil means enabled.
	CronEnabled *bool
}

// JobSpec is the input of AddJob.
type JobSpec struct {
	Name        string
	Task        string
	Kind        schedule.Kind
	Expression  string
	Params      map[string]any
	Tags        []string
	Description string
	// Disabled adds the job without scheduling it.
	Disabled bool
}

// JobUpdate changes a job's configuration; nil fields are kept.
type JobUpdate struct {
	Name        *string
	Task        *string
	Kind        *schedule.Kind
	Expression  *string
	Params      map[string]any
	Tags        []string
	Description *string
}

// Trigger tells why a job ran.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// Event types published on the bus. Data is always a JobEvent.
const (
	EventJobAdded    = "job.added"
	EventJobUpdated  = "job.updated"
	EventJobRemoved  = "job.removed"
	EventJobExecuted = "job.executed"
)

// JobEvent is the payload of every scheduler event. Job is a copy taken after the change.
type JobEvent struct {
	Job job.Job
	Run *RunInfo
}

// RunInfo describes one finished execution.
type RunInfo struct {
	ID         string        `json:"id"`
	Trigger    Trigger       `json:"trigger"`
	Success    bool          `json:"success"`
	Message    string        `json:"message,omitempty"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running       bool          `json:"running"`
	Paused        bool          `json:"paused"`
	TotalJobs     int           `json:"total_jobs"`
	EnabledJobs   int           `json:"enabled_jobs"`
	NextJobID     string        `json:"next_job_id,omitempty"`
	NextJobName   string        `json:"next_job_name,omitempty"`
	NextExecution *time.Time    `json:"next_execution,omitempty"`
	TickInterval  time.Duration `json:"tick_interval"`
}

// Stats aggregates run counters across all jobs.
type Stats struct {
	TotalJobs    int     `json:"total_jobs"`
	TotalRuns    int64   `json:"total_runs"`
	TotalSuccess int64   `json:"total_success"`
	TotalErrors  int64   `json:"total_errors"`
	SuccessRate  float64 `json:"success_rate"`
}
