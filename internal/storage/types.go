package storage

import (
	"context"
	"errors"
	"time"

	"taskpilot/internal/job"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON files next to Path (jobs snapshot + journal, runs as JSON Lines)
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// JobStore persists job definitions and their counters, keyed by job ID.
type JobStore interface {
	LoadJobs(ctx context.Context) ([]job.Job, error)
	SaveJob(ctx context.Context, j job.Job) error
	DeleteJob(ctx context.Context, id string) error
}

// RunRecorder keeps an audit trail of executions.
type RunRecorder interface {
	AppendRun(ctx context.Context, r RunRecord) error
	RecentRuns(ctx context.Context, q RunQuery) ([]RunRecord, error)
	RunStats(ctx context.Context, jobID string) (RunStats, error)
	// PruneRuns deletes runs started before olderThan and returns how many were removed.
	PruneRuns(ctx context.Context, olderThan time.Time) (int, error)
}

// Store is what Open returns.
type Store interface {
	JobStore
	RunRecorder
	Close() error
}

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// RunRecord is one execution of one job. Keep it compact and schema-stable.
type RunRecord struct {
	ID         string        `json:"id"`
	JobID      string        `json:"job_id"`
	JobName    string        `json:"job_name"`
	Task       string        `json:"task"`
	Status     string        `json:"status"`
	Trigger    string        `json:"trigger,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	Message    string        `json:"message,omitempty"`
}

// RunQuery filters RecentRuns. Zero fields match everything.
// Results are newest first; Limit<=0 means DefaultRunLimit.
type RunQuery struct {
	JobID  string
	Task   string
	Status string
	Since  time.Time
	Limit  int
}

const DefaultRunLimit = 100

func (q RunQuery) limit() int {
	if q.Limit <= 0 {
		return DefaultRunLimit
	}
	return q.Limit
}

func (q RunQuery) matches(r RunRecord) bool {
	if q.JobID != "" && r.JobID != q.JobID {
		return false
	}
	if q.Task != "" && r.Task != q.Task {
		return false
	}
	if q.Status != "" && r.Status != q.Status {
		return false
	}
	if !q.Since.IsZero() && r.StartedAt.Before(q.Since) {
		return false
	}
	return true
}

// RunStats aggregates runs, for one job or (JobID == "") for all of them.
type RunStats struct {
	JobID       string        `json:"job_id,omitempty"`
	Total       int64         `json:"total"`
	Success     int64         `json:"success"`
	Failed      int64         `json:"failed"`
	SuccessRate float64       `json:"success_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
	MinDuration time.Duration `json:"min_duration"`
	MaxDuration time.Duration `json:"max_duration"`
	LastRun     *time.Time    `json:"last_run,omitempty"`
	LastSuccess *time.Time    `json:"last_success,omitempty"`
	LastFailure *time.Time    `json:"last_failure,omitempty"`
}

// statsAcc accumulates RunStats record by record.
type statsAcc struct {
	st    RunStats
	total time.Duration
}

func (a *statsAcc) add(r RunRecord) {
	st := &a.st
	st.Total++
	if r.Status == StatusSuccess {
		st.Success++
		st.LastSuccess = later(st.LastSuccess, r.FinishedAt)
	} else {
		st.Failed++
		st.LastFailure = later(st.LastFailure, r.FinishedAt)
	}
	st.LastRun = later(st.LastRun, r.StartedAt)
	a.total += r.Duration
	if st.Total == 1 || r.Duration < st.MinDuration {
		st.MinDuration = r.Duration
	}
	if r.Duration > st.MaxDuration {
		st.MaxDuration = r.Duration
	}
}

func (a *statsAcc) result() RunStats {
	st := a.st
	if st.Total > 0 {
		st.SuccessRate = float64(st.Success) / float64(st.Total)
		st.AvgDuration = a.total / time.Duration(st.Total)
	}
	return st
}

func later(cur *time.Time, t time.Time) *time.Time {
	if cur == nil || t.After(*cur) {
		return &t
	}
	return cur
}
