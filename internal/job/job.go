package job

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"taskpilot/internal/schedule"
)

// ErrUnbound is returned when a job has no parsed schedule attached (see Bind).
var ErrUnbound = errors.New("job schedule not bound")

// Spec is the caller-supplied configuration of a job.
type Spec struct {
	Name        string
	TaskName    string
	Kind        schedule.Kind
	Expression  string
	Params      map[string]any
	Tags        []string
	Description string
	Enabled     bool
}

// Job pairs a schedule with its run counters.
//
// Invariants:
//   - RunCount == SuccessCount + ErrorCount
//   - NextRun == nil iff !Enabled, or Kind is once and RunCount >= 1
//     (or the last recompute failed, which also sets LastError)
//
// Job is not safe for concurrent use; the scheduler guards it with its table lock.
type Job struct {
	ID          string         `json:"job_id"`
	Name        string         `json:"job_name"`
	TaskName    string         `json:"task_name"`
	Kind        schedule.Kind  `json:"schedule_type"`
	Expression  string         `json:"schedule"`
	Params      map[string]any `json:"params,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Description string         `json:"description,omitempty"`

	Enabled      bool          `json:"enabled"`
	LastRun      *time.Time    `json:"last_run"`
	NextRun      *time.Time    `json:"next_run"`
	RunCount     int64         `json:"run_count"`
	SuccessCount int64         `json:"success_count"`
	ErrorCount   int64         `json:"error_count"`
	LastError    string        `json:"last_error,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	CreatedAt    time.Time     `json:"created_at"`

	sched schedule.Schedule
}

// New builds a job from spec and a parsed schedule, and computes its first next run.
// A next-run failure is recorded on the job, not returned.
func New(id string, spec Spec, sched schedule.Schedule, now time.Time) *Job {
	j := &Job{
		ID:          id,
		Name:        spec.Name,
		TaskName:    spec.TaskName,
		Kind:        spec.Kind,
		Expression:  spec.Expression,
		Params:      maps.Clone(spec.Params),
		Tags:        slices.Clone(spec.Tags),
		Description: spec.Description,
		Enabled:     spec.Enabled,
		CreatedAt:   now,
		sched:       sched,
	}
	if sched != nil {
		j.Kind = sched.Kind()
		j.Expression = sched.Expression()
	}
	_ = j.RecomputeNextRun(now)
	return j
}

// Bind attaches a parsed schedule, e.g. to a record loaded from storage.
func (j *Job) Bind(sched schedule.Schedule) {
	j.sched = sched
	if sched != nil {
		j.Kind = sched.Kind()
		j.Expression = sched.Expression()
	}
}

func (j *Job) Schedule() schedule.Schedule { return j.sched }

func (j *Job) spent() bool { return j.Kind == schedule.KindOnce && j.RunCount >= 1 }

// RecomputeNextRun sets NextRun from the schedule relative to now.
// On failure LastError is set, NextRun is cleared and the error is returned.
func (j *Job) RecomputeNextRun(now time.Time) error {
	if !j.Enabled || j.spent() {
		j.NextRun = nil
		return nil
	}
	if j.sched == nil {
		j.NextRun = nil
		j.LastError = ErrUnbound.Error()
		return ErrUnbound
	}
	next, err := j.sched.Next(now)
	if err != nil {
		j.NextRun = nil
		j.LastError = fmt.Sprintf("compute next run: %v", err)
		return err
	}
	j.NextRun = &next
	return nil
}

// IsDue reports whether the job should run at now.
func (j *Job) IsDue(now time.Time) bool {
	return j.Enabled && j.NextRun != nil && !now.Before(*j.NextRun)
}

// RecordExecution applies the outcome of one run finished at now.
// A once job is disabled by its first run whatever the outcome.
func (j *Job) RecordExecution(now time.Time, success bool, duration time.Duration, errMsg string) {
	j.RunCount++
	if success {
		j.SuccessCount++
		j.LastError = ""
	} else {
		j.ErrorCount++
		j.LastError = errMsg
	}
	t := now
	j.LastRun = &t
	j.LastDuration = duration

	if j.Kind == schedule.KindOnce {
		j.Enabled = false
		j.NextRun = nil
		return
	}
	_ = j.RecomputeNextRun(now)
}

// SuccessRate is SuccessCount/RunCount, 0 before the first run.
func (j *Job) SuccessRate() float64 {
	if j.RunCount == 0 {
		return 0
	}
	return float64(j.SuccessCount) / float64(j.RunCount)
}

// Enable is idempotent. A spent once job stays without a next run.
func (j *Job) Enable(now time.Time) error {
	j.Enabled = true
	return j.RecomputeNextRun(now)
}

// Disable is idempotent.
func (j *Job) Disable() {
	j.Enabled = false
	j.NextRun = nil
}

// Clone returns a copy with its own Params map, Tags slice and time pointers.
// Nested param values and the schedule value are shared.
func (j *Job) Clone() Job {
	cp := *j
	cp.Params = maps.Clone(j.Params)
	cp.Tags = slices.Clone(j.Tags)
	if j.NextRun != nil {
		t := *j.NextRun
		cp.NextRun = &t
	}
	if j.LastRun != nil {
		t := *j.LastRun
		cp.LastRun = &t
	}
	return cp
}
