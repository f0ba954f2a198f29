package scheduler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskpilot/internal/catalog"
	"taskpilot/internal/schedule"
	logx "taskpilot/pkg/logx"
)

// RunJob executes the job now, synchronously, whatever its schedule, and reports
// whether the run succeeded. It returns false for unknown IDs and for a job that is
// already executing. Bookkeeping is the same as for a scheduled run.
func (s *Scheduler) RunJob(ctx context.Context, id string) bool {
	success, ran := s.execute(ctx, id, TriggerManual)
	return ran && success
}

// execute claims the job, runs its task outside the table lock and records the outcome.
// ran is false when the job could not be claimed.
func (s *Scheduler) execute(ctx context.Context, id string, trigger Trigger) (success bool, ran bool) {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok || e.executing {
		s.mu.Unlock()
		return false, false
	}
	if trigger == TriggerScheduled && !e.job.IsDue(s.now()) {
		// Disabled or rescheduled since the snapshot.
		s.mu.Unlock()
		return false, false
	}
	e.executing = true
	name := e.job.Name
	taskName := e.job.TaskName
	params := maps.Clone(e.job.Params)
	s.mu.Unlock()

	log := s.log.With(logx.String("job_id", id), logx.String("job", name), logx.String("task", taskName))
	log.Debug("job executing", logx.String("trigger", string(trigger)))

	startedAt := s.now()
	t0 := time.Now()
	res, err := s.invoke(ctx, taskName, params, log)
	dur := time.Since(t0)
	finishedAt := s.now()

	success = err == nil && res.Success
	errMsg := ""
	if !success {
		errMsg = failureMessage(res, err)
	}

	run := &RunInfo{
		ID:         uuid.NewString(),
		Trigger:    trigger,
		Success:    success,
		Message:    res.Message,
		Error:      errMsg,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Duration:   dur,
	}

	s.mu.Lock()
	if s.jobs[id] != e {
		s.mu.Unlock()
		log.Info("job removed during execution; result discarded", logx.Bool("success", success))
		return success, true
	}
	e.executing = false
	e.job.RecordExecution(finishedAt, success, dur, errMsg)
	snap := e.job.Clone()
	s.publishLocked(EventJobExecuted, snap, run)
	s.mu.Unlock()

	if success {
		log.Info("job succeeded", logx.Duration("took", dur), logx.Any("next_run", snap.NextRun))
	} else {
		log.Warn("job failed", logx.Duration("took", dur), logx.String("error", errMsg), logx.Any("next_run", snap.NextRun))
	}
	if snap.Enabled && snap.NextRun == nil && snap.Kind != schedule.KindOnce {
		s.warnNextRun(id, snap.Name, snap.LastError)
	}

	return success, true
}

// invoke resolves, builds and runs the task. Panics become errors.
func (s *Scheduler) invoke(ctx context.Context, taskName string, params map[string]any, log logx.Logger) (res catalog.Result, err error) {
	f, ok := s.cat.Resolve(taskName)
	if !ok {
		return catalog.Result{}, fmt.Errorf("%w: %q", ErrUnknownTask, taskName)
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			res = catalog.Result{}
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	task, err := f(params)
	if err != nil {
		return catalog.Result{}, fmt.Errorf("create task %q: %w", taskName, err)
	}
	if task == nil {
		return catalog.Result{}, errors.New("task factory returned nil")
	}
	return task.Run(ctx)
}

// failureMessage prefers the task's own message, then the error text.
func failureMessage(res catalog.Result, err error) string {
	if m := strings.TrimSpace(res.Message); m != "" {
		return m
	}
	if err != nil {
		return err.Error()
	}
	return "task failed"
}
