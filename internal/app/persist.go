package app

import (
	"context"
	"sync/atomic"
	"time"

	"taskpilot/internal/eventbus"
	"taskpilot/internal/scheduler"
	"taskpilot/internal/storage"
	logx "taskpilot/pkg/logx"
)

const (
	persistBuffer  = 1024
	persistTimeout = 5 * time.Second
)

// persister writes scheduler events to storage: job records on every change and
// one run record per execution.
type persister struct {
	store storage.Store
	log   logx.Logger

	saved    atomic.Uint64
	deleted  atomic.Uint64
	runs     atomic.Uint64
	failures atomic.Uint64
}

func newPersister(store storage.Store, log logx.Logger) *persister {
	return &persister{store: store, log: log}
}

// run consumes events until ctx is done, then drains what is already buffered.
func (p *persister) run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-events:
					if !ok {
						return
					}
					p.handle(e)
				default:
					return
				}
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			p.handle(e)
		}
	}
}

func (p *persister) handle(e eventbus.Event) {
	je, ok := e.Data.(scheduler.JobEvent)
	if !ok {
		return
	}
	// Writes outlive the app context so the shutdown drain still lands.
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	switch e.Type {
	case scheduler.EventJobAdded, scheduler.EventJobUpdated:
		p.save(ctx, je)
	case scheduler.EventJobRemoved:
		if err := p.store.DeleteJob(ctx, je.Job.ID); err != nil {
			p.fail("delete job", je, err)
			return
		}
		p.deleted.Add(1)
	case scheduler.EventJobExecuted:
		p.save(ctx, je)
		if je.Run == nil {
			return
		}
		if err := p.store.AppendRun(ctx, runRecord(je)); err != nil {
			p.fail("append run", je, err)
			return
		}
		p.runs.Add(1)
	}
}

func (p *persister) save(ctx context.Context, je scheduler.JobEvent) {
	if err := p.store.SaveJob(ctx, je.Job); err != nil {
		p.fail("save job", je, err)
		return
	}
	p.saved.Add(1)
}

func (p *persister) fail(op string, je scheduler.JobEvent, err error) {
	p.failures.Add(1)
	p.log.Warn("persist failed", logx.String("op", op), logx.String("job_id", je.Job.ID), logx.String("job", je.Job.Name), logx.Err(err))
}

func runRecord(je scheduler.JobEvent) storage.RunRecord {
	r := je.Run
	status := storage.StatusFailed
	if r.Success {
		status = storage.StatusSuccess
	}
	return storage.RunRecord{
		ID:         r.ID,
		JobID:      je.Job.ID,
		JobName:    je.Job.Name,
		Task:       je.Job.TaskName,
		Status:     status,
		Trigger:    string(r.Trigger),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Duration:   r.Duration,
		Error:      r.Error,
		Message:    r.Message,
	}
}

// pruneLoop deletes run history older than the configured retention, once at start
// and then every interval. retention is read on each pass so reloads apply.
func pruneLoop(ctx context.Context, store storage.RunRecorder, interval time.Duration, retention func() time.Duration, log logx.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if keep := retention(); keep > 0 {
			n, err := store.PruneRuns(ctx, time.Now().Add(-keep))
			switch {
			case err != nil && ctx.Err() == nil:
				log.Warn("run history prune failed", logx.Err(err))
			case n > 0:
				log.Info("run history pruned", logx.Int("removed", n), logx.Duration("retention", keep))
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

type persistStats struct {
	Saved    uint64 `json:"saved"`
	Deleted  uint64 `json:"deleted"`
	Runs     uint64 `json:"runs"`
	Failures uint64 `json:"failures"`
}

func (p *persister) stats() persistStats {
	return persistStats{
		Saved:    p.saved.Load(),
		Deleted:  p.deleted.Load(),
		Runs:     p.runs.Load(),
		Failures: p.failures.Load(),
	}
}
