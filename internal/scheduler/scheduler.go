package scheduler

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"taskpilot/internal/catalog"
	"taskpilot/internal/eventbus"
	"taskpilot/internal/job"
	"taskpilot/internal/schedule"
	logx "taskpilot/pkg/logx"
)

// Scheduler owns the job table and the poll loop.
//
// All methods are safe for concurrent use. The table lock is held only for table
// access; tasks always run outside it.
type Scheduler struct {
	log logx.Logger
	bus eventbus.Bus
	cat *catalog.Catalog

	loc      *time.Location
	now      func() time.Time
	cronEval schedule.CronEvaluator
	noCron   bool
	calc     *schedule.Calculator

	mu      sync.Mutex
	jobs    map[string]*entry
	seq     uint64
	tick    time.Duration
	running bool
	paused  bool
	stopCh  chan struct{}
	done    chan struct{} // closed when the current loop returns

	warnMu       sync.Mutex
	warnLimiters map[string]*rate.Limiter
}

type entry struct {
	job       *job.Job
	seq       uint64
	executing bool
}

type Option func(*Scheduler)

// WithClock replaces the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCronEvaluator replaces the cron strategy. nil disables cron support.
func WithCronEvaluator(e schedule.CronEvaluator) Option {
	return func(s *Scheduler) {
		s.cronEval = e
		s.noCron = e == nil
	}
}

func New(cfg Config, cat *catalog.Catalog, log logx.Logger, bus eventbus.Bus, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "scheduler"))
	if bus == nil {
		bus = eventbus.Nop()
	}
	if cat == nil {
		cat = catalog.New(log)
	}

	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			log.Warn("invalid timezone; using local", logx.String("timezone", tz), logx.Err(err))
		} else {
			loc = l
		}
	}

	s := &Scheduler{
		log:          log,
		bus:          bus,
		cat:          cat,
		loc:          loc,
		jobs:         map[string]*entry{},
		tick:         cfg.TickInterval,
		warnLimiters: map[string]*rate.Limiter{},
	}
	if s.tick <= 0 {
		s.tick = DefaultTickInterval
	}
	s.now = func() time.Time { return time.Now().In(loc) }
	if cfg.CronEnabled == nil || *cfg.CronEnabled {
		s.cronEval = schedule.RobfigCron()
	} else {
		s.noCron = true
	}

	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.noCron {
		s.cronEval = nil
	}
	s.calc = &schedule.Calculator{Cron: s.cronEval, Location: loc}
	return s
}

// Catalog returns the task catalog used to resolve job tasks.
func (s *Scheduler) Catalog() *catalog.Catalog { return s.cat }

// Location is the timezone used for computing next runs.
func (s *Scheduler) Location() *time.Location { return s.loc }

// ---- job table ----

func (s *Scheduler) newIDLocked() string {
	for {
		id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		if _, taken := s.jobs[id]; !taken {
			return id
		}
	}
}

func (s *Scheduler) findByNameLocked(name string) *entry {
	for _, e := range s.jobs {
		if e.job.Name == name {
			return e
		}
	}
	return nil
}

func (s *Scheduler) insertLocked(j *job.Job) {
	s.seq++
	s.jobs[j.ID] = &entry{job: j, seq: s.seq}
}

// AddJob validates spec and inserts a new job. The returned job is a copy.
func (s *Scheduler) AddJob(ctx context.Context, spec JobSpec) (job.Job, error) {
	if err := ctx.Err(); err != nil {
		return job.Job{}, err
	}
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return job.Job{}, fmt.Errorf("%w: name is required", ErrInvalidJob)
	}
	task := strings.ToLower(strings.TrimSpace(spec.Task))
	if !s.cat.Has(task) {
		return job.Job{}, fmt.Errorf("job %q: %w: %q", name, ErrUnknownTask, spec.Task)
	}
	kind, err := schedule.ParseKind(string(spec.Kind))
	if err != nil {
		return job.Job{}, fmt.Errorf("job %q: %w", name, err)
	}
	sched, err := s.calc.Parse(kind, spec.Expression)
	if err != nil {
		return job.Job{}, fmt.Errorf("job %q: %w", name, err)
	}

	now := s.now()
	s.mu.Lock()
	if s.findByNameLocked(name) != nil {
		s.mu.Unlock()
		return job.Job{}, fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	j := job.New(s.newIDLocked(), job.Spec{
		Name:        name,
		TaskName:    task,
		Kind:        kind,
		Expression:  spec.Expression,
		Params:      spec.Params,
		Tags:        spec.Tags,
		Description: spec.Description,
		Enabled:     !spec.Disabled,
	}, sched, now)
	s.insertLocked(j)
	snap := j.Clone()
	s.publishLocked(EventJobAdded, snap, nil)
	s.mu.Unlock()

	if snap.Enabled && snap.NextRun == nil && snap.LastError != "" {
		s.warnNextRun(snap.ID, snap.Name, snap.LastError)
	}
	s.log.Info("job added",
		logx.String("job_id", snap.ID),
		logx.String("job", snap.Name),
		logx.String("task", snap.TaskName),
		logx.String("schedule", string(snap.Kind)+" "+snap.Expression),
		logx.Any("next_run", snap.NextRun),
	)
	return snap, nil
}

// Canonical parses (kind, expr) the way AddJob does and returns the normalized
// form stored on jobs, so callers can tell whether a definition changed.
func (s *Scheduler) Canonical(kind schedule.Kind, expr string) (schedule.Kind, string, error) {
	k, err := schedule.ParseKind(string(kind))
	if err != nil {
		return "", "", err
	}
	sched, err := s.calc.Parse(k, expr)
	if err != nil {
		return "", "", err
	}
	return sched.Kind(), sched.Expression(), nil
}

// RestoreJob inserts a persisted job as-is: ID and counters are kept. A persisted
// next run is kept too, so a job that came due while the process was down runs once.
func (s *Scheduler) RestoreJob(j job.Job) error {
	if strings.TrimSpace(j.ID) == "" || strings.TrimSpace(j.Name) == "" {
		return fmt.Errorf("%w: restored job needs id and name", ErrInvalidJob)
	}
	kind, err := schedule.ParseKind(string(j.Kind))
	if err != nil {
		return fmt.Errorf("job %q: %w", j.Name, err)
	}
	sched, err := s.calc.Parse(kind, j.Expression)
	if err != nil {
		return fmt.Errorf("job %q: %w", j.Name, err)
	}
	if !s.cat.Has(j.TaskName) {
		// Kept so the record isn't lost; runs fail until the task is registered.
		s.log.Warn("restored job references unknown task", logx.String("job", j.Name), logx.String("task", j.TaskName))
	}

	cp := j.Clone()
	cp.Bind(sched)
	now := s.now()
	switch {
	case !cp.Enabled, cp.Kind == schedule.KindOnce && cp.RunCount >= 1:
		cp.NextRun = nil
	case cp.NextRun == nil:
		_ = cp.RecomputeNextRun(now)
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}

	s.mu.Lock()
	if _, exists := s.jobs[cp.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: id %q already loaded", ErrDuplicateName, cp.ID)
	}
	if s.findByNameLocked(cp.Name) != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDuplicateName, cp.Name)
	}
	s.insertLocked(&cp)
	s.mu.Unlock()

	s.log.Debug("job restored", logx.String("job_id", cp.ID), logx.String("job", cp.Name), logx.Any("next_run", cp.NextRun))
	return nil
}

// RemoveJob deletes the job immediately. An execution in flight finishes but its
// result is discarded.
func (s *Scheduler) RemoveJob(id string) bool {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.jobs, id)
	snap := e.job.Clone()
	s.publishLocked(EventJobRemoved, snap, nil)
	s.mu.Unlock()

	s.forgetWarn(id)
	s.log.Info("job removed", logx.String("job_id", id), logx.String("job", snap.Name))
	return true
}

func (s *Scheduler) EnableJob(id string) bool {
	now := s.now()
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	err := e.job.Enable(now)
	snap := e.job.Clone()
	s.publishLocked(EventJobUpdated, snap, nil)
	s.mu.Unlock()

	if err != nil {
		s.warnNextRun(id, snap.Name, snap.LastError)
	}
	s.log.Info("job enabled", logx.String("job_id", id), logx.String("job", snap.Name), logx.Any("next_run", snap.NextRun))
	return true
}

// DisableJob is idempotent.
func (s *Scheduler) DisableJob(id string) bool {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	e.job.Disable()
	snap := e.job.Clone()
	s.publishLocked(EventJobUpdated, snap, nil)
	s.mu.Unlock()

	s.log.Info("job disabled", logx.String("job_id", id), logx.String("job", snap.Name))
	return true
}

// UpdateJob applies upd, revalidating whatever changed, and recomputes the next run.
func (s *Scheduler) UpdateJob(id string, upd JobUpdate) (job.Job, error) {
	now := s.now()
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return job.Job{}, fmt.Errorf("%w: %q", ErrJobNotFound, id)
	}
	j := e.job

	name := j.Name
	if upd.Name != nil {
		name = strings.TrimSpace(*upd.Name)
		if name == "" {
			s.mu.Unlock()
			return job.Job{}, fmt.Errorf("%w: name is required", ErrInvalidJob)
		}
		if other := s.findByNameLocked(name); other != nil && other != e {
			s.mu.Unlock()
			return job.Job{}, fmt.Errorf("%w: %q", ErrDuplicateName, name)
		}
	}
	task := j.TaskName
	if upd.Task != nil {
		task = strings.ToLower(strings.TrimSpace(*upd.Task))
		if !s.cat.Has(task) {
			s.mu.Unlock()
			return job.Job{}, fmt.Errorf("job %q: %w: %q", name, ErrUnknownTask, *upd.Task)
		}
	}
	sched := j.Schedule()
	if upd.Kind != nil || upd.Expression != nil || sched == nil {
		kind, expr := j.Kind, j.Expression
		if upd.Kind != nil {
			kind = *upd.Kind
		}
		if upd.Expression != nil {
			expr = *upd.Expression
		}
		k, err := schedule.ParseKind(string(kind))
		if err == nil {
			sched, err = s.calc.Parse(k, expr)
		}
		if err != nil {
			s.mu.Unlock()
			return job.Job{}, fmt.Errorf("job %q: %w", name, err)
		}
	}

	j.Name = name
	j.TaskName = task
	if upd.Params != nil {
		j.Params = maps.Clone(upd.Params)
	}
	if upd.Tags != nil {
		j.Tags = slices.Clone(upd.Tags)
	}
	if upd.Description != nil {
		j.Description = *upd.Description
	}
	j.Bind(sched)
	err := j.RecomputeNextRun(now)
	snap := j.Clone()
	s.publishLocked(EventJobUpdated, snap, nil)
	s.mu.Unlock()

	if err != nil {
		s.warnNextRun(id, snap.Name, snap.LastError)
	}
	s.log.Info("job updated", logx.String("job_id", id), logx.String("job", snap.Name), logx.Any("next_run", snap.NextRun))
	return snap, nil
}

func (s *Scheduler) GetJob(id string) (job.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return job.Job{}, false
	}
	return e.job.Clone(), true
}

func (s *Scheduler) GetJobByName(name string) (job.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.findByNameLocked(name)
	if e == nil {
		return job.Job{}, false
	}
	return e.job.Clone(), true
}

// ListJobs returns copies sorted by next run ascending; jobs without a next run come
// last. Ties keep insertion order.
func (s *Scheduler) ListJobs(enabledOnly bool) []job.Job {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.jobs))
	for _, e := range s.jobs {
		if enabledOnly && !e.job.Enabled {
			continue
		}
		entries = append(entries, e)
	}
	sortEntries(entries)
	out := make([]job.Job, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.job.Clone())
	}
	s.mu.Unlock()
	return out
}

func sortEntries(entries []*entry) {
	sort.Slice(entries, func(a, b int) bool {
		na, nb := entries[a].job.NextRun, entries[b].job.NextRun
		switch {
		case na == nil && nb == nil:
		case na == nil:
			return false
		case nb == nil:
			return true
		case !na.Equal(*nb):
			return na.Before(*nb)
		}
		return entries[a].seq < entries[b].seq
	})
}

// publishLocked runs under s.mu so events for one job reach subscribers in the
// order the table changed. Publish never blocks.
func (s *Scheduler) publishLocked(typ string, j job.Job, run *RunInfo) {
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: JobEvent{Job: j, Run: run}})
}
