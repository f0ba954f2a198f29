package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskpilot/internal/catalog"
	"taskpilot/internal/config"
	"taskpilot/internal/eventbus"
	"taskpilot/internal/observability/debugsrv"
	"taskpilot/internal/runtime/supervisor"
	"taskpilot/internal/scheduler"
	"taskpilot/internal/storage"
	logx "taskpilot/pkg/logx"
)

// App owns the scheduler and everything around it: logging, the task catalog,
// optional storage, the event bus and config hot reload.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	cat     *catalog.Catalog
	sched   *scheduler.Scheduler
	persist *persister
	debug   *debugsrv.Service
}

// New loads the config file and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("info"))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.Manager, cfg *config.Config) (*App, error) {
	logSvc, log := logx.New(mapLogConfig(cfg.Logging))
	cfgm.SetLogger(log)

	a := &App{
		cfgm: cfgm,
		log:  log.With(logx.String("comp", "app")),
		logs: logSvc,
		bus:  eventbus.New(),
		cat:  catalog.New(log.With(logx.String("comp", "catalog"))),
	}

	if sc, enabled := mapStorageConfig(cfg); enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.store = st
		a.persist = newPersister(st, log.With(logx.String("comp", "persist")))
		a.log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	tick, _ := cfg.Scheduler.Tick()
	a.sched = scheduler.New(scheduler.Config{
		TickInterval: tick,
		Timezone:     cfg.Scheduler.Timezone,
		CronEnabled:  cfg.Scheduler.CronEnabled,
	}, a.cat, log.With(logx.String("comp", "scheduler")), a.bus)
	a.debug = debugsrv.New(mapDebugConfig(cfg.Debug), log, a.Snapshot)

	return a, nil
}

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

func (a *App) Catalog() *catalog.Catalog { return a.cat }

// Snapshot is what the debug server serves on /status.
type Snapshot struct {
	Scheduler  scheduler.Status    `json:"scheduler"`
	Stats      scheduler.Stats     `json:"stats"`
	Tasks      []string            `json:"tasks"`
	Bus        eventbus.Stats      `json:"bus"`
	Supervisor supervisor.Counters `json:"supervisor"`
	Persist    *persistStats       `json:"persist,omitempty"`
}

func (a *App) Snapshot() any {
	snap := Snapshot{
		Scheduler: a.sched.Status(),
		Stats:     a.sched.Stats(),
		Tasks:     a.cat.ListNames(),
		Bus:       a.bus.Stats(),
	}
	if a.sup != nil {
		snap.Supervisor = a.sup.Counters()
	}
	if a.persist != nil {
		ps := a.persist.stats()
		snap.Persist = &ps
	}
	return snap
}

// Store is nil when persistence is disabled.
func (a *App) Store() storage.Store { return a.store }

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// validate checks what static config validation cannot: that every job names a
// registered task.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	var errs []error
	for _, jc := range cfg.Jobs {
		if !a.cat.Has(jc.Task) {
			errs = append(errs, fmt.Errorf("jobs[%s].task: %w: %q", jc.Name, scheduler.ErrUnknownTask, jc.Task))
		}
	}
	return errors.Join(errs...)
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	if err := a.validate(ctx, cfg); err != nil {
		return err
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetValidator(a.validate)

	if a.store != nil {
		// Subscribe before seeding so config-declared jobs are persisted too.
		events, unsub := a.bus.Subscribe(persistBuffer)
		a.sup.Go0("persist", func(c context.Context) {
			defer unsub()
			a.persist.run(c, events)
		})
		if err := a.restoreJobs(ctx); err != nil {
			a.sup.Cancel()
			return err
		}
	}

	if err := syncJobs(ctx, a.sched, cfg.Jobs, a.log); err != nil {
		a.log.Warn("some configured jobs were not applied", logx.Err(err))
	}

	if err := a.sched.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return err
	}

	if a.store != nil {
		every := cfg.Storage.Prune()
		a.sup.Go0("history.prune", func(c context.Context) {
			pruneLoop(c, a.store, every, a.retention, a.log.With(logx.String("comp", "prune")))
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	a.debug.Reconfigure(a.sup.Context(), mapDebugConfig(cfg.Debug))

	st := a.sched.Status()
	a.log.Info("app started",
		logx.Int("jobs", st.TotalJobs),
		logx.Int("enabled", st.EnabledJobs),
		logx.Strings("tasks", a.cat.ListNames()),
	)
	return nil
}

func (a *App) restoreJobs(ctx context.Context) error {
	jobs, err := a.store.LoadJobs(ctx)
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	restored := 0
	for _, j := range jobs {
		if err := a.sched.RestoreJob(j); err != nil {
			a.log.Warn("skipping persisted job", logx.String("job_id", j.ID), logx.String("job", j.Name), logx.Err(err))
			continue
		}
		restored++
	}
	if restored > 0 {
		a.log.Info("jobs restored", logx.Int("count", restored))
	}
	return nil
}

func (a *App) retention() time.Duration {
	cfg := a.cfgm.Get()
	if cfg == nil || cfg.Storage == nil {
		return 0
	}
	return cfg.Storage.Retention()
}

// reloadLoop applies configs published by the watcher.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, jobNames := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogConfig(next.Logging))
		case "scheduler":
			tick, _ := next.Scheduler.Tick()
			a.sched.SetTickInterval(tick)
			if strings.TrimSpace(prev.Scheduler.Timezone) != strings.TrimSpace(next.Scheduler.Timezone) ||
				prev.Scheduler.CronAllowed() != next.Scheduler.CronAllowed() {
				a.log.Warn("scheduler timezone/cron changes take effect after restart")
			}
		case "debug":
			a.debug.Reconfigure(a.sup.Context(), mapDebugConfig(next.Debug))
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "jobs":
			if err := syncJobs(ctx, a.sched, next.Jobs, a.log); err != nil {
				a.log.Warn("some configured jobs were not applied", logx.Err(err))
			}
			a.log.Debug("jobs reconciled", logx.Strings("jobs", jobNames))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts down in order: scheduler, background loops (the persister drains what
// is buffered), a final job flush, storage. Each step is bounded so one component
// cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		c, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		if err := fn(c); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("debug", 2*time.Second, a.debug.Stop)
	step("scheduler", 5*time.Second, a.sched.Stop)
	step("supervisor", 3*time.Second, a.sup.Stop)
	if a.store != nil {
		step("flush", 3*time.Second, a.flushJobs)
		step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	}

	stats := a.sched.Stats()
	a.log.Info("stopped",
		logx.Int64("runs", stats.TotalRuns),
		logx.Int64("errors", stats.TotalErrors),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// flushJobs saves every job once more, covering events a full bus buffer dropped.
func (a *App) flushJobs(ctx context.Context) error {
	var errs []error
	for _, j := range a.sched.ListJobs(false) {
		if err := a.store.SaveJob(ctx, j); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", j.Name, err))
		}
	}
	return errors.Join(errs...)
}
