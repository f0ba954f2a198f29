package scheduler

import (
	"context"
	"sort"
	"time"

	logx "taskpilot/pkg/logx"
)

// begin moves Stopped -> Running. It returns nil channels when already running.
func (s *Scheduler) begin() (stop chan struct{}, done chan struct{}, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.log.Warn("scheduler already running")
		return nil, nil, nil
	}
	if s.done != nil {
		select {
		case <-s.done:
		default:
			return nil, nil, ErrStopping
		}
	}
	s.running = true
	s.paused = false
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	return s.stopCh, s.done, nil
}

// Start launches the poll loop in its own goroutine and returns immediately.
// ctx is handed to tasks; cancelling it also ends the loop.
func (s *Scheduler) Start(ctx context.Context) error {
	stop, done, err := s.begin()
	if err != nil || stop == nil {
		return err
	}
	s.log.Info("scheduler started", logx.Duration("tick", s.TickInterval()))
	go s.loop(ctx, stop, done)
	return nil
}

// Run is the blocking variant of Start: it returns when Stop is called or ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	stop, done, err := s.begin()
	if err != nil || stop == nil {
		return err
	}
	s.log.Info("scheduler started", logx.Duration("tick", s.TickInterval()), logx.Bool("blocking", true))
	s.loop(ctx, stop, done)
	return nil
}

// Stop signals the loop and moves to Stopped. It then waits for the loop to exit until
// ctx is done; an already-done ctx means "don't wait". A job already executing is
// allowed to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.paused = false
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()

	s.log.Info("scheduler stopping")
	if ctx.Err() != nil {
		return nil
	}
	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; loop still draining", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

// Pause keeps the loop ticking but stops dispatching. Next runs are not advanced, so
// due jobs fire on the first tick after Resume.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.log.Info("scheduler paused")
}

func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.log.Info("scheduler resumed")
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Scheduler) TickInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

// SetTickInterval takes effect from the next wait. <=0 restores the default.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultTickInterval
	}
	s.mu.Lock()
	changed := s.tick != d
	s.tick = d
	s.mu.Unlock()
	if changed {
		s.log.Info("tick interval changed", logx.Duration("tick", d))
	}
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}, done chan struct{}) {
	defer close(done)
	defer func() {
		// Ended by ctx rather than Stop: still leave the scheduler Stopped.
		s.mu.Lock()
		if s.running && s.stopCh == stop {
			s.running = false
			s.paused = false
			s.log.Info("scheduler stopped", logx.String("reason", "context done"))
		}
		s.mu.Unlock()
	}()

	for {
		s.runTick(ctx, stop)

		timer := time.NewTimer(s.TickInterval())
		select {
		case <-stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// runTick executes every job due at the start of the tick, one after another.
func (s *Scheduler) runTick(ctx context.Context, stop <-chan struct{}) {
	if s.Paused() {
		return
	}
	for _, id := range s.dueSnapshot(s.now()) {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}
		s.execute(ctx, id, TriggerScheduled)
	}
}

// dueSnapshot returns the IDs of due jobs in insertion order.
func (s *Scheduler) dueSnapshot(now time.Time) []string {
	s.mu.Lock()
	due := make([]*entry, 0, 4)
	for _, e := range s.jobs {
		if !e.executing && e.job.IsDue(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(a, b int) bool { return due[a].seq < due[b].seq })
	ids := make([]string, len(due))
	for i, e := range due {
		ids[i] = e.job.ID
	}
	s.mu.Unlock()
	return ids
}
