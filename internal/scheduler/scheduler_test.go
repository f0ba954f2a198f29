package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/catalog"
	"taskpilot/internal/eventbus"
	"taskpilot/internal/job"
	"taskpilot/internal/schedule"
	logx "taskpilot/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func taskOf(fn func(ctx context.Context) (catalog.Result, error)) catalog.Factory {
	return func(map[string]any) (catalog.Task, error) { return catalog.TaskFunc(fn), nil }
}

func testCatalog() *catalog.Catalog {
	cat := catalog.NewEmpty(logx.Nop())
	cat.Register("noop", taskOf(func(context.Context) (catalog.Result, error) {
		time.Sleep(100 * time.Millisecond)
		return catalog.Result{Success: true}, nil
	}), false)
	cat.Register("quick", taskOf(func(context.Context) (catalog.Result, error) {
		return catalog.Result{Success: true, Message: "done"}, nil
	}), false)
	cat.Register("boom", taskOf(func(context.Context) (catalog.Result, error) {
		return catalog.Result{Success: false, Message: "disk full"}, nil
	}), false)
	cat.Register("explode", taskOf(func(context.Context) (catalog.Result, error) {
		panic("kaboom")
	}), false)
	cat.Register("errs", taskOf(func(context.Context) (catalog.Result, error) {
		return catalog.Result{}, errors.New("connection refused")
	}), false)
	return cat
}

func newTestScheduler(t *testing.T, opts ...Option) (*Scheduler, *fakeClock, *eventbus.MemBus) {
	t.Helper()
	clk := newFakeClock()
	bus := eventbus.New()
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	s := New(Config{TickInterval: 10 * time.Millisecond}, testCatalog(), logx.Nop(), bus, opts...)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s, clk, bus
}

func addJob(t *testing.T, s *Scheduler, name, task string, kind schedule.Kind, expr string) job.Job {
	t.Helper()
	j, err := s.AddJob(context.Background(), JobSpec{Name: name, Task: task, Kind: kind, Expression: expr})
	require.NoError(t, err)
	return j
}

func TestRunJobNoopThreeTimes(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	j := addJob(t, s, "j1", "noop", schedule.KindInterval, "1")

	for i := 0; i < 3; i++ {
		require.True(t, s.RunJob(context.Background(), j.ID))
	}

	got, ok := s.GetJob(j.ID)
	require.True(t, ok)
	assert.Equal(t, int64(3), got.RunCount)
	assert.Equal(t, int64(3), got.SuccessCount)
	assert.Equal(t, int64(0), got.ErrorCount)
	assert.Equal(t, 1.0, got.SuccessRate())
	assert.GreaterOrEqual(t, got.LastDuration, 100*time.Millisecond)
}

func TestRunJobFailureRecordsMessage(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	j := addJob(t, s, "b", "boom", schedule.KindInterval, "60")

	assert.False(t, s.RunJob(context.Background(), j.ID))

	got, _ := s.GetJob(j.ID)
	assert.Equal(t, "disk full", got.LastError)
	assert.Equal(t, int64(1), got.ErrorCount)
	assert.Equal(t, got.RunCount, got.SuccessCount+got.ErrorCount)
}

func TestRunJobErrorsAndPanics(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	e := addJob(t, s, "e", "errs", schedule.KindInterval, "60")
	p := addJob(t, s, "p", "explode", schedule.KindInterval, "60")

	assert.False(t, s.RunJob(context.Background(), e.ID))
	got, _ := s.GetJob(e.ID)
	assert.Equal(t, "connection refused", got.LastError)

	assert.False(t, s.RunJob(context.Background(), p.ID))
	got, _ = s.GetJob(p.ID)
	assert.Contains(t, got.LastError, "kaboom")
	assert.NotNil(t, got.NextRun, "failed interval job keeps its schedule")
}

func TestRunJobTaskRemovedFromCatalog(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	j := addJob(t, s, "q", "quick", schedule.KindInterval, "60")
	s.Catalog().Unregister("quick")

	assert.False(t, s.RunJob(context.Background(), j.ID))
	got, _ := s.GetJob(j.ID)
	assert.Contains(t, got.LastError, "unknown task")
	assert.Equal(t, int64(1), got.ErrorCount)
}

func TestRunJobUnknownID(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	assert.False(t, s.RunJob(context.Background(), "nope"))
}

func TestAddJobValidation(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	_, err := s.AddJob(context.Background(), JobSpec{Name: "x", Task: "missing", Kind: schedule.KindInterval, Expression: "5"})
	assert.ErrorIs(t, err, ErrUnknownTask)

	for _, expr := range []string{"0", "-5"} {
		_, err = s.AddJob(context.Background(), JobSpec{Name: "x", Task: "quick", Kind: schedule.KindInterval, Expression: expr})
		assert.ErrorIs(t, err, schedule.ErrInvalidSchedule, expr)
	}

	_, err = s.AddJob(context.Background(), JobSpec{Name: "x", Task: "quick", Kind: "hourly", Expression: "5"})
	assert.ErrorIs(t, err, schedule.ErrInvalidSchedule)

	_, err = s.AddJob(context.Background(), JobSpec{Name: " ", Task: "quick", Kind: schedule.KindInterval, Expression: "5"})
	assert.ErrorIs(t, err, ErrInvalidJob)

	assert.Empty(t, s.ListJobs(false))
}

func TestAddJobDuplicateName(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	addJob(t, s, "dup", "quick", schedule.KindInterval, "5")

	_, err := s.AddJob(context.Background(), JobSpec{Name: "dup", Task: "quick", Kind: schedule.KindDaily, Expression: "02:00"})
	assert.ErrorIs(t, err, ErrDuplicateName)
	assert.Len(t, s.ListJobs(false), 1)
}

func TestAddJobTaskCaseInsensitive(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	j := addJob(t, s, "c", "QUICK", schedule.Kind("INTERVAL"), "5")
	assert.Equal(t, "quick", j.TaskName)
	assert.Equal(t, schedule.KindInterval, j.Kind)
}

func TestDisableJobTwice(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	j := addJob(t, s, "d", "quick", schedule.KindInterval, "5")

	for i := 0; i < 2; i++ {
		require.True(t, s.DisableJob(j.ID))
		got, _ := s.GetJob(j.ID)
		assert.False(t, got.Enabled)
		assert.Nil(t, got.NextRun)
	}

	require.True(t, s.EnableJob(j.ID))
	got, _ := s.GetJob(j.ID)
	assert.True(t, got.Enabled)
	assert.NotNil(t, got.NextRun)

	assert.False(t, s.DisableJob("nope"))
	assert.False(t, s.EnableJob("nope"))
}

func TestRemoveJob(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	j := addJob(t, s, "r", "quick", schedule.KindInterval, "5")

	assert.True(t, s.RemoveJob(j.ID))
	assert.False(t, s.RemoveJob(j.ID))
	_, ok := s.GetJobByName("r")
	assert.False(t, ok)

	// The name is free again.
	addJob(t, s, "r", "quick", schedule.KindInterval, "5")
}

func TestListJobsOrdering(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	late := addJob(t, s, "late", "quick", schedule.KindInterval, "600")
	off := addJob(t, s, "off", "quick", schedule.KindInterval, "1")
	early := addJob(t, s, "early", "quick", schedule.KindInterval, "60")
	tie := addJob(t, s, "tie", "quick", schedule.KindInterval, "60")
	s.DisableJob(off.ID)

	var names []string
	for _, j := range s.ListJobs(false) {
		names = append(names, j.Name)
	}
	assert.Equal(t, []string{early.Name, tie.Name, late.Name, off.Name}, names)
	assert.Len(t, s.ListJobs(true), 3)
}

func TestStatusAndStats(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	a := addJob(t, s, "a", "quick", schedule.KindInterval, "30")
	b := addJob(t, s, "b", "boom", schedule.KindInterval, "10")
	c := addJob(t, s, "c", "quick", schedule.KindInterval, "5")
	s.DisableJob(c.ID)

	st := s.Status()
	assert.False(t, st.Running)
	assert.Equal(t, 3, st.TotalJobs)
	assert.Equal(t, 2, st.EnabledJobs)
	assert.Equal(t, "b", st.NextJobName)
	require.NotNil(t, st.NextExecution)

	s.RunJob(context.Background(), a.ID)
	s.RunJob(context.Background(), a.ID)
	s.RunJob(context.Background(), b.ID)

	stats := s.Stats()
	assert.Equal(t, 3, stats.TotalJobs)
	assert.Equal(t, int64(3), stats.TotalRuns)
	assert.Equal(t, int64(2), stats.TotalSuccess)
	assert.Equal(t, int64(1), stats.TotalErrors)
	assert.InDelta(t, 2.0/3.0, stats.SuccessRate, 1e-9)
}

func TestLoopRunsDueJobs(t *testing.T) {
	s, clk, _ := newTestScheduler(t)
	j := addJob(t, s, "tick", "quick", schedule.KindInterval, "1")
	require.NoError(t, s.Start(context.Background()))

	clk.Advance(time.Second)
	require.Eventually(t, func() bool {
		got, _ := s.GetJob(j.ID)
		return got.RunCount == 1
	}, 2*time.Second, 5*time.Millisecond)

	got, _ := s.GetJob(j.ID)
	assert.Equal(t, clk.Now().Add(time.Second), *got.NextRun)
	assert.True(t, got.LastRun.Equal(clk.Now()))
}

func TestLoopOnceJob(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	j := addJob(t, s, "once", "boom", schedule.KindOnce, "2024-01-01T09:00:00Z")
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		got, _ := s.GetJob(j.ID)
		return got.RunCount == 1
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	got, _ := s.GetJob(j.ID)
	assert.Equal(t, int64(1), got.RunCount, "once job runs a single time")
	assert.False(t, got.Enabled)
	assert.Nil(t, got.NextRun)
}

func TestPauseKeepsJobsDue(t *testing.T) {
	s, clk, _ := newTestScheduler(t)
	j := addJob(t, s, "p", "quick", schedule.KindInterval, "1")
	require.NoError(t, s.Start(context.Background()))
	s.Pause()
	assert.True(t, s.Paused())

	clk.Advance(2 * time.Second)
	time.Sleep(60 * time.Millisecond)

	got, _ := s.GetJob(j.ID)
	assert.Equal(t, int64(0), got.RunCount)
	assert.True(t, got.IsDue(clk.Now()), "still due while paused")

	s.Resume()
	require.Eventually(t, func() bool {
		got, _ := s.GetJob(j.ID)
		return got.RunCount == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStartTwiceIsNoop(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Running())
	assert.True(t, s.Status().Running)
}

func TestStopIsPrompt(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	s.SetTickInterval(time.Hour)
	require.NoError(t, s.Start(context.Background()))
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, s.Stop(ctx))
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, s.Running())

	// Restart after a clean stop.
	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Running())
}

func TestStopTimeoutThenStartIsRejected(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	s, _, _ := newTestScheduler(t)
	s.Catalog().Register("hang", taskOf(func(context.Context) (catalog.Result, error) {
		close(started)
		<-release
		return catalog.Result{Success: true}, nil
	}), false)
	j := addJob(t, s, "h", "hang", schedule.KindOnce, "2024-01-01T09:00:00Z")
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("once job was not dispatched")
	}
	assert.False(t, s.RunJob(context.Background(), j.ID), "already executing")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
	assert.ErrorIs(t, s.Start(context.Background()), ErrStopping)

	close(release)
	require.Eventually(t, func() bool {
		return s.Start(context.Background()) == nil && s.Running()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRunBlockingEndsOnContext(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.Eventually(t, s.Running, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, s.Running())
}

func TestRunJobRejectsConcurrentRun(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	s, _, _ := newTestScheduler(t)
	s.Catalog().Register("block", taskOf(func(context.Context) (catalog.Result, error) {
		close(started)
		<-release
		return catalog.Result{Success: true}, nil
	}), false)
	j := addJob(t, s, "blk", "block", schedule.KindInterval, "60")

	done := make(chan bool, 1)
	go func() { done <- s.RunJob(context.Background(), j.ID) }()
	<-started

	assert.False(t, s.RunJob(context.Background(), j.ID))
	close(release)
	assert.True(t, <-done)

	got, _ := s.GetJob(j.ID)
	assert.Equal(t, int64(1), got.RunCount)
}

func TestRemoveDuringExecutionDiscardsResult(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	s, _, bus := newTestScheduler(t)
	s.Catalog().Register("block", taskOf(func(context.Context) (catalog.Result, error) {
		close(started)
		<-release
		return catalog.Result{Success: true}, nil
	}), false)
	j := addJob(t, s, "gone", "block", schedule.KindInterval, "60")
	events, unsub := bus.Subscribe(8, EventJobExecuted)
	defer unsub()

	done := make(chan bool, 1)
	go func() { done <- s.RunJob(context.Background(), j.ID) }()
	<-started
	require.True(t, s.RemoveJob(j.ID))
	close(release)
	<-done

	_, ok := s.GetJob(j.ID)
	assert.False(t, ok)
	assert.Len(t, events, 0)
	assert.Equal(t, int64(0), s.Stats().TotalRuns)
}

func TestEventsPublished(t *testing.T) {
	s, _, bus := newTestScheduler(t)
	events, unsub := bus.Subscribe(16)
	defer unsub()

	j := addJob(t, s, "ev", "quick", schedule.KindInterval, "5")
	s.RunJob(context.Background(), j.ID)
	s.DisableJob(j.ID)
	s.RemoveJob(j.ID)

	want := []string{EventJobAdded, EventJobExecuted, EventJobUpdated, EventJobRemoved}
	for _, typ := range want {
		e := <-events
		require.Equal(t, typ, e.Type)
		je, ok := e.Data.(JobEvent)
		require.True(t, ok)
		assert.Equal(t, j.ID, je.Job.ID)
		if typ == EventJobExecuted {
			require.NotNil(t, je.Run)
			assert.True(t, je.Run.Success)
			assert.Equal(t, TriggerManual, je.Run.Trigger)
			assert.Equal(t, "done", je.Run.Message)
			assert.NotEmpty(t, je.Run.ID)
		}
	}
}

func TestCronDisabledStallsJob(t *testing.T) {
	off := false
	s := New(Config{CronEnabled: &off}, testCatalog(), logx.Nop(), nil)

	j, err := s.AddJob(context.Background(), JobSpec{Name: "c", Task: "quick", Kind: schedule.KindCron, Expression: "0 2 * * *"})
	require.NoError(t, err)
	assert.True(t, j.Enabled)
	assert.Nil(t, j.NextRun)
	assert.Contains(t, j.LastError, "cron evaluation unavailable")

	_, err = s.AddJob(context.Background(), JobSpec{Name: "bad", Task: "quick", Kind: schedule.KindCron, Expression: "0 2 *"})
	assert.ErrorIs(t, err, schedule.ErrInvalidSchedule)
}

func TestCronJobWithEvaluator(t *testing.T) {
	s, clk, _ := newTestScheduler(t)
	j := addJob(t, s, "nightly", "quick", schedule.KindCron, "0 2 * * *")
	require.NotNil(t, j.NextRun)
	assert.Equal(t, time.Date(2024, 1, 2, 2, 0, 0, 0, time.UTC), *j.NextRun)
	assert.True(t, j.NextRun.After(clk.Now()))
}

func TestUpdateJob(t *testing.T) {
	s, clk, _ := newTestScheduler(t)
	j := addJob(t, s, "u", "quick", schedule.KindInterval, "5")
	addJob(t, s, "other", "quick", schedule.KindInterval, "5")

	kind := schedule.KindDaily
	expr := "02:00"
	desc := "nightly"
	got, err := s.UpdateJob(j.ID, JobUpdate{Kind: &kind, Expression: &expr, Description: &desc, Params: map[string]any{"k": 1}})
	require.NoError(t, err)
	assert.Equal(t, schedule.KindDaily, got.Kind)
	assert.Equal(t, "02:00", got.Expression)
	assert.Equal(t, "nightly", got.Description)
	assert.Equal(t, time.Date(2024, 1, 2, 2, 0, 0, 0, time.UTC), *got.NextRun)
	assert.True(t, got.NextRun.After(clk.Now()))

	bad := "25:00"
	_, err = s.UpdateJob(j.ID, JobUpdate{Expression: &bad})
	assert.ErrorIs(t, err, schedule.ErrInvalidSchedule)

	name := "other"
	_, err = s.UpdateJob(j.ID, JobUpdate{Name: &name})
	assert.ErrorIs(t, err, ErrDuplicateName)

	task := "nope"
	_, err = s.UpdateJob(j.ID, JobUpdate{Task: &task})
	assert.ErrorIs(t, err, ErrUnknownTask)

	_, err = s.UpdateJob("missing", JobUpdate{})
	assert.ErrorIs(t, err, ErrJobNotFound)

	still, _ := s.GetJob(j.ID)
	assert.Equal(t, "02:00", still.Expression)
	assert.Equal(t, "u", still.Name)
}

func TestRestoreJob(t *testing.T) {
	s, clk, _ := newTestScheduler(t)
	past := clk.Now().Add(-time.Hour)
	persisted := job.Job{
		ID:           "deadbeef",
		Name:         "restored",
		TaskName:     "quick",
		Kind:         schedule.KindInterval,
		Expression:   "60",
		Enabled:      true,
		NextRun:      &past,
		RunCount:     4,
		SuccessCount: 3,
		ErrorCount:   1,
	}
	require.NoError(t, s.RestoreJob(persisted))

	got, ok := s.GetJob("deadbeef")
	require.True(t, ok)
	assert.Equal(t, int64(4), got.RunCount)
	assert.True(t, got.IsDue(clk.Now()), "missed run fires once")
	require.NotNil(t, got.Schedule())

	assert.ErrorIs(t, s.RestoreJob(persisted), ErrDuplicateName)

	spent := job.Job{ID: "0nce0000", Name: "spent", TaskName: "quick", Kind: schedule.KindOnce, Expression: "2024-01-01T09:00:00Z", Enabled: true, RunCount: 1, SuccessCount: 1}
	require.NoError(t, s.RestoreJob(spent))
	got, _ = s.GetJob("0nce0000")
	assert.Nil(t, got.NextRun)

	fresh := job.Job{ID: "f0000000", Name: "fresh", TaskName: "quick", Kind: schedule.KindInterval, Expression: "30", Enabled: true}
	require.NoError(t, s.RestoreJob(fresh))
	got, _ = s.GetJob("f0000000")
	assert.Equal(t, clk.Now().Add(30*time.Second), *got.NextRun)

	assert.Error(t, s.RestoreJob(job.Job{ID: "x", Name: "y", TaskName: "quick", Kind: schedule.KindInterval, Expression: "0"}))
}

func TestConcurrentControlAPI(t *testing.T) {
	s, clk, _ := newTestScheduler(t)
	require.NoError(t, s.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			j, err := s.AddJob(context.Background(), JobSpec{
				Name: "c" + string(rune('a'+i)), Task: "quick", Kind: schedule.KindInterval, Expression: "1",
			})
			if err != nil {
				t.Error(err)
				return
			}
			for k := 0; k < 20; k++ {
				clk.Advance(100 * time.Millisecond)
				s.RunJob(context.Background(), j.ID)
				s.DisableJob(j.ID)
				s.EnableJob(j.ID)
				_ = s.ListJobs(false)
				_ = s.Status()
			}
		}(i)
	}
	wg.Wait()

	for _, j := range s.ListJobs(false) {
		assert.Equal(t, j.RunCount, j.SuccessCount+j.ErrorCount)
	}
}

func TestCanonical(t *testing.T) {
	s := New(Config{Timezone: "UTC"}, testCatalog(), logx.Nop(), eventbus.Nop())

	kind, expr, err := s.Canonical("DAILY", "9:05")
	require.NoError(t, err)
	assert.Equal(t, schedule.KindDaily, kind)
	assert.Equal(t, "09:05", expr)

	_, expr, err = s.Canonical(schedule.KindOnce, "2024-03-01T08:00:00")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01T08:00:00Z", expr)

	_, _, err = s.Canonical(schedule.KindInterval, "-5")
	assert.ErrorIs(t, err, schedule.ErrInvalidSchedule)
}

func TestEventsFollowTableOrder(t *testing.T) {
	s, _, bus := newTestScheduler(t)
	j := addJob(t, s, "flip", "quick", schedule.KindInterval, "60")

	events, unsub := bus.Subscribe(4096, EventJobUpdated)
	defer unsub()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if (w+i)%2 == 0 {
					s.EnableJob(j.ID)
				} else {
					s.DisableJob(j.ID)
				}
			}
		}(w)
	}
	wg.Wait()

	var last job.Job
	n := 0
	for len(events) > 0 {
		e := <-events
		last = e.Data.(JobEvent).Job
		n++
	}
	require.Equal(t, 800, n)
	final, ok := s.GetJob(j.ID)
	require.True(t, ok)
	assert.Equal(t, final.Enabled, last.Enabled, "last event must match the table")
	assert.Equal(t, final.NextRun == nil, last.NextRun == nil)
}
