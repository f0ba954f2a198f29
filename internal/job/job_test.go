package job

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/schedule"
)

var t0 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func mustJob(t *testing.T, kind schedule.Kind, expr string, calc *schedule.Calculator) *Job {
	t.Helper()
	if calc == nil {
		calc = schedule.Default()
	}
	sched, err := calc.Parse(kind, expr)
	require.NoError(t, err)
	return New("abc12345", Spec{Name: "j", TaskName: "noop", Kind: kind, Expression: expr, Enabled: true}, sched, t0)
}

func assertInvariants(t *testing.T, j *Job) {
	t.Helper()
	assert.Equal(t, j.RunCount, j.SuccessCount+j.ErrorCount, "run_count == success + error")
	if !j.Enabled || (j.Kind == schedule.KindOnce && j.RunCount >= 1) {
		assert.Nil(t, j.NextRun, "next_run must be absent")
	}
}

func TestIntervalRecordExecution(t *testing.T) {
	j := mustJob(t, schedule.KindInterval, "60", nil)
	require.NotNil(t, j.NextRun)
	assert.Equal(t, t0.Add(60*time.Second), *j.NextRun)

	assert.False(t, j.IsDue(t0))
	assert.True(t, j.IsDue(t0.Add(60*time.Second)))

	j.RecordExecution(t0.Add(60*time.Second), true, 100*time.Millisecond, "")
	require.NotNil(t, j.NextRun)
	assert.Equal(t, t0.Add(120*time.Second), *j.NextRun)
	assert.Equal(t, int64(1), j.SuccessCount)
	assert.Equal(t, 100*time.Millisecond, j.LastDuration)
	assertInvariants(t, j)
}

func TestOnceDisablesAfterOneRun(t *testing.T) {
	for _, success := range []bool{true, false} {
		j := mustJob(t, schedule.KindOnce, "2024-01-01T09:00:00Z", nil)
		require.NotNil(t, j.NextRun)
		assert.True(t, j.IsDue(t0), "past once is due immediately")

		j.RecordExecution(t0, success, time.Second, "boom")
		assert.False(t, j.Enabled)
		assert.Nil(t, j.NextRun)
		assertInvariants(t, j)

		// Re-enabling a spent once job keeps it inert.
		require.NoError(t, j.Enable(t0))
		assert.Nil(t, j.NextRun)
		assert.False(t, j.IsDue(t0.Add(time.Hour)))
	}
}

func TestLastErrorClearedOnSuccess(t *testing.T) {
	j := mustJob(t, schedule.KindInterval, "5", nil)
	j.RecordExecution(t0, false, 0, "disk full")
	assert.Equal(t, "disk full", j.LastError)
	assert.Equal(t, int64(1), j.ErrorCount)

	j.RecordExecution(t0.Add(5*time.Second), true, 0, "")
	assert.Empty(t, j.LastError)
	assert.InDelta(t, 0.5, j.SuccessRate(), 1e-9)
	assertInvariants(t, j)
}

func TestSuccessRate(t *testing.T) {
	j := mustJob(t, schedule.KindInterval, "1", nil)
	assert.Equal(t, 0.0, j.SuccessRate())
	for i := 0; i < 3; i++ {
		j.RecordExecution(t0, true, 0, "")
	}
	j.RecordExecution(t0, false, 0, "x")
	assert.InDelta(t, 0.75, j.SuccessRate(), 1e-9)
}

func TestDisableIsIdempotent(t *testing.T) {
	j := mustJob(t, schedule.KindDaily, "02:00", nil)
	require.NotNil(t, j.NextRun)

	j.Disable()
	j.Disable()
	assert.False(t, j.Enabled)
	assert.Nil(t, j.NextRun)
	assert.False(t, j.IsDue(t0.Add(48*time.Hour)))

	require.NoError(t, j.Enable(t0))
	require.NotNil(t, j.NextRun)
	assert.Equal(t, time.Date(2024, 1, 2, 2, 0, 0, 0, time.UTC), *j.NextRun)
}

func TestCronUnavailableStallsJob(t *testing.T) {
	j := mustJob(t, schedule.KindCron, "0 2 * * *", &schedule.Calculator{})
	assert.True(t, j.Enabled)
	assert.Nil(t, j.NextRun)
	assert.Contains(t, j.LastError, "cron evaluation unavailable")
	assert.False(t, j.IsDue(t0.Add(24*time.Hour)))
}

func TestUnboundJob(t *testing.T) {
	j := &Job{ID: "x", Kind: schedule.KindInterval, Expression: "5", Enabled: true}
	err := j.RecomputeNextRun(t0)
	assert.ErrorIs(t, err, ErrUnbound)
	assert.Nil(t, j.NextRun)

	sched, err := schedule.Default().Parse(schedule.KindInterval, "5")
	require.NoError(t, err)
	j.Bind(sched)
	require.NoError(t, j.RecomputeNextRun(t0))
	assert.Equal(t, t0.Add(5*time.Second), *j.NextRun)
}

func TestCloneIsIndependent(t *testing.T) {
	j := mustJob(t, schedule.KindInterval, "5", nil)
	j.Params = map[string]any{"k": "v"}
	j.Tags = []string{"a"}

	cp := j.Clone()
	cp.Params["k"] = "changed"
	cp.Tags[0] = "b"
	*cp.NextRun = cp.NextRun.Add(time.Hour)

	assert.Equal(t, "v", j.Params["k"])
	assert.Equal(t, "a", j.Tags[0])
	assert.Equal(t, t0.Add(5*time.Second), *j.NextRun)
	assert.NotNil(t, cp.Schedule())
}

func TestJSONFieldNames(t *testing.T) {
	j := mustJob(t, schedule.KindInterval, "60", nil)
	raw, err := json.Marshal(j)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	for _, k := range []string{"job_id", "job_name", "task_name", "schedule_type", "schedule", "enabled", "next_run", "run_count", "created_at"} {
		assert.Contains(t, m, k)
	}
	assert.Equal(t, "interval", m["schedule_type"])
}
