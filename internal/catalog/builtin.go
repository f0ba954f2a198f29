package catalog

import (
	"context"
	"fmt"
	"time"

	logx "taskpilot/pkg/logx"
)

func registerBuiltins(c *Catalog) {
	c.Register("noop", func(map[string]any) (Task, error) {
		return TaskFunc(func(context.Context) (Result, error) {
			return Result{Success: true, Message: "ok"}, nil
		}), nil
	}, false)

	c.Register("log", func(params map[string]any) (Task, error) {
		return &logTask{log: c.log.With(logx.String("task", "log")), message: paramString(params, "message", "tick")}, nil
	}, false)
	c.Alias("echo", "log")

	c.Register("sleep", func(params map[string]any) (Task, error) {
		d, err := paramDuration(params, "duration", time.Second)
		if err != nil {
			return nil, err
		}
		if d < 0 {
			return nil, fmt.Errorf("sleep: negative duration %s", d)
		}
		return sleepTask{d: d}, nil
	}, false)

	c.Register("monitor", newMonitorTask, false)
	c.Alias("metrics", "monitor")

	c.Register("systemd", newUnitCheckTask, false)
	c.Alias("services", "systemd")

	c.Register("speedtest", newSpeedtestTask, false)

	c.Register("telegram", newTelegramTask, false)
	c.Alias("notify", "telegram")
}

type logTask struct {
	log     logx.Logger
	message string
}

func (t *logTask) Run(context.Context) (Result, error) {
	t.log.Info(t.message)
	return Result{Success: true, Message: t.message}, nil
}

type sleepTask struct {
	d time.Duration
}

func (t sleepTask) Run(ctx context.Context) (Result, error) {
	timer := time.NewTimer(t.d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-timer.C:
		return Result{Success: true, Message: "slept " + t.d.String()}, nil
	}
}
