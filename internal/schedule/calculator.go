package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Calculator validates schedule expressions and computes next-run times.
//
// Cron is the cron strategy; nil means cron support is unavailable (validation only
// checks the field count, and computing a next run fails with ErrCronUnavailable).
// Location is used for ONCE timestamps without an offset; nil means time.Local.
type Calculator struct {
	Cron     CronEvaluator
	Location *time.Location
}

// Default returns a Calculator with robfig cron support in the local timezone.
func Default() *Calculator {
	return &Calculator{Cron: RobfigCron()}
}

func (c *Calculator) location() *time.Location {
	if c == nil || c.Location == nil {
		return time.Local
	}
	return c.Location
}

func (c *Calculator) cron() CronEvaluator {
	if c == nil {
		return nil
	}
	return c.Cron
}

// Validate checks expr against the syntax of kind.
func (c *Calculator) Validate(kind Kind, expr string) error {
	_, err := c.Parse(kind, expr)
	return err
}

// Parse validates expr and returns the tagged schedule value.
func (c *Calculator) Parse(kind Kind, expr string) (Schedule, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, fmt.Errorf("%w: schedule must not be empty", ErrInvalidSchedule)
	}

	switch kind {
	case KindInterval:
		every, err := parseIntervalSeconds(s)
		if err != nil {
			return nil, err
		}
		return IntervalSchedule{Every: every}, nil

	case KindDaily:
		h, m, err := parseHHMM(s)
		if err != nil {
			return nil, err
		}
		return DailySchedule{Hour: h, Minute: m}, nil

	case KindOnce:
		at, err := parseISOTime(s, c.location())
		if err != nil {
			return nil, err
		}
		return OnceSchedule{At: at}, nil

	case KindCron:
		eval := c.cron()
		if eval == nil {
			// Defer: only the shape is checked until a next run is actually needed.
			if n := len(strings.Fields(s)); n != 5 {
				return nil, fmt.Errorf("%w: cron %q must have 5 fields, got %d", ErrInvalidSchedule, s, n)
			}
			return CronSchedule{Expr: s}, nil
		}
		if err := eval.Validate(s); err != nil {
			return nil, err
		}
		return CronSchedule{Expr: s, eval: eval}, nil

	default:
		return nil, fmt.Errorf("%w: unknown schedule type %q", ErrInvalidSchedule, string(kind))
	}
}

// ComputeNext parses expr and returns its next due time relative to now.
func (c *Calculator) ComputeNext(kind Kind, expr string, now time.Time) (time.Time, error) {
	sched, err := c.Parse(kind, expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(now)
}

func parseIntervalSeconds(s string) (time.Duration, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: interval must be an integer number of seconds (e.g. \"60\"), got %q", ErrInvalidSchedule, s)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: interval must be > 0 seconds, got %d", ErrInvalidSchedule, n)
	}
	// Cap so the Duration multiplication can't overflow.
	if n > int64((1<<63-1)/int64(time.Second)) {
		return 0, fmt.Errorf("%w: interval %d seconds is too large", ErrInvalidSchedule, n)
	}
	return time.Duration(n) * time.Second, nil
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: daily time %q, expected HH:MM (e.g. \"02:30\")", ErrInvalidSchedule, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("%w: invalid hour in %q (00-23)", ErrInvalidSchedule, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("%w: invalid minute in %q (00-59)", ErrInvalidSchedule, s)
	}
	return h, m, nil
}

// Layouts accepted for ONCE, tried in order. The first two carry an offset.
var onceLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

func parseISOTime(s string, loc *time.Location) (time.Time, error) {
	for i, layout := range onceLayouts {
		var (
			t   time.Time
			err error
		)
		if i < 2 {
			t, err = time.Parse(layout, s)
		} else {
			t, err = time.ParseInLocation(layout, s, loc)
		}
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: once requires an ISO-8601 datetime (e.g. \"2026-01-18T02:00:00\"), got %q", ErrInvalidSchedule, s)
}
