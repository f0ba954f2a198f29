package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// CronEvaluator computes cron next-run times. It is injectable so a host can run
// without cron support (interval/daily/once keep working).
type CronEvaluator interface {
	Validate(expr string) error
	Next(expr string, after time.Time) (time.Time, error)
}

type robfigCron struct {
	parser cron.Parser
}

// RobfigCron returns the default evaluator backed by robfig/cron with a standard
// 5-field parser (minute hour dom month dow).
func RobfigCron() CronEvaluator {
	return robfigCron{parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)}
}

func (c robfigCron) Validate(expr string) error {
	if _, err := c.parser.Parse(strings.TrimSpace(expr)); err != nil {
		return fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, expr, err)
	}
	return nil
}

func (c robfigCron) Next(expr string, after time.Time) (time.Time, error) {
	sched, err := c.parser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: cron %q: %v", ErrInvalidSchedule, expr, err)
	}
	// The parser leaves Location as time.Local, which makes Next use after's location.
	next := sched.Next(after)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron %q has no upcoming match after %s", expr, after.Format(time.RFC3339))
	}
	return next, nil
}
