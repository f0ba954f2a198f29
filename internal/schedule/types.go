package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidSchedule wraps every validation failure (bad kind, bad expression).
	ErrInvalidSchedule = errors.New("invalid schedule")
	// ErrCronUnavailable is returned when a cron schedule is evaluated without a CronEvaluator.
	ErrCronUnavailable = errors.New("cron evaluation unavailable")
)

// Kind is the closed set of supported schedule kinds.
type Kind string

const (
	KindCron     Kind = "cron"
	KindInterval Kind = "interval"
	KindDaily    Kind = "daily"
	KindOnce     Kind = "once"
)

// Kinds lists every supported kind in a stable order.
func Kinds() []Kind { return []Kind{KindCron, KindInterval, KindDaily, KindOnce} }

// ParseKind accepts the kind name case-insensitively.
func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	switch k {
	case KindCron, KindInterval, KindDaily, KindOnce:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown schedule type %q (use cron, interval, daily, once)", ErrInvalidSchedule, raw)
	}
}

func (k Kind) String() string { return string(k) }

// Schedule is a parsed, validated schedule expression.
//
// Implementations are CronSchedule, IntervalSchedule, DailySchedule and OnceSchedule.
// Values are built by Calculator.Parse so an invalid combination can't exist.
type Schedule interface {
	Kind() Kind
	// Next returns the next due time relative to now.
	Next(now time.Time) (time.Time, error)
	// Expression returns the canonical expression string.
	Expression() string
}

// CronSchedule fires per a 5-field cron expression.
type CronSchedule struct {
	Expr string

	eval CronEvaluator
}

func (s CronSchedule) Kind() Kind         { return KindCron }
func (s CronSchedule) Expression() string { return s.Expr }

// Next is strictly after now, in now's location.
func (s CronSchedule) Next(now time.Time) (time.Time, error) {
	if s.eval == nil {
		return time.Time{}, fmt.Errorf("%w: cannot compute next run for %q", ErrCronUnavailable, s.Expr)
	}
	return s.eval.Next(s.Expr, now)
}

// IntervalSchedule fires every Every, measured from the last recompute.
type IntervalSchedule struct {
	Every time.Duration
}

func (s IntervalSchedule) Kind() Kind { return KindInterval }
func (s IntervalSchedule) Expression() string {
	return fmt.Sprintf("%d", int64(s.Every/time.Second))
}

func (s IntervalSchedule) Next(now time.Time) (time.Time, error) {
	return now.Add(s.Every), nil
}

// DailySchedule fires once a day at Hour:Minute wall-clock time.
type DailySchedule struct {
	Hour   int
	Minute int
}

func (s DailySchedule) Kind() Kind         { return KindDaily }
func (s DailySchedule) Expression() string { return fmt.Sprintf("%02d:%02d", s.Hour, s.Minute) }

// Next is today at HH:MM if that is strictly after now, otherwise tomorrow.
// Arithmetic is plain calendar arithmetic in now's location; no DST adjustment.
func (s DailySchedule) Next(now time.Time) (time.Time, error) {
	y, m, d := now.Date()
	candidate := time.Date(y, m, d, s.Hour, s.Minute, 0, 0, now.Location())
	if !candidate.After(now) {
		candidate = time.Date(y, m, d+1, s.Hour, s.Minute, 0, 0, now.Location())
	}
	return candidate, nil
}

// OnceSchedule fires a single time at At.
type OnceSchedule struct {
	At time.Time
}

func (s OnceSchedule) Kind() Kind         { return KindOnce }
func (s OnceSchedule) Expression() string { return s.At.Format(time.RFC3339Nano) }

// Next returns At even when it is already in the past (due on the next poll).
func (s OnceSchedule) Next(time.Time) (time.Time, error) {
	return s.At, nil
}
