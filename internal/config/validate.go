package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"taskpilot/internal/observability/debugsrv"
	"taskpilot/internal/schedule"
)

const (
	DefaultPruneInterval = time.Hour
	DefaultTickInterval  = time.Second
)

// Validate performs static checks that do not depend on runtime state (the task
// catalog, storage). Every problem is reported, not just the first.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path is required when file logging is enabled"))
	}

	if _, err := cfg.Scheduler.Tick(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.Scheduler.Location(); err != nil {
		errs = append(errs, err)
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path is required for driver %q", st.Driver))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		for _, f := range []struct{ path, raw string }{
			{"storage.busy_timeout", st.BusyTimeout},
			{"storage.history_retention", st.HistoryRetention},
			{"storage.prune_interval", st.PruneInterval},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if d := cfg.Debug; d.Enabled {
		addr := d.ListenAddr()
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("debug.addr: %w", err))
		} else if err := debugsrv.CheckExposure(addr, d.Token, d.AllowInsecure); err != nil {
			errs = append(errs, fmt.Errorf("debug.addr: %w", err))
		}
	}

	calc := schedule.Default()
	if !cfg.Scheduler.CronAllowed() {
		// Without an evaluator only the field count is checked.
		calc = &schedule.Calculator{}
	}
	seen := make(map[string]struct{}, len(cfg.Jobs))
	for i, j := range cfg.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", path))
		} else {
			path = fmt.Sprintf("jobs[%s]", name)
			if _, dup := seen[name]; dup {
				errs = append(errs, fmt.Errorf("%s: duplicate job name", path))
			}
			seen[name] = struct{}{}
		}
		if strings.TrimSpace(j.Task) == "" {
			errs = append(errs, fmt.Errorf("%s.task is required", path))
		}
		kind, err := schedule.ParseKind(j.ScheduleType)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s.schedule_type: %w", path, err))
			continue
		}
		if err := calc.Validate(kind, j.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("%s.schedule: %w", path, err))
		}
	}

	return errors.Join(errs...)
}

// Tick returns the resolved tick interval.
func (s SchedulerConfig) Tick() (time.Duration, error) {
	return ParseDurationOrDefault("scheduler.tick_interval", s.TickInterval, DefaultTickInterval)
}

func (s SchedulerConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

func (s SchedulerConfig) CronAllowed() bool { return boolOr(s.CronEnabled, true) }

// Retention returns how long run history is kept; zero keeps it forever.
func (s StorageConfig) Retention() time.Duration {
	d, _ := ParseDurationField("storage.history_retention", s.HistoryRetention)
	return d
}

func (s StorageConfig) Prune() time.Duration {
	d, _ := ParseDurationOrDefault("storage.prune_interval", s.PruneInterval, DefaultPruneInterval)
	return d
}

func (s StorageConfig) Busy() time.Duration {
	d, _ := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
	return d
}

func (d DebugConfig) ListenAddr() string {
	if a := strings.TrimSpace(d.Addr); a != "" {
		return a
	}
	return debugsrv.DefaultAddr
}
