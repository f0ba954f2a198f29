package config

import (
	"reflect"
	"sort"
	"strings"

	logx "taskpilot/pkg/logx"
)

// SummarizeConfigChange returns (1) the changed top-level sections, (2) structured
// attrs describing the new values, and (3) the names of jobs that were added,
// removed or modified.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.JSON != newCfg.Logging.JSON ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Scheduler.TickInterval) != strings.TrimSpace(newCfg.Scheduler.TickInterval) ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) ||
		boolOr(oldCfg.Scheduler.CronEnabled, true) != boolOr(newCfg.Scheduler.CronEnabled, true) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.tick_interval", strings.TrimSpace(newCfg.Scheduler.TickInterval)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Bool("scheduler.cron_enabled", boolOr(newCfg.Scheduler.CronEnabled, true)),
		)
	}

	oldSt, newSt := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oldSt != newSt {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newSt.Driver),
			logx.String("storage.history_retention", newSt.HistoryRetention),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.ListenAddr()),
		)
	}

	jobNames := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(jobNames) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.count", len(newCfg.Jobs)),
			logx.Int("jobs.enabled", countEnabled(newCfg.Jobs)),
			logx.Strings("jobs.changed", jobNames),
		)
	}

	return changed, attrs, jobNames
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	out := *s
	out.Driver = strings.ToLower(strings.TrimSpace(out.Driver))
	out.Path = strings.TrimSpace(out.Path)
	return out
}

func countEnabled(jobs []JobConfig) int {
	n := 0
	for _, j := range jobs {
		if j.IsEnabled() {
			n++
		}
	}
	return n
}

// diffJobs compares job declarations by name. Order changes alone are ignored.
func diffJobs(oldJobs, newJobs []JobConfig) []string {
	index := func(in []JobConfig) map[string]JobConfig {
		m := make(map[string]JobConfig, len(in))
		for _, j := range in {
			m[strings.TrimSpace(j.Name)] = j
		}
		return m
	}
	om, nm := index(oldJobs), index(newJobs)

	out := make([]string, 0)
	for name, nj := range nm {
		oj, ok := om[name]
		if !ok || !reflect.DeepEqual(oj, nj) {
			out = append(out, name)
		}
	}
	for name := range om {
		if _, ok := nm[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
