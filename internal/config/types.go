package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Debug     DebugConfig     `json:"debug,omitempty"`

	// Jobs are declared in config and upserted by name on startup and on reload.
	Jobs []JobConfig `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"` // console output as JSON lines
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the poll loop.
//
// TickInterval is a Go duration string; default "1s".
// CronEnabled is a pointer so an omitted key keeps cron support on.
type SchedulerConfig struct {
	TickInterval string `json:"tick_interval,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
	CronEnabled  *bool  `json:"cron_enabled,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/taskpilot.db", "history_retention": "720h" }
//
// history_retention "0s" (or omitted) keeps run history forever.
type StorageConfig struct {
	Driver           string `json:"driver"`
	Path             string `json:"path"`
	BusyTimeout      string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	HistoryRetention string `json:"history_retention,omitempty"`
	PruneInterval    string `json:"prune_interval,omitempty"` // default "1h"
}

// DebugConfig controls the optional HTTP server exposing /healthz, /status and pprof.
// Binding beyond loopback requires token (or allow_insecure).
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:6060
	Prefix        string `json:"prefix,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// JobConfig declares one job.
//
//   - name: nightly-backup
//     task: sleep
//     schedule_type: cron
//     schedule: "0 2 * * *"
//     params: { duration: 2s }
type JobConfig struct {
	Name         string         `json:"name"`
	Task         string         `json:"task"`
	ScheduleType string         `json:"schedule_type"`
	Schedule     string         `json:"schedule"`
	Params       map[string]any `json:"params,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Description  string         `json:"description,omitempty"`
	// Enabled defaults to true when omitted.
	Enabled *bool `json:"enabled,omitempty"`
}

func (j JobConfig) IsEnabled() bool { return j.Enabled == nil || *j.Enabled }
