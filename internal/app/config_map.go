package app

import (
	"strings"
	"time"

	"taskpilot/internal/config"
	"taskpilot/internal/observability/debugsrv"
	"taskpilot/internal/storage"
	logx "taskpilot/pkg/logx"
)

// mapStorageConfig returns the storage config and whether persistence is enabled.
// Values were validated when the config was decoded.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: sc.Busy(),
	}, true
}

func mapLogConfig(cfg config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   cfg.Level,
		Console: cfg.Console,
		JSON:    cfg.JSON,
		File:    logx.FileConfig{Enabled: cfg.File.Enabled, Path: cfg.File.Path},
	}
}

func mapDebugConfig(cfg config.DebugConfig) debugsrv.Config {
	return debugsrv.Config{
		Enabled:              cfg.Enabled,
		Addr:                 cfg.ListenAddr(),
		Prefix:               cfg.Prefix,
		Token:                cfg.Token,
		AllowInsecure:        cfg.AllowInsecure,
		ReadTimeout:          10 * time.Second,
		WriteTimeout:         60 * time.Second,
		IdleTimeout:          2 * time.Minute,
		MutexProfileFraction: cfg.MutexProfileFraction,
		BlockProfileRate:     cfg.BlockProfileRate,
	}
}
