// Package schedule validates schedule expressions and computes next-run times.
//
// Four kinds are supported:
//   - cron: 5-field cron expression, e.g. "0 2 * * *" (robfig/cron)
//   - interval: positive integer seconds, e.g. "60"
//   - daily: wall-clock HH:MM, e.g. "02:30"
//   - once: ISO-8601 datetime, e.g. "2026-01-18T02:00:00"
//
// The package is pure: no state, no I/O.
package schedule
