// Package storage persists scheduler state outside the process.
//
// It provides:
//   - a job store (load all / save one / delete one, keyed by job ID)
//   - a run-history recorder (append, query, per-job stats, retention pruning)
//
// The scheduler itself never calls storage; the host wires it through bus events.
package storage
