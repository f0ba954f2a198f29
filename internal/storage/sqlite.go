package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"taskpilot/internal/job"
	logx "taskpilot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- jobs ----

func (s *sqliteStore) LoadJobs(ctx context.Context) ([]job.Job, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM jobs ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.Job
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var j job.Job
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			s.log.Warn("skipping undecodable job row", logx.String("job_id", id), logx.Err(err))
			continue
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveJob(ctx context.Context, j job.Job) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("job id is required")
	}
	data, err := json.Marshal(j)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, name, task, enabled, data, updated_at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, task=excluded.task, enabled=excluded.enabled,
		   data=excluded.data, updated_at=excluded.updated_at`,
		j.ID, j.Name, j.TaskName, boolInt(j.Enabled), string(data), time.Now().UnixNano(),
	)
	return err
}

func (s *sqliteStore) DeleteJob(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	return err
}

// ---- runs ----

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.ID == "" {
		return errors.New("run id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, job_id, job_name, task, status, run_trigger, started_at, finished_at, duration_ns, err, message)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.JobID, r.JobName, r.Task, r.Status, nullStr(r.Trigger),
		r.StartedAt.UnixNano(), r.FinishedAt.UnixNano(), int64(r.Duration),
		nullStr(r.Error), nullStr(r.Message),
	)
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, q RunQuery) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var (
		where []string
		args  []any
	)
	if q.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, q.JobID)
	}
	if q.Task != "" {
		where = append(where, "task = ?")
		args = append(args, q.Task)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, q.Status)
	}
	if !q.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, q.Since.UnixNano())
	}
	query := `SELECT id, job_id, job_name, task, status, run_trigger, started_at, finished_at, duration_ns, err, message FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, q.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r                 RunRecord
			trigger, ers, msg sql.NullString
			started, finished int64
			durNS             int64
		)
		if err := rows.Scan(&r.ID, &r.JobID, &r.JobName, &r.Task, &r.Status, &trigger, &started, &finished, &durNS, &ers, &msg); err != nil {
			return nil, err
		}
		r.Trigger = trigger.String
		r.Error = ers.String
		r.Message = msg.String
		r.StartedAt = time.Unix(0, started)
		r.FinishedAt = time.Unix(0, finished)
		r.Duration = time.Duration(durNS)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RunStats(ctx context.Context, jobID string) (RunStats, error) {
	if s == nil || s.db == nil {
		return RunStats{}, ErrDisabled
	}
	query := `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(duration_ns), 0),
		COALESCE(MIN(duration_ns), 0),
		COALESCE(MAX(duration_ns), 0),
		MAX(started_at),
		MAX(CASE WHEN status = 'success' THEN finished_at END),
		MAX(CASE WHEN status <> 'success' THEN finished_at END)
		FROM runs`
	var args []any
	if jobID != "" {
		query += " WHERE job_id = ?"
		args = append(args, jobID)
	}

	var (
		st                             = RunStats{JobID: jobID}
		sumNS, minNS, maxNS            int64
		lastRun, lastSuccess, lastFail sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&st.Total, &st.Success, &sumNS, &minNS, &maxNS, &lastRun, &lastSuccess, &lastFail,
	)
	if err != nil {
		return RunStats{}, err
	}
	st.Failed = st.Total - st.Success
	st.MinDuration = time.Duration(minNS)
	st.MaxDuration = time.Duration(maxNS)
	if st.Total > 0 {
		st.SuccessRate = float64(st.Success) / float64(st.Total)
		st.AvgDuration = time.Duration(sumNS / st.Total)
	}
	st.LastRun = nanoPtr(lastRun)
	st.LastSuccess = nanoPtr(lastSuccess)
	st.LastFailure = nanoPtr(lastFail)
	return st, nil
}

func (s *sqliteStore) PruneRuns(ctx context.Context, olderThan time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, olderThan.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func nanoPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
