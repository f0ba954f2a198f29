package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"taskpilot/internal/job"
	logx "taskpilot/pkg/logx"
)

// fileStore keeps everything in plain files next to cfg.Path.
//
// Files:
//   - <prefix>.jobs.snapshot.json (map id -> job, rewritten on compaction)
//   - <prefix>.jobs.journal.jsonl (append-only put/delete records)
//   - <prefix>.runs.jsonl         (append-only run history)
//
// The journal is compacted into the snapshot every compactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File
	jobs         map[string]job.Job
	order        map[string]int64 // first-seen sequence, for stable LoadJobs order
	seq          int64
	writes       int

	runsPath string
	runsFile *os.File
}

const compactEvery = 200

type journalRecord struct {
	Op  string   `json:"op"` // "put" or "del"
	ID  string   `json:"id"`
	Job *job.Job `json:"job,omitempty"`
}

type snapshotEntry struct {
	Seq int64   `json:"seq"`
	Job job.Job `json:"job"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".jobs.snapshot.json",
		jobs:         map[string]job.Job{},
		order:        map[string]int64{},
		runsPath:     prefix + ".runs.jsonl",
	}
	journalPath := prefix + ".jobs.journal.jsonl"

	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("jobs snapshot unreadable; starting from journal", logx.Err(err))
	}
	if err := s.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("jobs journal replay failed", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	rf, err := os.OpenFile(s.runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}
	s.journalFile = jf
	s.runsFile = rf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.journalFile != nil {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("jobs compact on close failed", logx.Err(err))
		}
		err1 = s.journalFile.Close()
		s.journalFile = nil
	}
	if s.runsFile != nil {
		err2 = s.runsFile.Close()
		s.runsFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// ---- jobs ----

func (s *fileStore) LoadJobs(ctx context.Context) ([]job.Job, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return s.order[out[a].ID] < s.order[out[b].ID] })
	return out, nil
}

func (s *fileStore) SaveJob(ctx context.Context, j job.Job) error {
	_ = ctx
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("jobs journal closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(journalRecord{Op: "put", ID: j.ID, Job: &j}); err != nil {
		return err
	}
	s.putLocked(j)
	s.afterWriteLocked()
	return nil
}

func (s *fileStore) DeleteJob(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("jobs journal closed")
	}
	if _, ok := s.jobs[id]; !ok {
		return nil
	}
	if err := json.NewEncoder(s.journalFile).Encode(journalRecord{Op: "del", ID: id}); err != nil {
		return err
	}
	delete(s.jobs, id)
	delete(s.order, id)
	s.afterWriteLocked()
	return nil
}

func (s *fileStore) putLocked(j job.Job) {
	if _, ok := s.order[j.ID]; !ok {
		s.seq++
		s.order[j.ID] = s.seq
	}
	s.jobs[j.ID] = j
}

func (s *fileStore) afterWriteLocked() {
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("jobs compact failed", logx.Err(err))
		}
	}
}

func (s *fileStore) compactLocked() error {
	snap := make(map[string]snapshotEntry, len(s.jobs))
	for id, j := range s.jobs {
		snap[id] = snapshotEntry{Seq: s.order[id], Job: j}
	}
	if err := writeJSONAtomic(s.snapshotPath, snap); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err := s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]snapshotEntry
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for id, e := range m {
		s.jobs[id] = e.Job
		s.order[id] = e.Seq
		if e.Seq > s.seq {
			s.seq = e.Seq
		}
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			continue
		}
		switch r.Op {
		case "put":
			if r.Job != nil {
				s.putLocked(*r.Job)
			}
		case "del":
			delete(s.jobs, r.ID)
			delete(s.order, r.ID)
		}
	}
	return sc.Err()
}

// ---- runs ----

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return errors.New("runs file closed")
	}
	return json.NewEncoder(s.runsFile).Encode(r)
}

func (s *fileStore) RecentRuns(ctx context.Context, q RunQuery) ([]RunRecord, error) {
	var out []RunRecord
	err := s.scanRuns(ctx, func(r RunRecord) {
		if q.matches(r) {
			out = append(out, r)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].StartedAt.After(out[b].StartedAt) })
	if n := q.limit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *fileStore) RunStats(ctx context.Context, jobID string) (RunStats, error) {
	acc := statsAcc{st: RunStats{JobID: jobID}}
	err := s.scanRuns(ctx, func(r RunRecord) {
		if jobID == "" || r.JobID == jobID {
			acc.add(r)
		}
	})
	if err != nil {
		return RunStats{}, err
	}
	return acc.result(), nil
}

// PruneRuns rewrites the runs file without the old records.
func (s *fileStore) PruneRuns(ctx context.Context, olderThan time.Time) (int, error) {
	var keep []RunRecord
	removed := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return 0, errors.New("runs file closed")
	}
	err := s.scanRunsLocked(ctx, func(r RunRecord) {
		if r.StartedAt.Before(olderThan) {
			removed++
			return
		}
		keep = append(keep, r)
	})
	if err != nil || removed == 0 {
		return 0, err
	}

	tmp := s.runsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range keep {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return 0, err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}

	_ = s.runsFile.Close()
	s.runsFile = nil
	if err := os.Rename(tmp, s.runsPath); err != nil {
		return 0, err
	}
	rf, err := os.OpenFile(s.runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	s.runsFile = rf
	return removed, nil
}

func (s *fileStore) scanRuns(ctx context.Context, fn func(RunRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanRunsLocked(ctx, fn)
}

func (s *fileStore) scanRunsLocked(ctx context.Context, fn func(RunRecord)) error {
	f, err := os.Open(s.runsPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	n := 0
	for sc.Scan() {
		n++
		if n%1024 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		fn(r)
	}
	return sc.Err()
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
