package scheduler

import (
	"time"

	"golang.org/x/time/rate"

	logx "taskpilot/pkg/logx"
)

const nextRunWarnThrottle = 5 * time.Second

// warnNextRun logs a next-run computation failure, at most once per job per throttle
// window. Stalled jobs are recomputed on every enable/update, which can be bursty.
func (s *Scheduler) warnNextRun(id, name, msg string) {
	s.warnMu.Lock()
	lim := s.warnLimiters[id]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(nextRunWarnThrottle), 1)
		s.warnLimiters[id] = lim
	}
	s.warnMu.Unlock()

	if !lim.Allow() {
		s.log.Debug("next run still unavailable", logx.String("job_id", id), logx.String("job", name))
		return
	}
	s.log.Warn("cannot compute next run; job stalled until fixed", logx.String("job_id", id), logx.String("job", name), logx.String("error", msg))
}

func (s *Scheduler) forgetWarn(id string) {
	s.warnMu.Lock()
	delete(s.warnLimiters, id)
	s.warnMu.Unlock()
}
