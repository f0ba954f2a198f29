package scheduler

// Status reports the loop state and the earliest upcoming job.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:      s.running,
		Paused:       s.paused,
		TotalJobs:    len(s.jobs),
		TickInterval: s.tick,
	}
	var next *entry
	for _, e := range s.jobs {
		if !e.job.Enabled {
			continue
		}
		st.EnabledJobs++
		if e.job.NextRun == nil {
			continue
		}
		if next == nil || e.job.NextRun.Before(*next.job.NextRun) ||
			(e.job.NextRun.Equal(*next.job.NextRun) && e.seq < next.seq) {
			next = e
		}
	}
	if next != nil {
		t := *next.job.NextRun
		st.NextJobID = next.job.ID
		st.NextJobName = next.job.Name
		st.NextExecution = &t
	}
	return st
}

// Stats aggregates counters over every job in the table.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{TotalJobs: len(s.jobs)}
	for _, e := range s.jobs {
		st.TotalRuns += e.job.RunCount
		st.TotalSuccess += e.job.SuccessCount
		st.TotalErrors += e.job.ErrorCount
	}
	if st.TotalRuns > 0 {
		st.SuccessRate = float64(st.TotalSuccess) / float64(st.TotalRuns)
	}
	return st
}
