package app

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"taskpilot/internal/config"
	"taskpilot/internal/schedule"
	"taskpilot/internal/scheduler"
	logx "taskpilot/pkg/logx"
)

// syncJobs makes the scheduler's job set match the declared jobs: undeclared jobs
// are removed, new ones added and changed ones updated in place (keeping their ID
// and counters). Every problem is reported; valid jobs are applied regardless.
func syncJobs(ctx context.Context, s *scheduler.Scheduler, decl []config.JobConfig, log logx.Logger) error {
	want := make(map[string]config.JobConfig, len(decl))
	for _, jc := range decl {
		want[strings.TrimSpace(jc.Name)] = jc
	}

	for _, j := range s.ListJobs(false) {
		if _, ok := want[j.Name]; !ok {
			s.RemoveJob(j.ID)
		}
	}

	var errs []error
	for _, jc := range decl {
		if err := upsertJob(ctx, s, jc, log); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func upsertJob(ctx context.Context, s *scheduler.Scheduler, jc config.JobConfig, log logx.Logger) error {
	name := strings.TrimSpace(jc.Name)
	cur, ok := s.GetJobByName(name)
	if !ok {
		_, err := s.AddJob(ctx, scheduler.JobSpec{
			Name:        name,
			Task:        jc.Task,
			Kind:        schedule.Kind(jc.ScheduleType),
			Expression:  jc.Schedule,
			Params:      jc.Params,
			Tags:        jc.Tags,
			Description: jc.Description,
			Disabled:    !jc.IsEnabled(),
		})
		return err
	}

	kind, expr, err := s.Canonical(schedule.Kind(jc.ScheduleType), jc.Schedule)
	if err != nil {
		return fmt.Errorf("job %q: %w", name, err)
	}
	task := strings.ToLower(strings.TrimSpace(jc.Task))
	params := jc.Params
	if params == nil {
		params = map[string]any{}
	}
	tags := jc.Tags
	if tags == nil {
		tags = []string{}
	}

	changed := cur.TaskName != task || cur.Kind != kind || cur.Expression != expr ||
		cur.Description != jc.Description ||
		!maps.EqualFunc(cur.Params, params, paramEqual) || !slices.Equal(cur.Tags, tags)
	if changed {
		upd := scheduler.JobUpdate{
			Task:        &task,
			Kind:        &kind,
			Expression:  &expr,
			Params:      params,
			Tags:        tags,
			Description: &jc.Description,
		}
		updated, err := s.UpdateJob(cur.ID, upd)
		if err != nil {
			return err
		}
		cur = updated
		log.Debug("job definition changed", logx.String("job", name))
	}

	switch {
	case jc.IsEnabled() && !cur.Enabled && !spentOnce(cur.Kind, cur.RunCount):
		s.EnableJob(cur.ID)
	case !jc.IsEnabled() && cur.Enabled:
		s.DisableJob(cur.ID)
	}
	return nil
}

// spentOnce reports a ONCE job that already ran; enabling it again would be a no-op.
func spentOnce(kind schedule.Kind, runs int64) bool {
	return kind == schedule.KindOnce && runs >= 1
}

// paramEqual compares decoded param values; JSON numbers may come back as float64
// after a storage round trip.
func paramEqual(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
