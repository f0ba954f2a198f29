package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// unitManager is the slice of systemd the unit check needs.
type unitManager interface {
	ActiveState(ctx context.Context, unit string) (string, error)
	Restart(ctx context.Context, unit string) error
	Close()
}

// dialUnits connects to the system manager. Replaced in tests.
var dialUnits = dialSystemd

// unitCheckTask verifies that systemd units are active and optionally restarts
// the ones that are not.
type unitCheckTask struct {
	units   []string
	restart bool
}

func newUnitCheckTask(params map[string]any) (Task, error) {
	units := paramStrings(params, "units", nil)
	if len(units) == 0 {
		return nil, errors.New("systemd: params.units is required")
	}
	for i, u := range units {
		units[i] = unitName(u)
	}
	return &unitCheckTask{units: units, restart: paramBool(params, "restart", false)}, nil
}

// unitName appends ".service" when the name has no unit suffix.
func unitName(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, ".") {
		return s
	}
	return s + ".service"
}

func (t *unitCheckTask) Run(ctx context.Context) (Result, error) {
	m, err := dialUnits(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("systemd: %w", err)
	}
	defer m.Close()

	var (
		down  []string
		fixed []string
	)
	for _, u := range t.units {
		state, err := m.ActiveState(ctx, u)
		if err != nil {
			down = append(down, fmt.Sprintf("%s: %v", u, err))
			continue
		}
		if state == "active" {
			continue
		}
		if !t.restart {
			down = append(down, u+": "+state)
			continue
		}
		if err := m.Restart(ctx, u); err != nil {
			down = append(down, fmt.Sprintf("%s: %s (restart failed: %v)", u, state, err))
			continue
		}
		fixed = append(fixed, u)
	}

	switch {
	case len(down) > 0:
		return Result{Success: false, Message: strings.Join(down, "; ")}, nil
	case len(fixed) > 0:
		return Result{Success: true, Message: "restarted " + strings.Join(fixed, ", ")}, nil
	default:
		return Result{Success: true, Message: fmt.Sprintf("%d unit(s) active", len(t.units))}, nil
	}
}
