package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

const defaultThreshold = 90.0

// probe collects usage percentages. Swapped in tests.
type probe struct {
	cpu    func(ctx context.Context) (float64, error)
	memory func(ctx context.Context) (float64, error)
	disk   func(ctx context.Context, path string) (float64, error)
}

var systemProbe = probe{
	cpu: func(ctx context.Context) (float64, error) {
		pcts, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
		if err != nil {
			return 0, err
		}
		if len(pcts) == 0 {
			return 0, fmt.Errorf("no cpu samples")
		}
		return pcts[0], nil
	},
	memory: func(ctx context.Context) (float64, error) {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return 0, err
		}
		return vm.UsedPercent, nil
	},
	disk: func(ctx context.Context, path string) (float64, error) {
		u, err := disk.UsageWithContext(ctx, path)
		if err != nil {
			return 0, err
		}
		return u.UsedPercent, nil
	},
}

// monitorTask checks CPU, memory and disk usage against thresholds (percent).
// Any exceeded threshold makes the run fail with the list of alerts.
type monitorTask struct {
	probe probe

	checkCPU, checkMemory, checkDisk bool
	cpuMax, memoryMax, diskMax       float64
	paths                            []string
}

func newMonitorTask(params map[string]any) (Task, error) {
	return buildMonitorTask(params, systemProbe)
}

func buildMonitorTask(params map[string]any, p probe) (*monitorTask, error) {
	t := &monitorTask{
		probe:       p,
		checkCPU:    paramBool(params, "check_cpu", true),
		checkMemory: paramBool(params, "check_memory", true),
		checkDisk:   paramBool(params, "check_disk", true),
		paths:       paramStrings(params, "paths", []string{"/"}),
	}
	var err error
	if t.cpuMax, err = threshold(params, "cpu_threshold"); err != nil {
		return nil, err
	}
	if t.memoryMax, err = threshold(params, "memory_threshold"); err != nil {
		return nil, err
	}
	if t.diskMax, err = threshold(params, "disk_threshold"); err != nil {
		return nil, err
	}
	return t, nil
}

func threshold(params map[string]any, key string) (float64, error) {
	v, err := paramFloat(params, key, defaultThreshold)
	if err != nil {
		return 0, err
	}
	if v <= 0 || v > 100 {
		return 0, fmt.Errorf("param %q: must be in (0, 100], got %v", key, v)
	}
	return v, nil
}

func (t *monitorTask) Run(ctx context.Context) (Result, error) {
	var (
		alerts  []string
		summary []string
	)

	if t.checkCPU {
		pct, err := t.probe.cpu(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("collect cpu: %w", err)
		}
		summary = append(summary, fmt.Sprintf("cpu=%.1f%%", pct))
		if pct > t.cpuMax {
			alerts = append(alerts, fmt.Sprintf("cpu %.1f%% > %.0f%%", pct, t.cpuMax))
		}
	}
	if t.checkMemory {
		pct, err := t.probe.memory(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("collect memory: %w", err)
		}
		summary = append(summary, fmt.Sprintf("memory=%.1f%%", pct))
		if pct > t.memoryMax {
			alerts = append(alerts, fmt.Sprintf("memory %.1f%% > %.0f%%", pct, t.memoryMax))
		}
	}
	if t.checkDisk {
		for _, path := range t.paths {
			pct, err := t.probe.disk(ctx, path)
			if err != nil {
				return Result{}, fmt.Errorf("collect disk %s: %w", path, err)
			}
			summary = append(summary, fmt.Sprintf("disk(%s)=%.1f%%", path, pct))
			if pct > t.diskMax {
				alerts = append(alerts, fmt.Sprintf("disk %s %.1f%% > %.0f%%", path, pct, t.diskMax))
			}
		}
	}

	if len(alerts) > 0 {
		return Result{Success: false, Message: strings.Join(alerts, "; ")}, nil
	}
	return Result{Success: true, Message: strings.Join(summary, " ")}, nil
}
