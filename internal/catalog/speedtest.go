package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
)

type speedResult struct {
	DownloadMbps float64
	UploadMbps   float64
	Ping         time.Duration
	Server       string
}

type speedConfig struct {
	candidates     int
	maxConnections int
	savingMode     bool
}

// measureSpeed runs one speedtest. Replaced in tests.
var measureSpeed = runSpeedtest

// speedtestTask measures bandwidth and fails when it falls below the configured
// minimums (Mbps; zero disables a check) or latency exceeds max_ping.
type speedtestTask struct {
	cfg            speedConfig
	minDown, minUp float64
	maxPing        time.Duration
}

func newSpeedtestTask(params map[string]any) (Task, error) {
	t := &speedtestTask{cfg: speedConfig{
		savingMode: paramBool(params, "saving_mode", false),
	}}
	var err error
	if t.minDown, err = paramFloat(params, "min_download_mbps", 0); err != nil {
		return nil, err
	}
	if t.minUp, err = paramFloat(params, "min_upload_mbps", 0); err != nil {
		return nil, err
	}
	if t.maxPing, err = paramDuration(params, "max_ping", 0); err != nil {
		return nil, err
	}
	n, err := paramFloat(params, "servers", 3)
	if err != nil {
		return nil, err
	}
	conns, err := paramFloat(params, "connections", 4)
	if err != nil {
		return nil, err
	}
	if n < 1 || conns < 1 {
		return nil, errors.New("speedtest: servers and connections must be >= 1")
	}
	if t.minDown < 0 || t.minUp < 0 || t.maxPing < 0 {
		return nil, errors.New("speedtest: limits must be >= 0")
	}
	t.cfg.candidates = int(n)
	t.cfg.maxConnections = int(conns)
	return t, nil
}

func (t *speedtestTask) Run(ctx context.Context) (Result, error) {
	r, err := measureSpeed(ctx, t.cfg)
	if err != nil {
		return Result{}, fmt.Errorf("speedtest: %w", err)
	}
	summary := fmt.Sprintf("down %.1f Mbps, up %.1f Mbps, ping %s (%s)",
		r.DownloadMbps, r.UploadMbps, r.Ping.Round(time.Millisecond), r.Server)

	var alerts []string
	if t.minDown > 0 && r.DownloadMbps < t.minDown {
		alerts = append(alerts, fmt.Sprintf("download %.1f < %g Mbps", r.DownloadMbps, t.minDown))
	}
	if t.minUp > 0 && r.UploadMbps < t.minUp {
		alerts = append(alerts, fmt.Sprintf("upload %.1f < %g Mbps", r.UploadMbps, t.minUp))
	}
	if t.maxPing > 0 && r.Ping > t.maxPing {
		alerts = append(alerts, fmt.Sprintf("ping %s > %s", r.Ping.Round(time.Millisecond), t.maxPing))
	}
	if len(alerts) > 0 {
		return Result{Success: false, Message: strings.Join(alerts, "; ") + ": " + summary}, nil
	}
	return Result{Success: true, Message: summary}, nil
}

// runSpeedtest picks the lowest-latency server among the nearest candidates and
// runs a download and upload test against it.
func runSpeedtest(ctx context.Context, cfg speedConfig) (speedResult, error) {
	client := st.New(st.WithUserConfig(&st.UserConfig{
		SavingMode:     cfg.savingMode,
		MaxConnections: cfg.maxConnections,
	}))
	client.SetNThread(cfg.maxConnections)
	defer client.Reset()

	servers, err := client.FetchServerListContext(ctx)
	if err != nil {
		return speedResult{}, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return speedResult{}, errors.New("no servers available")
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	candidates := servers[:min(cfg.candidates, len(servers))]

	var best *st.Server
	for _, s := range candidates {
		if err := s.PingTestContext(ctx, nil); err != nil || s.Latency <= 0 {
			continue
		}
		if best == nil || s.Latency < best.Latency {
			best = s
		}
	}
	if ctx.Err() != nil {
		return speedResult{}, ctx.Err()
	}
	if best == nil {
		return speedResult{}, errors.New("all latency tests failed")
	}

	if err := best.DownloadTestContext(ctx); err != nil {
		return speedResult{}, fmt.Errorf("download: %w", err)
	}
	if err := best.UploadTestContext(ctx); err != nil {
		return speedResult{}, fmt.Errorf("upload: %w", err)
	}
	return speedResult{
		DownloadMbps: best.DLSpeed.Mbps(),
		UploadMbps:   best.ULSpeed.Mbps(),
		Ping:         best.Latency,
		Server:       strings.TrimSpace(best.Sponsor + " " + best.Country),
	}, nil
}
