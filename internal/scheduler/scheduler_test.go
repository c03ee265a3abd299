package scheduler

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	alertapp "wattboard-cloud/internal/alerts/application"
	alerts "wattboard-cloud/internal/alerts/domain"
	analyticsapp "wattboard-cloud/internal/analytics/application"
	analytics "wattboard-cloud/internal/analytics/domain"
	detectionapp "wattboard-cloud/internal/detection/application"
	detection "wattboard-cloud/internal/detection/domain"
	masterdata "wattboard-cloud/internal/masterdata/domain"
	telemetry "wattboard-cloud/internal/telemetry/domain"
)

type stubSites struct {
	sites []masterdata.Site
	err   error
}

func (s stubSites) List(_ context.Context) ([]masterdata.Site, error) { return s.sites, s.err }

func (s stubSites) Get(_ context.Context, id int64) (*masterdata.Site, error) {
	for _, site := range s.sites {
		if site.ID == id {
			return &site, nil
		}
	}
	return nil, nil
}

type stubDevices struct {
	bySite map[int64][]masterdata.Device
}

func (s stubDevices) ListBySite(_ context.Context, siteID int64, _ bool) ([]masterdata.Device, error) {
	return s.bySite[siteID], nil
}

func (s stubDevices) Get(_ context.Context, _ int64) (*masterdata.Device, error) { return nil, nil }

type recordingSamples struct {
	windows [][2]time.Time
}

func (r *recordingSamples) ListByDevice(_ context.Context, _ int64, from, to time.Time) ([]telemetry.Sample, error) {
	r.windows = append(r.windows, [2]time.Time{from, to})
	return nil, nil
}

func (r *recordingSamples) ListByDevicesKey(_ context.Context, _ []int64, _ string, _, _ time.Time) ([]telemetry.Sample, error) {
	return nil, nil
}

func (r *recordingSamples) LatestByDevice(_ context.Context, _ int64, _ time.Time) (*telemetry.Sample, error) {
	return nil, nil
}

type noopEvents struct{}

func (noopEvents) FindOverlapping(_ context.Context, _, _ int64, _ string, _, _ time.Time) (*detection.Event, error) {
	return nil, nil
}
func (noopEvents) ExtendWindow(_ context.Context, _ int64, _, _ time.Time) error { return nil }
func (noopEvents) Exists(_ context.Context, _ int64, _ time.Time, _ []int64) (bool, error) {
	return false, nil
}
func (noopEvents) Create(_ context.Context, _ *detection.Event) error { return nil }
func (noopEvents) ListBySite(_ context.Context, _ int64, _, _ time.Time) ([]detection.Event, error) {
	return nil, nil
}

type countingRules struct {
	calls []int64
	fail  map[int64]error
}

func (c *countingRules) ListEnabledBySite(_ context.Context, siteID int64) ([]alerts.AlertRule, error) {
	c.calls = append(c.calls, siteID)
	if err := c.fail[siteID]; err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *countingRules) Get(_ context.Context, _ int64) (*alerts.AlertRule, error) { return nil, nil }
func (c *countingRules) Create(_ context.Context, _ *alerts.AlertRule) error       { return nil }
func (c *countingRules) UpdateLastFired(_ context.Context, _ int64, _ time.Time) error {
	return nil
}
func (c *countingRules) UpdateSnooze(_ context.Context, _ int64, _ time.Time) error { return nil }

type noopAlertEvents struct{}

func (noopAlertEvents) Append(_ context.Context, _ *alerts.AlertEvent) error { return nil }
func (noopAlertEvents) ListByAlert(_ context.Context, _ int64, _, _ time.Time) ([]alerts.AlertEvent, error) {
	return nil, nil
}

type noopSummaries struct{}

func (noopSummaries) Upsert(_ context.Context, _ []analytics.DailySummary) error { return nil }
func (noopSummaries) ListByDevices(_ context.Context, _ []int64, _, _ time.Time) ([]analytics.DailySummary, error) {
	return nil, nil
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newTestScheduler(t *testing.T, sites masterdata.SiteRepository, samples *recordingSamples, rules alerts.RuleRepository, devices masterdata.DeviceRepository, clock func() time.Time) *Scheduler {
	t.Helper()
	detector, err := detectionapp.NewDetector(devices, samples, noopEvents{})
	if err != nil {
		t.Fatalf("new detector: %v", err)
	}
	evaluator, err := alertapp.NewEvaluator(rules, samples, devices, noopAlertEvents{})
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}
	rollup, err := analyticsapp.NewRollup(devices, samples, noopSummaries{})
	if err != nil {
		t.Fatalf("new rollup: %v", err)
	}
	sched, err := NewScheduler(sites, detector, evaluator, rollup,
		WithClock(clock), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return sched
}

func TestRunDetectionUsesTrailingLookback(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	samples := &recordingSamples{}
	devices := stubDevices{bySite: map[int64][]masterdata.Device{
		1: {{ID: 10, SiteID: 1, Name: "Main", IsActive: true, Capabilities: []string{masterdata.CapabilityHistorical}}},
	}}
	sched := newTestScheduler(t, stubSites{sites: []masterdata.Site{{ID: 1}}}, samples, &countingRules{}, devices, func() time.Time { return now })

	sched.RunDetection(context.Background())

	if len(samples.windows) != 1 {
		t.Fatalf("expected one sample query, got %d", len(samples.windows))
	}
	window := samples.windows[0]
	if !window[1].Equal(now) {
		t.Fatalf("expected window end %v, got %v", now, window[1])
	}
	if got := window[1].Sub(window[0]); got != time.Hour {
		t.Fatalf("expected one hour lookback, got %v", got)
	}
}

func TestRunEvaluationContinuesPastFailingSite(t *testing.T) {
	rules := &countingRules{fail: map[int64]error{1: errors.New("boom")}}
	sites := stubSites{sites: []masterdata.Site{{ID: 1}, {ID: 2}}}
	sched := newTestScheduler(t, sites, &recordingSamples{}, rules, stubDevices{}, time.Now)

	sched.RunEvaluation(context.Background())

	if len(rules.calls) != 2 || rules.calls[1] != 2 {
		t.Fatalf("expected both sites evaluated, got calls %v", rules.calls)
	}
}

func TestRollupDueOncePerDay(t *testing.T) {
	sched := newTestScheduler(t, stubSites{}, &recordingSamples{}, &countingRules{}, stubDevices{}, time.Now)
	sched.cfg.RollupAt = "00:10"

	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if sched.rollupDue(day.Add(5 * time.Minute)) {
		t.Fatal("rollup must not be due before the configured time")
	}
	if !sched.rollupDue(day.Add(10 * time.Minute)) {
		t.Fatal("rollup due at the configured time")
	}
	if sched.rollupDue(day.Add(11 * time.Minute)) {
		t.Fatal("rollup must run at most once per day")
	}
	if !sched.rollupDue(day.Add(24*time.Hour + 10*time.Minute)) {
		t.Fatal("rollup due again the next day")
	}
}

func TestStartStopsOnContextCancel(t *testing.T) {
	sched := newTestScheduler(t, stubSites{}, &recordingSamples{}, &countingRules{}, stubDevices{}, time.Now)
	sched.cfg.EvaluationInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}
