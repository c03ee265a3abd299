package application

import (
	"context"
	"math"
	"testing"
	"time"

	analytics "wattboard-cloud/internal/analytics/domain"
	masterdata "wattboard-cloud/internal/masterdata/domain"
	telemetry "wattboard-cloud/internal/telemetry/domain"
)

type stubDevices struct {
	devices []masterdata.Device
}

func (s stubDevices) ListBySite(_ context.Context, _ int64, _ bool) ([]masterdata.Device, error) {
	return s.devices, nil
}

func (s stubDevices) Get(_ context.Context, _ int64) (*masterdata.Device, error) {
	return nil, nil
}

type stubSamples struct {
	byDevice map[int64][]telemetry.Sample
}

func (s stubSamples) ListByDevice(_ context.Context, deviceID int64, from, to time.Time) ([]telemetry.Sample, error) {
	var result []telemetry.Sample
	for _, sample := range s.byDevice[deviceID] {
		if !sample.TS.Before(from) && !sample.TS.After(to) {
			result = append(result, sample)
		}
	}
	return result, nil
}

func (s stubSamples) ListByDevicesKey(_ context.Context, _ []int64, _ string, _, _ time.Time) ([]telemetry.Sample, error) {
	return nil, nil
}

func (s stubSamples) LatestByDevice(_ context.Context, _ int64, _ time.Time) (*telemetry.Sample, error) {
	return nil, nil
}

type memSummaries struct {
	stored []analytics.DailySummary
}

func (m *memSummaries) Upsert(_ context.Context, summaries []analytics.DailySummary) error {
	m.stored = append(m.stored, summaries...)
	return nil
}

func (m *memSummaries) ListByDevices(_ context.Context, _ []int64, _, _ time.Time) ([]analytics.DailySummary, error) {
	return m.stored, nil
}

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

func almostEqual(a, b, eps float64) bool {
	return math.Abs(a-b) <= eps
}

func TestRollupIntegratesConstantPower(t *testing.T) {
	// Clock at midnight so the window is exactly the previous day.
	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	dayStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// 2 kW held for the whole day, sampled every 10 minutes.
	var samples []telemetry.Sample
	for ts := dayStart; ts.Before(now); ts = ts.Add(10 * time.Minute) {
		samples = append(samples, telemetry.Sample{DeviceID: 1, Key: "power", TS: ts, Value: 2})
	}
	devices := stubDevices{devices: []masterdata.Device{{ID: 1, SiteID: 1, IsActive: true}}}
	store := &memSummaries{}
	rollup, err := NewRollup(devices, stubSamples{byDevice: map[int64][]telemetry.Sample{1: samples}}, store,
		WithClock(fixedClock{now: now}))
	if err != nil {
		t.Fatalf("new rollup: %v", err)
	}

	written, err := rollup.Run(context.Background(), 1)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if written != 1 {
		t.Fatalf("expected 1 summary, got %d", written)
	}
	summary := store.stored[0]
	if !almostEqual(summary.KWh, 48, 0.1) {
		t.Fatalf("expected ~48 kWh for constant 2 kW, got %f", summary.KWh)
	}
	if summary.PeakPower != 2 {
		t.Fatalf("expected peak 2 kW, got %f", summary.PeakPower)
	}
	if summary.MissingPct != 0 {
		t.Fatalf("expected no missing minutes, got %f", summary.MissingPct)
	}
	if !summary.Date.Equal(dayStart) {
		t.Fatalf("expected date %s, got %s", dayStart, summary.Date)
	}
}

func TestRollupPeakAndMinVoltage(t *testing.T) {
	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	dayStart := now.AddDate(0, 0, -1)
	samples := []telemetry.Sample{
		{DeviceID: 1, Key: "power", TS: dayStart.Add(1 * time.Hour), Value: 1.5},
		{DeviceID: 1, Key: "power", TS: dayStart.Add(12 * time.Hour), Value: 9.7},
		{DeviceID: 1, Key: "power", TS: dayStart.Add(20 * time.Hour), Value: 3.0},
		{DeviceID: 1, Key: "voltage", TS: dayStart.Add(2 * time.Hour), Value: 231},
		{DeviceID: 1, Key: "voltage", TS: dayStart.Add(14 * time.Hour), Value: 207},
	}
	devices := stubDevices{devices: []masterdata.Device{{ID: 1, SiteID: 1, IsActive: true}}}
	store := &memSummaries{}
	rollup, err := NewRollup(devices, stubSamples{byDevice: map[int64][]telemetry.Sample{1: samples}}, store,
		WithClock(fixedClock{now: now}))
	if err != nil {
		t.Fatalf("new rollup: %v", err)
	}

	if _, err := rollup.Run(context.Background(), 1); err != nil {
		t.Fatalf("run: %v", err)
	}
	summary := store.stored[0]
	if summary.PeakPower != 9.7 {
		t.Fatalf("expected peak 9.7, got %f", summary.PeakPower)
	}
	if !summary.PeakTS.Equal(dayStart.Add(12 * time.Hour)) {
		t.Fatalf("unexpected peak ts %s", summary.PeakTS)
	}
	if summary.MinVoltage != 207 {
		t.Fatalf("expected min voltage 207, got %f", summary.MinVoltage)
	}
	// First sample lands an hour in, so roughly 1/24 of the day has no
	// forward-fillable value.
	if !almostEqual(summary.MissingPct, 100.0/24, 0.5) {
		t.Fatalf("expected ~4.2%% missing, got %f", summary.MissingPct)
	}
}

func TestRollupSkipsSilentDevices(t *testing.T) {
	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	devices := stubDevices{devices: []masterdata.Device{
		{ID: 1, SiteID: 1, IsActive: true},
		{ID: 2, SiteID: 1, IsActive: true},
	}}
	samples := stubSamples{byDevice: map[int64][]telemetry.Sample{
		1: {{DeviceID: 1, Key: "power", TS: now.Add(-12 * time.Hour), Value: 1}},
	}}
	store := &memSummaries{}
	rollup, err := NewRollup(devices, samples, store, WithClock(fixedClock{now: now}))
	if err != nil {
		t.Fatalf("new rollup: %v", err)
	}

	written, err := rollup.Run(context.Background(), 1)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if written != 1 {
		t.Fatalf("expected only the reporting device summarized, got %d", written)
	}
	if store.stored[0].DeviceID != 1 {
		t.Fatalf("expected device 1, got %d", store.stored[0].DeviceID)
	}
}
