package application

import (
	"context"
	"testing"
	"time"

	detection "wattboard-cloud/internal/detection/domain"
	masterdata "wattboard-cloud/internal/masterdata/domain"
	telemetry "wattboard-cloud/internal/telemetry/domain"
)

type stubDeviceRepo struct {
	devices []masterdata.Device
}

func (s stubDeviceRepo) ListBySite(_ context.Context, _ int64, _ bool) ([]masterdata.Device, error) {
	return s.devices, nil
}

func (s stubDeviceRepo) Get(_ context.Context, id int64) (*masterdata.Device, error) {
	for _, d := range s.devices {
		if d.ID == id {
			device := d
			return &device, nil
		}
	}
	return nil, nil
}

type stubSampleQuery struct {
	samples map[int64][]telemetry.Sample
}

func (s stubSampleQuery) ListByDevice(_ context.Context, deviceID int64, from, to time.Time) ([]telemetry.Sample, error) {
	var result []telemetry.Sample
	for _, sample := range s.samples[deviceID] {
		if !sample.TS.Before(from) && !sample.TS.After(to) {
			result = append(result, sample)
		}
	}
	return result, nil
}

func (s stubSampleQuery) ListByDevicesKey(_ context.Context, _ []int64, _ string, _, _ time.Time) ([]telemetry.Sample, error) {
	return nil, nil
}

func (s stubSampleQuery) LatestByDevice(_ context.Context, _ int64, _ time.Time) (*telemetry.Sample, error) {
	return nil, nil
}

type memEventRepo struct {
	nextID int64
	events []detection.Event
}

func (m *memEventRepo) FindOverlapping(_ context.Context, siteID, deviceID int64, eventType string, from, to time.Time) (*detection.Event, error) {
	for _, e := range m.events {
		if e.SiteID != siteID || e.Type != eventType {
			continue
		}
		if !containsDevice(e.DeviceIDs, deviceID) {
			continue
		}
		if !e.EndTS.Before(from) && !e.StartTS.After(to) {
			event := e
			return &event, nil
		}
	}
	return nil, nil
}

func (m *memEventRepo) ExtendWindow(_ context.Context, eventID int64, startTS, endTS time.Time) error {
	for i := range m.events {
		if m.events[i].ID == eventID {
			m.events[i].StartTS = startTS
			m.events[i].EndTS = endTS
		}
	}
	return nil
}

func (m *memEventRepo) Exists(_ context.Context, siteID int64, startTS time.Time, deviceIDs []int64) (bool, error) {
	for _, e := range m.events {
		if e.SiteID == siteID && e.StartTS.Equal(startTS) && sameDevices(e.DeviceIDs, deviceIDs) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memEventRepo) Create(_ context.Context, event *detection.Event) error {
	m.nextID++
	event.ID = m.nextID
	m.events = append(m.events, *event)
	return nil
}

func (m *memEventRepo) ListBySite(_ context.Context, siteID int64, _, _ time.Time) ([]detection.Event, error) {
	var result []detection.Event
	for _, e := range m.events {
		if e.SiteID == siteID {
			result = append(result, e)
		}
	}
	return result, nil
}

func containsDevice(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func sameDevices(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

func jitterSeries(start time.Time, count int) []telemetry.Sample {
	samples := make([]telemetry.Sample, count)
	for i := 0; i < count; i++ {
		samples[i] = telemetry.Sample{
			DeviceID: 1,
			Key:      "power",
			TS:       start.Add(time.Duration(i) * time.Minute),
			Value:    100 + float64(i%5),
		}
	}
	return samples
}

func newTestDetector(t *testing.T, samples []telemetry.Sample, events *memEventRepo) *Detector {
	t.Helper()
	devices := stubDeviceRepo{devices: []masterdata.Device{{
		ID:           1,
		SiteID:       1,
		Name:         "Main Panel",
		Type:         "power",
		Unit:         "W",
		Capabilities: []string{masterdata.CapabilityRealtime, masterdata.CapabilityHistorical},
		IsActive:     true,
	}}}
	queries := stubSampleQuery{samples: map[int64][]telemetry.Sample{1: samples}}
	detector, err := NewDetector(devices, queries, events,
		WithClock(fixedClock{now: time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)}))
	if err != nil {
		t.Fatalf("new detector: %v", err)
	}
	return detector
}

func TestDetectFindsSingleSpikeEvent(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	samples := jitterSeries(start, 40)
	for i := 20; i <= 22; i++ {
		samples[i].Value = 500
	}
	events := &memEventRepo{}
	detector := newTestDetector(t, samples, events)

	count, err := detector.Detect(context.Background(), 1, start, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 event, got %d", count)
	}
	if len(events.events) != 1 {
		t.Fatalf("expected 1 stored event, got %d", len(events.events))
	}
	event := events.events[0]
	if event.Type != detection.TypeSpike {
		t.Fatalf("expected spike, got %s", event.Type)
	}
	if !event.StartTS.Equal(start.Add(20 * time.Minute)) {
		t.Fatalf("unexpected start: %s", event.StartTS)
	}
	if !event.EndTS.Equal(start.Add(22 * time.Minute)) {
		t.Fatalf("unexpected end: %s", event.EndTS)
	}
	if event.Severity != detection.SeverityMax {
		t.Fatalf("expected severity %d for extreme spike, got %d", detection.SeverityMax, event.Severity)
	}
	if event.Meta.PeakValue != 500 {
		t.Fatalf("expected peak 500, got %f", event.Meta.PeakValue)
	}
	if event.Meta.ZMax <= 3 {
		t.Fatalf("expected zmax above 3, got %f", event.Meta.ZMax)
	}
}

func TestDetectFindsSagEvent(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	samples := jitterSeries(start, 40)
	for i := 10; i <= 13; i++ {
		samples[i].Value = 2
	}
	events := &memEventRepo{}
	detector := newTestDetector(t, samples, events)

	count, err := detector.Detect(context.Background(), 1, start, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if count != 1 || len(events.events) != 1 {
		t.Fatalf("expected 1 sag event, got count=%d stored=%d", count, len(events.events))
	}
	event := events.events[0]
	if event.Type != detection.TypeSag {
		t.Fatalf("expected sag, got %s", event.Type)
	}
	if event.Meta.PeakValue != 2 {
		t.Fatalf("expected sag peak (minimum) 2, got %f", event.Meta.PeakValue)
	}
}

func TestDetectRescanMergesInsteadOfDuplicating(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	samples := jitterSeries(start, 40)
	for i := 20; i <= 22; i++ {
		samples[i].Value = 500
	}
	events := &memEventRepo{}
	detector := newTestDetector(t, samples, events)

	if _, err := detector.Detect(context.Background(), 1, start, start.Add(time.Hour)); err != nil {
		t.Fatalf("first detect: %v", err)
	}
	firstEnd := events.events[0].EndTS

	// Overlapping re-scan over the same window.
	count, err := detector.Detect(context.Background(), 1, start.Add(10*time.Minute), start.Add(time.Hour))
	if err != nil {
		t.Fatalf("second detect: %v", err)
	}
	if len(events.events) != 1 {
		t.Fatalf("re-scan duplicated the event: %d stored", len(events.events))
	}
	if count != 1 {
		t.Fatalf("expected merge to count, got %d", count)
	}
	if events.events[0].EndTS.Before(firstEnd) {
		t.Fatalf("merge shrank the event window: %s < %s", events.events[0].EndTS, firstEnd)
	}
}

func TestDetectRunShorterThanMinDurationIgnored(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	samples := jitterSeries(start, 40)
	samples[20].Value = 500
	samples[21].Value = 500
	events := &memEventRepo{}
	detector := newTestDetector(t, samples, events)

	count, err := detector.Detect(context.Background(), 1, start, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if count != 0 || len(events.events) != 0 {
		t.Fatalf("expected no events for 2-point run, got count=%d stored=%d", count, len(events.events))
	}
}

func TestDetectFlatSeriesProducesNothing(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	samples := make([]telemetry.Sample, 30)
	for i := range samples {
		samples[i] = telemetry.Sample{DeviceID: 1, Key: "power", TS: start.Add(time.Duration(i) * time.Minute), Value: 100}
	}
	events := &memEventRepo{}
	detector := newTestDetector(t, samples, events)

	count, err := detector.Detect(context.Background(), 1, start, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if count != 0 || len(events.events) != 0 {
		t.Fatalf("flat series should not classify, got count=%d stored=%d", count, len(events.events))
	}
}

func TestDetectTooFewSamplesIsNoOp(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	samples := jitterSeries(start, 8)
	events := &memEventRepo{}
	detector := newTestDetector(t, samples, events)

	count, err := detector.Detect(context.Background(), 1, start, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if count != 0 || len(events.events) != 0 {
		t.Fatalf("sub-minimum series should be skipped, got count=%d stored=%d", count, len(events.events))
	}
}
