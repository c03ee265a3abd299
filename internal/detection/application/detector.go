package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	detection "wattboard-cloud/internal/detection/domain"
	masterdata "wattboard-cloud/internal/masterdata/domain"
	"wattboard-cloud/internal/observability/metrics"
	telemetry "wattboard-cloud/internal/telemetry/domain"
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// Config tunes the detection engine.
type Config struct {
	WindowMinutes       int     `yaml:"window_minutes"`
	ThresholdMultiplier float64 `yaml:"k"`
	MinDurationPoints   int     `yaml:"min_duration_points"`
	DebounceSeconds     int     `yaml:"debounce_seconds"`
	MinSamples          int     `yaml:"min_samples"`
}

// DefaultConfig returns the standard detection tuning.
func DefaultConfig() Config {
	return Config{
		WindowMinutes:       15,
		ThresholdMultiplier: 3.0,
		MinDurationPoints:   3,
		DebounceSeconds:     60,
		MinSamples:          10,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.WindowMinutes <= 0 {
		c.WindowMinutes = d.WindowMinutes
	}
	if c.ThresholdMultiplier <= 0 {
		c.ThresholdMultiplier = d.ThresholdMultiplier
	}
	if c.MinDurationPoints <= 0 {
		c.MinDurationPoints = d.MinDurationPoints
	}
	if c.DebounceSeconds <= 0 {
		c.DebounceSeconds = d.DebounceSeconds
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	return c
}

// Detector finds anomalous excursions in per-device sample series using
// robust rolling statistics and persists them with merge-by-overlap
// semantics, so re-running over an overlapping range never duplicates
// events.
type Detector struct {
	devices masterdata.DeviceRepository
	samples telemetry.SampleQuery
	events  detection.EventRepository
	clock   Clock
	logger  *log.Logger
	cfg     Config
}

// Option customizes the detector.
type Option func(*Detector)

// WithClock assigns a clock.
func WithClock(clock Clock) Option {
	return func(d *Detector) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// WithConfig overrides the detection tuning.
func WithConfig(cfg Config) Option {
	return func(d *Detector) {
		d.cfg = cfg.normalized()
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *log.Logger) Option {
	return func(d *Detector) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDetector constructs a detection engine.
func NewDetector(devices masterdata.DeviceRepository, samples telemetry.SampleQuery, events detection.EventRepository, opts ...Option) (*Detector, error) {
	if devices == nil {
		return nil, errors.New("detector: nil device repository")
	}
	if samples == nil {
		return nil, errors.New("detector: nil sample query")
	}
	if events == nil {
		return nil, errors.New("detector: nil event repository")
	}
	d := &Detector{
		devices: devices,
		samples: samples,
		events:  events,
		clock:   systemClock{},
		logger:  log.Default(),
		cfg:     DefaultConfig(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Detect scans all eligible devices of the site over [from, to] and returns
// the number of events created or merged. A device with too few samples is
// skipped; a storage failure aborts the site's pass so the next scheduled
// tick retries it.
func (d *Detector) Detect(ctx context.Context, siteID int64, from, to time.Time) (int, error) {
	if d == nil {
		return 0, errors.New("detector: nil detector")
	}
	start := d.clock.Now()
	count, err := d.detect(ctx, siteID, from, to)
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.ObserveDetection(result, d.clock.Now().Sub(start))
	return count, err
}

func (d *Detector) detect(ctx context.Context, siteID int64, from, to time.Time) (int, error) {
	if siteID == 0 {
		return 0, errors.New("detector: empty site id")
	}
	if to.IsZero() {
		to = d.clock.Now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-24 * time.Hour)
	}
	if !to.After(from) {
		return 0, errors.New("detector: to must be after from")
	}

	devices, err := d.devices.ListBySite(ctx, siteID, true)
	if err != nil {
		return 0, fmt.Errorf("detector: list devices: %w", err)
	}

	total := 0
	for _, device := range devices {
		if !device.HasCapability(masterdata.CapabilityHistorical) && !device.HasCapability(masterdata.CapabilityRealtime) {
			continue
		}
		samples, err := d.samples.ListByDevice(ctx, device.ID, from, to)
		if err != nil {
			return total, fmt.Errorf("detector: load samples device=%d: %w", device.ID, err)
		}
		if len(samples) < d.cfg.MinSamples {
			continue
		}
		count, err := d.detectDevice(ctx, siteID, device.ID, samples)
		if err != nil {
			return total, err
		}
		total += count
	}
	return total, nil
}

func (d *Detector) detectDevice(ctx context.Context, siteID, deviceID int64, samples []telemetry.Sample) (int, error) {
	points := make([]detection.Point, len(samples))
	for i, s := range samples {
		points[i] = detection.Point{TS: s.TS, Value: s.Value}
	}
	stats := detection.RollingStats(points, time.Duration(d.cfg.WindowMinutes)*time.Minute)

	count := 0
	for _, run := range d.classifyRuns(stats) {
		if run.length() < d.cfg.MinDurationPoints {
			continue
		}
		event := buildEvent(siteID, deviceID, run, points, stats)
		outcome, err := d.persist(ctx, deviceID, event)
		if err != nil {
			return count, err
		}
		switch outcome {
		case metrics.OutcomeCreated, metrics.OutcomeMerged:
			metrics.IncDetectionEvent(event.Type, outcome)
			count++
		}
	}
	return count, nil
}

type anomalyRun struct {
	eventType string
	startIdx  int
	endIdx    int
}

func (r anomalyRun) length() int { return r.endIdx - r.startIdx + 1 }

// classifyRuns groups maximal consecutive stretches of same-type anomalous
// points. Points with an undefined z-score never classify.
func (d *Detector) classifyRuns(stats []detection.Stat) []anomalyRun {
	var runs []anomalyRun
	current := anomalyRun{startIdx: -1}
	flush := func() {
		if current.startIdx >= 0 {
			runs = append(runs, current)
		}
		current = anomalyRun{startIdx: -1}
	}
	for i, s := range stats {
		eventType := ""
		switch {
		case math.IsNaN(s.Z):
		case s.Z > d.cfg.ThresholdMultiplier:
			eventType = detection.TypeSpike
		case s.Z < -d.cfg.ThresholdMultiplier:
			eventType = detection.TypeSag
		}
		if eventType == "" {
			flush()
			continue
		}
		if current.startIdx >= 0 && current.eventType == eventType {
			current.endIdx = i
			continue
		}
		flush()
		current = anomalyRun{eventType: eventType, startIdx: i, endIdx: i}
	}
	flush()
	return runs
}

func buildEvent(siteID, deviceID int64, run anomalyRun, points []detection.Point, stats []detection.Stat) detection.Event {
	peak := points[run.startIdx].Value
	zmax := 0.0
	for i := run.startIdx; i <= run.endIdx; i++ {
		v := points[i].Value
		if run.eventType == detection.TypeSpike && v > peak {
			peak = v
		}
		if run.eventType == detection.TypeSag && v < peak {
			peak = v
		}
		if z := math.Abs(stats[i].Z); z > zmax {
			zmax = z
		}
	}
	severity := int(math.Round(zmax))
	if severity < detection.SeverityMin {
		severity = detection.SeverityMin
	}
	if severity > detection.SeverityMax {
		severity = detection.SeverityMax
	}
	return detection.Event{
		SiteID:    siteID,
		StartTS:   points[run.startIdx].TS.UTC(),
		EndTS:     points[run.endIdx].TS.UTC(),
		Type:      run.eventType,
		Severity:  severity,
		DeviceIDs: []int64{deviceID},
		Meta: detection.EventMeta{
			PeakValue:     peak,
			ZMax:          zmax,
			BaselineMu:    stats[run.startIdx].Median,
			BaselineSigma: stats[run.startIdx].Sigma,
		},
	}
}

// persist merges the run into a nearby stored event when one exists within
// the debounce distance, suppresses exact duplicates, and otherwise inserts
// a new event.
func (d *Detector) persist(ctx context.Context, deviceID int64, event detection.Event) (string, error) {
	debounce := time.Duration(d.cfg.DebounceSeconds) * time.Second
	existing, err := d.events.FindOverlapping(ctx, event.SiteID, deviceID, event.Type,
		event.StartTS.Add(-debounce), event.EndTS.Add(debounce))
	if err != nil {
		return "", fmt.Errorf("detector: find overlapping: %w", err)
	}
	if existing != nil {
		startTS := event.StartTS
		if existing.StartTS.Before(startTS) {
			startTS = existing.StartTS
		}
		endTS := event.EndTS
		if existing.EndTS.After(endTS) {
			endTS = existing.EndTS
		}
		if err := d.events.ExtendWindow(ctx, existing.ID, startTS, endTS); err != nil {
			return "", fmt.Errorf("detector: extend event %d: %w", existing.ID, err)
		}
		return metrics.OutcomeMerged, nil
	}

	duplicate, err := d.events.Exists(ctx, event.SiteID, event.StartTS, event.DeviceIDs)
	if err != nil {
		return "", fmt.Errorf("detector: duplicate check: %w", err)
	}
	if duplicate {
		return "", nil
	}

	if err := event.Validate(); err != nil {
		return "", err
	}
	if err := d.events.Create(ctx, &event); err != nil {
		return "", fmt.Errorf("detector: create event: %w", err)
	}
	d.logger.Printf("detection: event %s site=%d devices=%v severity=%d window=[%s, %s]",
		event.Type, event.SiteID, event.DeviceIDs, event.Severity,
		event.StartTS.Format(time.RFC3339), event.EndTS.Format(time.RFC3339))
	return metrics.OutcomeCreated, nil
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
