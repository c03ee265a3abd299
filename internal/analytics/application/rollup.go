package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	analytics "wattboard-cloud/internal/analytics/domain"
	masterdata "wattboard-cloud/internal/masterdata/domain"
	"wattboard-cloud/internal/observability/metrics"
	telemetry "wattboard-cloud/internal/telemetry/domain"
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// Config tunes the rollup.
type Config struct {
	PowerKey   string `yaml:"power_key"`
	VoltageKey string `yaml:"voltage_key"`
}

// DefaultConfig returns the standard rollup tuning.
func DefaultConfig() Config {
	return Config{PowerKey: "power", VoltageKey: "voltage"}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.PowerKey == "" {
		c.PowerKey = d.PowerKey
	}
	if c.VoltageKey == "" {
		c.VoltageKey = d.VoltageKey
	}
	return c
}

// Rollup aggregates raw samples into per-device daily summaries. Energy is
// integrated over a one-minute forward-filled resample of the power series;
// peak and minimum are taken from the raw samples.
type Rollup struct {
	devices   masterdata.DeviceRepository
	samples   telemetry.SampleQuery
	summaries analytics.SummaryRepository
	clock     Clock
	logger    *log.Logger
	cfg       Config
}

// Option customizes the rollup.
type Option func(*Rollup)

// WithClock assigns a clock.
func WithClock(clock Clock) Option {
	return func(r *Rollup) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithConfig overrides the rollup tuning.
func WithConfig(cfg Config) Option {
	return func(r *Rollup) {
		r.cfg = cfg.normalized()
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Rollup) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRollup constructs a rollup service.
func NewRollup(devices masterdata.DeviceRepository, samples telemetry.SampleQuery, summaries analytics.SummaryRepository, opts ...Option) (*Rollup, error) {
	if devices == nil {
		return nil, errors.New("rollup: nil device repository")
	}
	if samples == nil {
		return nil, errors.New("rollup: nil sample query")
	}
	if summaries == nil {
		return nil, errors.New("rollup: nil summary repository")
	}
	r := &Rollup{
		devices:   devices,
		samples:   samples,
		summaries: summaries,
		clock:     systemClock{},
		logger:    log.Default(),
		cfg:       DefaultConfig(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run rolls up the previous calendar day for every active device of the
// site. Devices with no samples in the window are skipped. Returns the
// number of summaries written.
func (r *Rollup) Run(ctx context.Context, siteID int64) (int, error) {
	if r == nil {
		return 0, errors.New("rollup: nil rollup")
	}
	if siteID == 0 {
		return 0, errors.New("rollup: empty site id")
	}
	now := r.clock.Now().UTC()
	day := now.AddDate(0, 0, -1)
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)

	written, err := r.rollupWindow(ctx, siteID, start, now)
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.IncRollup(result)
	return written, err
}

func (r *Rollup) rollupWindow(ctx context.Context, siteID int64, start, end time.Time) (int, error) {
	devices, err := r.devices.ListBySite(ctx, siteID, true)
	if err != nil {
		return 0, fmt.Errorf("rollup: list devices site=%d: %w", siteID, err)
	}

	var summaries []analytics.DailySummary
	for _, device := range devices {
		samples, err := r.samples.ListByDevice(ctx, device.ID, start, end)
		if err != nil {
			return 0, fmt.Errorf("rollup: load samples device=%d: %w", device.ID, err)
		}
		if len(samples) == 0 {
			continue
		}
		summary := r.summarize(device.ID, start, end, samples)
		if err := summary.Validate(); err != nil {
			r.logger.Printf("analytics: skipping summary device=%d: %v", device.ID, err)
			continue
		}
		summaries = append(summaries, summary)
	}
	if len(summaries) == 0 {
		return 0, nil
	}
	if err := r.summaries.Upsert(ctx, summaries); err != nil {
		return 0, fmt.Errorf("rollup: store summaries site=%d: %w", siteID, err)
	}
	r.logger.Printf("analytics: rollup site=%d day=%s summaries=%d", siteID, start.Format("2006-01-02"), len(summaries))
	return len(summaries), nil
}

// summarize computes one device's summary. Samples are expected ascending.
func (r *Rollup) summarize(deviceID int64, start, end time.Time, samples []telemetry.Sample) analytics.DailySummary {
	summary := analytics.DailySummary{DeviceID: deviceID, Date: start}

	var power, voltage []telemetry.Sample
	for _, s := range samples {
		switch s.Key {
		case r.cfg.PowerKey:
			power = append(power, s)
		case r.cfg.VoltageKey:
			voltage = append(voltage, s)
		}
	}

	if len(power) > 0 {
		peak := power[0]
		for _, s := range power[1:] {
			if s.Value > peak.Value {
				peak = s
			}
		}
		summary.PeakPower = peak.Value
		summary.PeakTS = peak.TS

		kwh, missing := integrateMinutes(power, start, end)
		summary.KWh = kwh
		summary.MissingPct = missing
	} else {
		summary.MissingPct = 100
	}

	if len(voltage) > 0 {
		minV := voltage[0].Value
		for _, s := range voltage[1:] {
			if s.Value < minV {
				minV = s.Value
			}
		}
		summary.MinVoltage = minV
	}
	return summary
}

// integrateMinutes resamples the power series to one-minute steps with
// forward fill and integrates kW into kWh. Minutes before the first sample
// carry no known value; they contribute zero energy and count as missing.
func integrateMinutes(power []telemetry.Sample, start, end time.Time) (kwh float64, missingPct float64) {
	totalMinutes := int(end.Sub(start) / time.Minute)
	if totalMinutes <= 0 {
		return 0, 0
	}

	idx := 0
	haveValue := false
	current := 0.0
	missing := 0
	for m := 0; m < totalMinutes; m++ {
		minute := start.Add(time.Duration(m) * time.Minute)
		for idx < len(power) && !power[idx].TS.After(minute) {
			current = power[idx].Value
			haveValue = true
			idx++
		}
		if !haveValue {
			missing++
			continue
		}
		kwh += current / 60.0
	}
	return kwh, 100 * float64(missing) / float64(totalMinutes)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
