package analytics

import (
	"context"
	"errors"
	"time"
)

// DailySummary is one device's rollup for one calendar day.
type DailySummary struct {
	ID         int64     `json:"id"`
	DeviceID   int64     `json:"device_id"`
	Date       time.Time `json:"date"`
	KWh        float64   `json:"kwh"`
	PeakPower  float64   `json:"peak_power"`
	PeakTS     time.Time `json:"peak_ts"`
	MinVoltage float64   `json:"min_voltage,omitempty"`
	MissingPct float64   `json:"missing_pct"`
}

// Validate checks summary invariants.
func (s DailySummary) Validate() error {
	if s.DeviceID == 0 {
		return errors.New("daily summary: empty device id")
	}
	if s.Date.IsZero() {
		return errors.New("daily summary: empty date")
	}
	if s.KWh < 0 {
		return errors.New("daily summary: negative energy")
	}
	if s.MissingPct < 0 || s.MissingPct > 100 {
		return errors.New("daily summary: missing pct out of range")
	}
	return nil
}

// SummaryRepository persists daily rollups. Upsert overwrites an existing
// (device, date) row so a rollup can be re-run safely.
type SummaryRepository interface {
	Upsert(ctx context.Context, summaries []DailySummary) error
	ListByDevices(ctx context.Context, deviceIDs []int64, from, to time.Time) ([]DailySummary, error)
}
