package detection

import (
	"context"
	"errors"
	"time"
)

// Event types.
const (
	TypeSpike = "spike"
	TypeSag   = "sag"
)

// Severity bounds derived from the peak z-score of a run.
const (
	SeverityMin = 1
	SeverityMax = 5
)

// EventMeta captures the statistics behind a detected excursion.
type EventMeta struct {
	PeakValue     float64 `json:"peak_value"`
	ZMax          float64 `json:"zmax"`
	BaselineMu    float64 `json:"baseline_mu"`
	BaselineSigma float64 `json:"baseline_sigma"`
}

// Event is a detected anomalous excursion for a set of devices. Events are
// extended in time when nearby runs merge into them; they are never deleted
// by the detection engine.
type Event struct {
	ID        int64     `json:"id"`
	SiteID    int64     `json:"site_id"`
	StartTS   time.Time `json:"start_ts"`
	EndTS     time.Time `json:"end_ts"`
	Type      string    `json:"type"`
	Severity  int       `json:"severity"`
	DeviceIDs []int64   `json:"device_ids"`
	Meta      EventMeta `json:"meta"`
}

// Validate checks event invariants.
func (e Event) Validate() error {
	if e.SiteID == 0 {
		return errors.New("event: empty site id")
	}
	if e.Type != TypeSpike && e.Type != TypeSag {
		return errors.New("event: invalid type")
	}
	if e.StartTS.IsZero() || e.EndTS.IsZero() {
		return errors.New("event: empty time range")
	}
	if e.EndTS.Before(e.StartTS) {
		return errors.New("event: end before start")
	}
	if e.Severity < SeverityMin || e.Severity > SeverityMax {
		return errors.New("event: severity out of range")
	}
	if len(e.DeviceIDs) == 0 {
		return errors.New("event: empty device set")
	}
	return nil
}

// EventRepository persists detected events with merge-by-overlap semantics.
type EventRepository interface {
	// FindOverlapping returns the first stored event for the site, device
	// and type whose [start_ts, end_ts] overlaps [from, to].
	FindOverlapping(ctx context.Context, siteID, deviceID int64, eventType string, from, to time.Time) (*Event, error)
	// ExtendWindow widens an event's time range to the union with
	// [startTS, endTS].
	ExtendWindow(ctx context.Context, eventID int64, startTS, endTS time.Time) error
	// Exists reports whether an event with the identical site, start and
	// device set is already stored.
	Exists(ctx context.Context, siteID int64, startTS time.Time, deviceIDs []int64) (bool, error)
	// Create inserts a new event.
	Create(ctx context.Context, event *Event) error
	// ListBySite returns events overlapping [from, to], newest first.
	ListBySite(ctx context.Context, siteID int64, from, to time.Time) ([]Event, error)
}
