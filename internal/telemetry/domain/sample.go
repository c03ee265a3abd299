package telemetry

import (
	"context"
	"time"
)

// Sample is a single time-stamped sensor reading. Samples are immutable
// once stored and unique per (device, key, ts).
type Sample struct {
	DeviceID int64     `json:"device_id"`
	Key      string    `json:"key"`
	TS       time.Time `json:"ts"`
	Value    float64   `json:"value"`
}

// SampleRepository persists raw samples.
type SampleRepository interface {
	InsertSamples(ctx context.Context, samples []Sample) (int, error)
}

// SampleQuery reads stored samples for the detection and alerting engines.
type SampleQuery interface {
	// ListByDevice returns samples for one device across all keys in
	// [from, to], ordered by timestamp ascending.
	ListByDevice(ctx context.Context, deviceID int64, from, to time.Time) ([]Sample, error)
	// ListByDevicesKey returns samples for the devices and key in
	// [from, to], ordered by timestamp descending.
	ListByDevicesKey(ctx context.Context, deviceIDs []int64, key string, from, to time.Time) ([]Sample, error)
	// LatestByDevice returns the most recent sample for the device at or
	// after since, or nil when the device has been silent.
	LatestByDevice(ctx context.Context, deviceID int64, since time.Time) (*Sample, error)
}
