package masterdata

import (
	"context"
	"time"
)

// Device capabilities advertised by a sensor.
const (
	CapabilityRealtime   = "realtime"
	CapabilityHistorical = "historical"
	CapabilityAlarms     = "alarms"
)

// Device is a sensor that reports samples for one site.
type Device struct {
	ID           int64     `json:"id"`
	SiteID       int64     `json:"site_id"`
	RoomID       int64     `json:"room_id,omitempty"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	Unit         string    `json:"unit"`
	Capabilities []string  `json:"capabilities"`
	LastSeenAt   time.Time `json:"last_seen_at,omitempty"`
	IsActive     bool      `json:"is_active"`
}

// HasCapability reports whether the device advertises the capability.
func (d Device) HasCapability(capability string) bool {
	for _, c := range d.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// DeviceRepository loads device records.
type DeviceRepository interface {
	ListBySite(ctx context.Context, siteID int64, activeOnly bool) ([]Device, error)
	Get(ctx context.Context, id int64) (*Device, error)
}
