package masterdata

import (
	"context"
	"time"
)

// Site groups devices under a single monitored location.
type Site struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Timezone  string    `json:"tz"`
	CreatedAt time.Time `json:"created_at"`
}

// Location resolves the site timezone, falling back to UTC.
func (s Site) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SiteRepository loads site records.
type SiteRepository interface {
	List(ctx context.Context) ([]Site, error)
	Get(ctx context.Context, id int64) (*Site, error)
}
