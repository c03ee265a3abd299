package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	masterdata "wattboard-cloud/internal/masterdata/domain"
)

const defaultDevicesTable = "devices"

// DeviceRepository is a Postgres implementation for devices.
type DeviceRepository struct {
	db    *sql.DB
	table string
}

// NewDeviceRepository constructs a repository.
func NewDeviceRepository(db *sql.DB, opts ...DeviceOption) *DeviceRepository {
	repo := &DeviceRepository{db: db, table: defaultDevicesTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// DeviceOption configures the repository.
type DeviceOption func(*DeviceRepository)

// WithDeviceTable overrides the default table name.
func WithDeviceTable(table string) DeviceOption {
	return func(repo *DeviceRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// ListBySite loads devices for a site, optionally filtered to active ones.
func (r *DeviceRepository) ListBySite(ctx context.Context, siteID int64, activeOnly bool) ([]masterdata.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	if siteID == 0 {
		return nil, errors.New("device repo: empty site id")
	}

	query := fmt.Sprintf(`
SELECT id, site_id, room_id, name, device_type, unit, capabilities, last_seen_at, is_active
FROM %s
WHERE site_id = $1`, r.table)
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY id ASC"

	rows, err := r.db.QueryContext(ctx, query, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []masterdata.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Get loads a device by id.
func (r *DeviceRepository) Get(ctx context.Context, id int64) (*masterdata.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	if id == 0 {
		return nil, errors.New("device repo: empty id")
	}

	query := fmt.Sprintf(`
SELECT id, site_id, room_id, name, device_type, unit, capabilities, last_seen_at, is_active
FROM %s
WHERE id = $1
LIMIT 1`, r.table)

	device, err := scanDevice(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return device, nil
}

// TouchLastSeen advances last_seen_at for a device, never moving it backwards.
func (r *DeviceRepository) TouchLastSeen(ctx context.Context, id int64, seenAt time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	if id == 0 {
		return errors.New("device repo: empty id")
	}

	query := fmt.Sprintf(`
UPDATE %s
SET last_seen_at = GREATEST(COALESCE(last_seen_at, 'epoch'::timestamptz), $2)
WHERE id = $1`, r.table)

	_, err := r.db.ExecContext(ctx, query, id, seenAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*masterdata.Device, error) {
	var (
		device       masterdata.Device
		roomID       sql.NullInt64
		capabilities []byte
		lastSeen     sql.NullTime
	)
	if err := row.Scan(
		&device.ID,
		&device.SiteID,
		&roomID,
		&device.Name,
		&device.Type,
		&device.Unit,
		&capabilities,
		&lastSeen,
		&device.IsActive,
	); err != nil {
		return nil, err
	}
	if roomID.Valid {
		device.RoomID = roomID.Int64
	}
	if len(capabilities) > 0 {
		if err := json.Unmarshal(capabilities, &device.Capabilities); err != nil {
			return nil, fmt.Errorf("device repo: decode capabilities device=%d: %w", device.ID, err)
		}
	}
	if lastSeen.Valid {
		device.LastSeenAt = lastSeen.Time.UTC()
	}
	return &device, nil
}
