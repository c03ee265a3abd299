package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	detection "wattboard-cloud/internal/detection/domain"
)

const defaultEventsTable = "events"

// EventRepository is a Postgres implementation for detected events.
// device_ids and meta are stored as JSONB.
type EventRepository struct {
	db    *sql.DB
	table string
}

// NewEventRepository constructs a repository.
func NewEventRepository(db *sql.DB, opts ...EventOption) *EventRepository {
	repo := &EventRepository{db: db, table: defaultEventsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// EventOption configures the repository.
type EventOption func(*EventRepository)

// WithEventTable overrides the default table name.
func WithEventTable(table string) EventOption {
	return func(repo *EventRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// FindOverlapping returns the earliest stored event for the site, device and
// type whose window overlaps [from, to], or nil when there is none.
func (r *EventRepository) FindOverlapping(ctx context.Context, siteID, deviceID int64, eventType string, from, to time.Time) (*detection.Event, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("event repo: nil db")
	}
	if siteID == 0 || deviceID == 0 || eventType == "" {
		return nil, errors.New("event repo: invalid query")
	}

	query := fmt.Sprintf(`
SELECT id, site_id, start_ts, end_ts, event_type, severity, device_ids, meta
FROM %s
WHERE site_id = $1
	AND event_type = $2
	AND device_ids @> $3
	AND start_ts <= $5
	AND end_ts >= $4
ORDER BY start_ts ASC
LIMIT 1`, r.table)

	deviceFilter, err := json.Marshal([]int64{deviceID})
	if err != nil {
		return nil, err
	}
	event, err := scanEvent(r.db.QueryRowContext(ctx, query, siteID, eventType, deviceFilter, from.UTC(), to.UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return event, nil
}

// ExtendWindow widens the event window to the union with [startTS, endTS].
// The window only ever grows.
func (r *EventRepository) ExtendWindow(ctx context.Context, eventID int64, startTS, endTS time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("event repo: nil db")
	}
	if eventID == 0 {
		return errors.New("event repo: empty event id")
	}
	if startTS.IsZero() || endTS.IsZero() || endTS.Before(startTS) {
		return errors.New("event repo: invalid window")
	}

	query := fmt.Sprintf(`
UPDATE %s
SET start_ts = LEAST(start_ts, $2),
	end_ts = GREATEST(end_ts, $3)
WHERE id = $1`, r.table)

	res, err := r.db.ExecContext(ctx, query, eventID, startTS.UTC(), endTS.UTC())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("event repo: event %d not found", eventID)
	}
	return nil
}

// Exists reports whether an event with the identical site, start and device
// set is already stored.
func (r *EventRepository) Exists(ctx context.Context, siteID int64, startTS time.Time, deviceIDs []int64) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("event repo: nil db")
	}
	if siteID == 0 || startTS.IsZero() || len(deviceIDs) == 0 {
		return false, errors.New("event repo: invalid query")
	}

	query := fmt.Sprintf(`
SELECT EXISTS (
	SELECT 1 FROM %s
	WHERE site_id = $1 AND start_ts = $2 AND device_ids = $3
)`, r.table)

	devices, err := json.Marshal(deviceIDs)
	if err != nil {
		return false, err
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx, query, siteID, startTS.UTC(), devices).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// Create inserts a new event and fills in its assigned id.
func (r *EventRepository) Create(ctx context.Context, event *detection.Event) error {
	if r == nil || r.db == nil {
		return errors.New("event repo: nil db")
	}
	if event == nil {
		return errors.New("event repo: nil event")
	}
	if err := event.Validate(); err != nil {
		return err
	}

	devices, err := json.Marshal(event.DeviceIDs)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(event.Meta)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	site_id,
	start_ts,
	end_ts,
	event_type,
	severity,
	device_ids,
	meta
) VALUES (
	$1, $2, $3, $4, $5, $6, $7
)
RETURNING id`, r.table)

	return r.db.QueryRowContext(
		ctx,
		query,
		event.SiteID,
		event.StartTS.UTC(),
		event.EndTS.UTC(),
		event.Type,
		event.Severity,
		devices,
		meta,
	).Scan(&event.ID)
}

// ListBySite returns events overlapping [from, to], newest first.
func (r *EventRepository) ListBySite(ctx context.Context, siteID int64, from, to time.Time) ([]detection.Event, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("event repo: nil db")
	}
	if siteID == 0 {
		return nil, errors.New("event repo: empty site id")
	}

	query := fmt.Sprintf(`
SELECT id, site_id, start_ts, end_ts, event_type, severity, device_ids, meta
FROM %s
WHERE site_id = $1 AND start_ts <= $3 AND end_ts >= $2
ORDER BY start_ts DESC`, r.table)

	rows, err := r.db.QueryContext(ctx, query, siteID, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []detection.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*detection.Event, error) {
	var (
		event   detection.Event
		devices []byte
		meta    []byte
	)
	if err := row.Scan(
		&event.ID,
		&event.SiteID,
		&event.StartTS,
		&event.EndTS,
		&event.Type,
		&event.Severity,
		&devices,
		&meta,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(devices, &event.DeviceIDs); err != nil {
		return nil, fmt.Errorf("event repo: decode device_ids event=%d: %w", event.ID, err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &event.Meta); err != nil {
			return nil, fmt.Errorf("event repo: decode meta event=%d: %w", event.ID, err)
		}
	}
	event.StartTS = event.StartTS.UTC()
	event.EndTS = event.EndTS.UTC()
	return &event, nil
}
