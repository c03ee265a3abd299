package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	alerts "wattboard-cloud/internal/alerts/domain"
)

const defaultAlertEventsTable = "alert_events"

// AlertEventRepository is an append-only Postgres store for firing records.
type AlertEventRepository struct {
	db    *sql.DB
	table string
}

// AlertEventOption configures the repository.
type AlertEventOption func(*AlertEventRepository)

// WithAlertEventTable overrides the default table name.
func WithAlertEventTable(table string) AlertEventOption {
	return func(repo *AlertEventRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewAlertEventRepository constructs a repository.
func NewAlertEventRepository(db *sql.DB, opts ...AlertEventOption) *AlertEventRepository {
	repo := &AlertEventRepository{db: db, table: defaultAlertEventsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Append stores one firing record and fills in its assigned id.
func (r *AlertEventRepository) Append(ctx context.Context, event *alerts.AlertEvent) error {
	if r == nil || r.db == nil {
		return errors.New("alert event repo: nil db")
	}
	if event == nil {
		return errors.New("alert event repo: nil event")
	}
	if event.AlertID == 0 || event.TS.IsZero() {
		return errors.New("alert event repo: invalid event")
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	alert_id,
	ts,
	payload
) VALUES (
	$1, $2, $3
)
RETURNING id`, r.table)

	payload := event.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	return r.db.QueryRowContext(ctx, query, event.AlertID, event.TS.UTC(), []byte(payload)).Scan(&event.ID)
}

// ListByAlert returns firing records for a rule in [from, to], newest first.
func (r *AlertEventRepository) ListByAlert(ctx context.Context, alertID int64, from, to time.Time) ([]alerts.AlertEvent, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert event repo: nil db")
	}
	if alertID == 0 {
		return nil, errors.New("alert event repo: empty alert id")
	}

	query := fmt.Sprintf(`
SELECT id, alert_id, ts, payload
FROM %s
WHERE alert_id = $1 AND ts >= $2 AND ts <= $3
ORDER BY ts DESC`, r.table)

	rows, err := r.db.QueryContext(ctx, query, alertID, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []alerts.AlertEvent
	for rows.Next() {
		var event alerts.AlertEvent
		var payload []byte
		if err := rows.Scan(&event.ID, &event.AlertID, &event.TS, &payload); err != nil {
			return nil, err
		}
		event.TS = event.TS.UTC()
		event.Payload = payload
		result = append(result, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
