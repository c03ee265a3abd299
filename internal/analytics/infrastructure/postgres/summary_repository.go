package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	analytics "wattboard-cloud/internal/analytics/domain"
)

const defaultSummariesTable = "daily_summaries"

// SummaryRepository is a Postgres implementation for daily rollups.
type SummaryRepository struct {
	db    *sql.DB
	table string
}

// SummaryOption configures the repository.
type SummaryOption func(*SummaryRepository)

// WithSummaryTable overrides the default table name.
func WithSummaryTable(table string) SummaryOption {
	return func(repo *SummaryRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewSummaryRepository constructs a repository.
func NewSummaryRepository(db *sql.DB, opts ...SummaryOption) *SummaryRepository {
	repo := &SummaryRepository{db: db, table: defaultSummariesTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Upsert writes summaries, overwriting any existing (device, date) row.
func (r *SummaryRepository) Upsert(ctx context.Context, summaries []analytics.DailySummary) error {
	if r == nil || r.db == nil {
		return errors.New("summary repo: nil db")
	}
	if len(summaries) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	device_id,
	date,
	kwh,
	peak_power,
	peak_ts,
	min_voltage,
	missing_pct
) VALUES (
	$1, $2, $3, $4, $5, $6, $7
)
ON CONFLICT (device_id, date)
DO UPDATE SET
	kwh = EXCLUDED.kwh,
	peak_power = EXCLUDED.peak_power,
	peak_ts = EXCLUDED.peak_ts,
	min_voltage = EXCLUDED.min_voltage,
	missing_pct = EXCLUDED.missing_pct`, r.table)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, s := range summaries {
		if err := s.Validate(); err != nil {
			_ = tx.Rollback()
			return err
		}
		peakTS := sql.NullTime{}
		if !s.PeakTS.IsZero() {
			peakTS = sql.NullTime{Time: s.PeakTS.UTC(), Valid: true}
		}
		minVoltage := sql.NullFloat64{}
		if s.MinVoltage != 0 {
			minVoltage = sql.NullFloat64{Float64: s.MinVoltage, Valid: true}
		}
		if _, err := stmt.ExecContext(
			ctx,
			s.DeviceID,
			s.Date.UTC(),
			s.KWh,
			s.PeakPower,
			peakTS,
			minVoltage,
			s.MissingPct,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// ListByDevices returns summaries for the devices with dates in [from, to],
// ordered by date then device.
func (r *SummaryRepository) ListByDevices(ctx context.Context, deviceIDs []int64, from, to time.Time) ([]analytics.DailySummary, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("summary repo: nil db")
	}
	if len(deviceIDs) == 0 {
		return nil, errors.New("summary repo: empty device list")
	}

	query := fmt.Sprintf(`
SELECT id, device_id, date, kwh, peak_power, peak_ts, min_voltage, missing_pct
FROM %s
WHERE device_id = ANY($1) AND date >= $2 AND date <= $3
ORDER BY date ASC, device_id ASC`, r.table)

	rows, err := r.db.QueryContext(ctx, query, pq.Array(deviceIDs), from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []analytics.DailySummary
	for rows.Next() {
		var (
			s          analytics.DailySummary
			peakTS     sql.NullTime
			minVoltage sql.NullFloat64
		)
		if err := rows.Scan(
			&s.ID,
			&s.DeviceID,
			&s.Date,
			&s.KWh,
			&s.PeakPower,
			&peakTS,
			&minVoltage,
			&s.MissingPct,
		); err != nil {
			return nil, err
		}
		if peakTS.Valid {
			s.PeakTS = peakTS.Time.UTC()
		}
		if minVoltage.Valid {
			s.MinVoltage = minVoltage.Float64
		}
		s.Date = s.Date.UTC()
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
