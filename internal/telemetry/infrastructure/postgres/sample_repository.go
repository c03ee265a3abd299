package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	telemetry "wattboard-cloud/internal/telemetry/domain"
)

const defaultSamplesTable = "samples"

// SampleRepository is a Postgres implementation for raw samples.
type SampleRepository struct {
	db    *sql.DB
	table string
}

// NewSampleRepository constructs a repository with the default table name.
func NewSampleRepository(db *sql.DB, opts ...RepositoryOption) *SampleRepository {
	repo := &SampleRepository{db: db, table: defaultSamplesTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// RepositoryOption configures the repository.
type RepositoryOption func(*SampleRepository)

// WithTable overrides the default table name.
func WithTable(table string) RepositoryOption {
	return func(repo *SampleRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// InsertSamples stores a batch of samples. Duplicates on (device_id, key, ts)
// are silently skipped; the returned count is the number of rows actually
// written.
func (r *SampleRepository) InsertSamples(ctx context.Context, samples []telemetry.Sample) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("sample repo: nil db")
	}
	if len(samples) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	device_id,
	key,
	ts,
	value
) VALUES (
	$1, $2, $3, $4
)
ON CONFLICT (device_id, key, ts) DO NOTHING`, r.table)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, s := range samples {
		if s.DeviceID == 0 || s.Key == "" || s.TS.IsZero() {
			_ = tx.Rollback()
			return 0, errors.New("sample repo: invalid sample")
		}
		res, err := stmt.ExecContext(ctx, s.DeviceID, s.Key, s.TS.UTC(), s.Value)
		if err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		inserted += int(affected)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// ListByDevice returns samples for one device in [from, to], ascending.
func (r *SampleRepository) ListByDevice(ctx context.Context, deviceID int64, from, to time.Time) ([]telemetry.Sample, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("sample repo: nil db")
	}
	if deviceID == 0 {
		return nil, errors.New("sample repo: empty device id")
	}

	query := fmt.Sprintf(`
SELECT device_id, key, ts, value
FROM %s
WHERE device_id = $1 AND ts >= $2 AND ts <= $3
ORDER BY ts ASC`, r.table)

	return r.list(ctx, query, deviceID, from.UTC(), to.UTC())
}

// ListByDevicesKey returns samples for the devices and key in [from, to],
// newest first.
func (r *SampleRepository) ListByDevicesKey(ctx context.Context, deviceIDs []int64, key string, from, to time.Time) ([]telemetry.Sample, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("sample repo: nil db")
	}
	if len(deviceIDs) == 0 {
		return nil, errors.New("sample repo: empty device list")
	}
	if key == "" {
		return nil, errors.New("sample repo: empty key")
	}

	query := fmt.Sprintf(`
SELECT device_id, key, ts, value
FROM %s
WHERE device_id = ANY($1) AND key = $2 AND ts >= $3 AND ts <= $4
ORDER BY ts DESC`, r.table)

	return r.list(ctx, query, pq.Array(deviceIDs), key, from.UTC(), to.UTC())
}

// LatestByDevice returns the most recent sample for the device at or after
// since, or nil when the device has been silent for the whole window.
func (r *SampleRepository) LatestByDevice(ctx context.Context, deviceID int64, since time.Time) (*telemetry.Sample, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("sample repo: nil db")
	}
	if deviceID == 0 {
		return nil, errors.New("sample repo: empty device id")
	}

	query := fmt.Sprintf(`
SELECT device_id, key, ts, value
FROM %s
WHERE device_id = $1 AND ts >= $2
ORDER BY ts DESC
LIMIT 1`, r.table)

	var sample telemetry.Sample
	if err := r.db.QueryRowContext(ctx, query, deviceID, since.UTC()).Scan(
		&sample.DeviceID,
		&sample.Key,
		&sample.TS,
		&sample.Value,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	sample.TS = sample.TS.UTC()
	return &sample, nil
}

func (r *SampleRepository) list(ctx context.Context, query string, args ...any) ([]telemetry.Sample, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []telemetry.Sample
	for rows.Next() {
		var sample telemetry.Sample
		if err := rows.Scan(&sample.DeviceID, &sample.Key, &sample.TS, &sample.Value); err != nil {
			return nil, err
		}
		sample.TS = sample.TS.UTC()
		result = append(result, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
