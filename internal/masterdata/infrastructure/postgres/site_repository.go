package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	masterdata "wattboard-cloud/internal/masterdata/domain"
)

const defaultSitesTable = "sites"

// SiteRepository is a Postgres implementation for sites.
type SiteRepository struct {
	db    *sql.DB
	table string
}

// NewSiteRepository constructs a repository.
func NewSiteRepository(db *sql.DB, opts ...SiteOption) *SiteRepository {
	repo := &SiteRepository{db: db, table: defaultSitesTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// SiteOption configures the repository.
type SiteOption func(*SiteRepository)

// WithSiteTable overrides the default table name.
func WithSiteTable(table string) SiteOption {
	return func(repo *SiteRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// List loads all sites.
func (r *SiteRepository) List(ctx context.Context) ([]masterdata.Site, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("site repo: nil db")
	}

	query := fmt.Sprintf(`
SELECT id, name, tz, created_at
FROM %s
ORDER BY id ASC`, r.table)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []masterdata.Site
	for rows.Next() {
		var site masterdata.Site
		if err := rows.Scan(&site.ID, &site.Name, &site.Timezone, &site.CreatedAt); err != nil {
			return nil, err
		}
		site.CreatedAt = site.CreatedAt.UTC()
		result = append(result, site)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Get loads a site by id.
func (r *SiteRepository) Get(ctx context.Context, id int64) (*masterdata.Site, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("site repo: nil db")
	}
	if id == 0 {
		return nil, errors.New("site repo: empty id")
	}

	query := fmt.Sprintf(`
SELECT id, name, tz, created_at
FROM %s
WHERE id = $1
LIMIT 1`, r.table)

	var site masterdata.Site
	if err := r.db.QueryRowContext(ctx, query, id).Scan(
		&site.ID,
		&site.Name,
		&site.Timezone,
		&site.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	site.CreatedAt = site.CreatedAt.UTC()
	return &site, nil
}
