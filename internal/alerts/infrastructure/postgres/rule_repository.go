package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	alerts "wattboard-cloud/internal/alerts/domain"
)

const defaultAlertsTable = "alerts"

// RuleRepository is a Postgres implementation for alert rules. Rule
// parameters live in the rule_json column and are decoded at load time;
// rows whose configuration fails to decode are skipped with a log line so
// one bad rule cannot block the evaluation of a whole site.
type RuleRepository struct {
	db     *sql.DB
	table  string
	logger *log.Logger
}

// RuleOption configures the repository.
type RuleOption func(*RuleRepository)

// WithRuleTable overrides the default table name.
func WithRuleTable(table string) RuleOption {
	return func(repo *RuleRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// WithRuleLogger assigns a logger.
func WithRuleLogger(logger *log.Logger) RuleOption {
	return func(repo *RuleRepository) {
		if logger != nil {
			repo.logger = logger
		}
	}
}

// NewRuleRepository constructs a repository.
func NewRuleRepository(db *sql.DB, opts ...RuleOption) *RuleRepository {
	repo := &RuleRepository{db: db, table: defaultAlertsTable, logger: log.Default()}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// ListEnabledBySite loads enabled rules for a site.
func (r *RuleRepository) ListEnabledBySite(ctx context.Context, siteID int64) ([]alerts.AlertRule, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert rule repo: nil db")
	}
	if siteID == 0 {
		return nil, errors.New("alert rule repo: empty site id")
	}

	query := fmt.Sprintf(`
SELECT id, site_id, name, enabled, rule_json, last_fired_at, created_at
FROM %s
WHERE site_id = $1 AND enabled = TRUE
ORDER BY id ASC`, r.table)

	rows, err := r.db.QueryContext(ctx, query, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []alerts.AlertRule
	for rows.Next() {
		rule, err := r.scanRule(rows)
		if err != nil {
			if errors.Is(err, alerts.ErrRuleMisconfigured) {
				r.logger.Printf("alert rule repo: skipping misconfigured rule: %v", err)
				continue
			}
			return nil, err
		}
		result = append(result, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Get loads a rule by id.
func (r *RuleRepository) Get(ctx context.Context, id int64) (*alerts.AlertRule, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert rule repo: nil db")
	}
	if id == 0 {
		return nil, errors.New("alert rule repo: empty id")
	}

	query := fmt.Sprintf(`
SELECT id, site_id, name, enabled, rule_json, last_fired_at, created_at
FROM %s
WHERE id = $1
LIMIT 1`, r.table)

	rule, err := r.scanRule(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rule, nil
}

// Create inserts a rule and fills in its assigned id.
func (r *RuleRepository) Create(ctx context.Context, rule *alerts.AlertRule) error {
	if r == nil || r.db == nil {
		return errors.New("alert rule repo: nil db")
	}
	if rule == nil {
		return errors.New("alert rule repo: nil rule")
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	raw, err := alerts.EncodeRuleConfig(*rule)
	if err != nil {
		return err
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	site_id,
	name,
	enabled,
	rule_json,
	created_at
) VALUES (
	$1, $2, $3, $4, $5
)
RETURNING id`, r.table)

	return r.db.QueryRowContext(
		ctx,
		query,
		rule.SiteID,
		rule.Name,
		rule.Enabled,
		raw,
		rule.CreatedAt,
	).Scan(&rule.ID)
}

// UpdateLastFired advances the firing cooldown marker.
func (r *RuleRepository) UpdateLastFired(ctx context.Context, id int64, firedAt time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("alert rule repo: nil db")
	}
	if id == 0 {
		return errors.New("alert rule repo: empty id")
	}

	query := fmt.Sprintf(`
UPDATE %s
SET last_fired_at = $2
WHERE id = $1`, r.table)

	res, err := r.db.ExecContext(ctx, query, id, firedAt.UTC())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return alerts.ErrNotFound
	}
	return nil
}

// UpdateSnooze writes the snooze deadline into the stored configuration.
func (r *RuleRepository) UpdateSnooze(ctx context.Context, id int64, until time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("alert rule repo: nil db")
	}
	if id == 0 {
		return errors.New("alert rule repo: empty id")
	}

	query := fmt.Sprintf(`
UPDATE %s
SET rule_json = jsonb_set(rule_json, '{snoozed_until}', to_jsonb($2::text))
WHERE id = $1`, r.table)

	res, err := r.db.ExecContext(ctx, query, id, until.UTC().Format(time.RFC3339))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return alerts.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *RuleRepository) scanRule(row rowScanner) (*alerts.AlertRule, error) {
	var (
		rule      alerts.AlertRule
		raw       json.RawMessage
		lastFired sql.NullTime
	)
	if err := row.Scan(
		&rule.ID,
		&rule.SiteID,
		&rule.Name,
		&rule.Enabled,
		&raw,
		&lastFired,
		&rule.CreatedAt,
	); err != nil {
		return nil, err
	}
	if lastFired.Valid {
		rule.LastFiredAt = lastFired.Time.UTC()
	}
	rule.CreatedAt = rule.CreatedAt.UTC()
	if err := alerts.DecodeRuleConfig(&rule, raw); err != nil {
		return nil, fmt.Errorf("rule %d: %w", rule.ID, err)
	}
	return &rule, nil
}
