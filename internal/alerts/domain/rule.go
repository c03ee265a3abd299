package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RuleKind discriminates the supported alert rule variants.
type RuleKind string

const (
	KindThreshold  RuleKind = "threshold"
	KindNoData     RuleKind = "nodata"
	KindTimeWindow RuleKind = "timewindow"
)

// Valid reports whether the kind is supported.
func (k RuleKind) Valid() bool {
	switch k {
	case KindThreshold, KindNoData, KindTimeWindow:
		return true
	default:
		return false
	}
}

// Comparator is a threshold comparison operator.
type Comparator string

const (
	CompareGreater        Comparator = "gt"
	CompareLess           Comparator = "lt"
	CompareGreaterOrEqual Comparator = "gte"
	CompareLessOrEqual    Comparator = "lte"
	CompareEqual          Comparator = "eq"
)

// Valid reports whether the comparator is supported.
func (c Comparator) Valid() bool {
	switch c {
	case CompareGreater, CompareLess, CompareGreaterOrEqual, CompareLessOrEqual, CompareEqual:
		return true
	default:
		return false
	}
}

// Holds evaluates the comparator against a threshold.
func (c Comparator) Holds(value, threshold float64) bool {
	switch c {
	case CompareGreater:
		return value > threshold
	case CompareLess:
		return value < threshold
	case CompareGreaterOrEqual:
		return value >= threshold
	case CompareLessOrEqual:
		return value <= threshold
	case CompareEqual:
		return value == threshold
	default:
		return false
	}
}

// String renders the comparator as a symbol for payloads.
func (c Comparator) String() string {
	switch c {
	case CompareGreater:
		return ">"
	case CompareLess:
		return "<"
	case CompareGreaterOrEqual:
		return ">="
	case CompareLessOrEqual:
		return "<="
	case CompareEqual:
		return "=="
	default:
		return string(c)
	}
}

// Schedule restricts a rule to a daily wall-clock window. Start and End are
// "HH:MM" strings; Start > End wraps over midnight.
type Schedule struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Validate checks the schedule bounds parse as HH:MM.
func (s Schedule) Validate() error {
	for _, bound := range []string{s.Start, s.End} {
		if _, err := time.Parse("15:04", bound); err != nil {
			return fmt.Errorf("schedule: invalid bound %q", bound)
		}
	}
	return nil
}

// Contains reports whether the wall-clock time of now falls inside the
// window. An overnight window (Start > End) is satisfied when now is at or
// after Start or at or before End.
func (s Schedule) Contains(now time.Time) bool {
	current := now.Format("15:04")
	if s.Start > s.End {
		return current >= s.Start || current <= s.End
	}
	return s.Start <= current && current <= s.End
}

// ThresholdParams configures threshold and timewindow rules.
type ThresholdParams struct {
	DeviceIDs       []int64    `json:"device_ids"`
	Key             string     `json:"key"`
	Op              Comparator `json:"op"`
	Value           float64    `json:"value"`
	DurationSeconds int        `json:"duration_sec"`
}

// NoDataParams configures nodata rules.
type NoDataParams struct {
	DeviceIDs       []int64 `json:"device_ids"`
	DurationSeconds int     `json:"duration_sec"`
}

// DefaultNoDataSeconds is the silence window when a nodata rule omits one.
const DefaultNoDataSeconds = 300

// Actions lists notification targets for a rule.
type Actions struct {
	Email   []string `json:"email"`
	Webhook []string `json:"webhook"`
}

// AlertRule is a user-defined rule over the sample stream. Exactly one of
// Threshold or NoData is set, matching Kind. The evaluator only ever mutates
// LastFiredAt and SnoozedUntil.
type AlertRule struct {
	ID           int64    `json:"id"`
	SiteID       int64    `json:"site_id"`
	Name         string   `json:"name"`
	Enabled      bool     `json:"enabled"`
	Kind         RuleKind `json:"type"`
	Threshold    *ThresholdParams
	NoData       *NoDataParams
	Schedule     *Schedule
	SnoozedUntil time.Time
	Actions      Actions
	LastFiredAt  time.Time `json:"last_fired_at,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Snoozed reports whether the rule is suppressed at now.
func (r AlertRule) Snoozed(now time.Time) bool {
	return !r.SnoozedUntil.IsZero() && r.SnoozedUntil.After(now)
}

// Validate checks rule invariants for the rule's kind.
func (r AlertRule) Validate() error {
	if r.SiteID == 0 {
		return errors.New("alert rule: empty site id")
	}
	if r.Name == "" {
		return errors.New("alert rule: empty name")
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("alert rule: unknown type %q", r.Kind)
	}
	if r.Schedule != nil {
		if err := r.Schedule.Validate(); err != nil {
			return fmt.Errorf("alert rule: %w", err)
		}
	}
	switch r.Kind {
	case KindThreshold, KindTimeWindow:
		if r.Threshold == nil {
			return errors.New("alert rule: missing threshold parameters")
		}
		if len(r.Threshold.DeviceIDs) == 0 {
			return errors.New("alert rule: empty device set")
		}
		if r.Threshold.Key == "" {
			return errors.New("alert rule: empty metric key")
		}
		if !r.Threshold.Op.Valid() {
			return fmt.Errorf("alert rule: unknown comparator %q", r.Threshold.Op)
		}
		if r.Threshold.DurationSeconds < 0 {
			return errors.New("alert rule: negative duration")
		}
	case KindNoData:
		if r.NoData == nil {
			return errors.New("alert rule: missing nodata parameters")
		}
		if len(r.NoData.DeviceIDs) == 0 {
			return errors.New("alert rule: empty device set")
		}
	}
	return nil
}

// ruleConfig is the stored JSON shape of a rule's type-specific parameters.
// Field names are the wire contract for management UIs.
type ruleConfig struct {
	Type            RuleKind   `json:"type"`
	DeviceIDs       []int64    `json:"device_ids,omitempty"`
	Key             string     `json:"key,omitempty"`
	Op              Comparator `json:"op,omitempty"`
	Value           float64    `json:"value,omitempty"`
	DurationSeconds int        `json:"duration_sec,omitempty"`
	Schedule        *Schedule  `json:"schedule,omitempty"`
	SnoozedUntil    string     `json:"snoozed_until,omitempty"`
	Action          *Actions   `json:"action,omitempty"`
}

// DecodeRuleConfig parses stored rule configuration into the typed rule,
// validating it up front so malformed rules surface at load time.
func DecodeRuleConfig(rule *AlertRule, raw []byte) error {
	if rule == nil {
		return errors.New("alert rule: nil rule")
	}
	var cfg ruleConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrRuleMisconfigured, err)
	}
	rule.Kind = cfg.Type
	rule.Schedule = cfg.Schedule
	rule.Threshold = nil
	rule.NoData = nil
	switch cfg.Type {
	case KindThreshold, KindTimeWindow:
		rule.Threshold = &ThresholdParams{
			DeviceIDs:       cfg.DeviceIDs,
			Key:             cfg.Key,
			Op:              cfg.Op,
			Value:           cfg.Value,
			DurationSeconds: cfg.DurationSeconds,
		}
	case KindNoData:
		seconds := cfg.DurationSeconds
		if seconds <= 0 {
			seconds = DefaultNoDataSeconds
		}
		rule.NoData = &NoDataParams{DeviceIDs: cfg.DeviceIDs, DurationSeconds: seconds}
	}
	if cfg.Action != nil {
		rule.Actions = *cfg.Action
	}
	rule.SnoozedUntil = time.Time{}
	if cfg.SnoozedUntil != "" {
		until, err := time.Parse(time.RFC3339, cfg.SnoozedUntil)
		if err != nil {
			return fmt.Errorf("%w: snoozed_until: %v", ErrRuleMisconfigured, err)
		}
		rule.SnoozedUntil = until.UTC()
	}
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrRuleMisconfigured, err)
	}
	return nil
}

// EncodeRuleConfig renders the typed rule back to its stored JSON shape.
func EncodeRuleConfig(rule AlertRule) ([]byte, error) {
	cfg := ruleConfig{Type: rule.Kind, Schedule: rule.Schedule}
	switch rule.Kind {
	case KindThreshold, KindTimeWindow:
		if rule.Threshold != nil {
			cfg.DeviceIDs = rule.Threshold.DeviceIDs
			cfg.Key = rule.Threshold.Key
			cfg.Op = rule.Threshold.Op
			cfg.Value = rule.Threshold.Value
			cfg.DurationSeconds = rule.Threshold.DurationSeconds
		}
	case KindNoData:
		if rule.NoData != nil {
			cfg.DeviceIDs = rule.NoData.DeviceIDs
			cfg.DurationSeconds = rule.NoData.DurationSeconds
		}
	}
	actions := rule.Actions
	cfg.Action = &actions
	if !rule.SnoozedUntil.IsZero() {
		cfg.SnoozedUntil = rule.SnoozedUntil.UTC().Format(time.RFC3339)
	}
	return json.Marshal(cfg)
}

// AlertEvent is an append-only record of one rule firing.
type AlertEvent struct {
	ID      int64           `json:"id"`
	AlertID int64           `json:"alert_id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// RuleRepository loads and mutates alert rules. Only last_fired_at and the
// snooze marker are written by the evaluation engine.
type RuleRepository interface {
	ListEnabledBySite(ctx context.Context, siteID int64) ([]AlertRule, error)
	Get(ctx context.Context, id int64) (*AlertRule, error)
	Create(ctx context.Context, rule *AlertRule) error
	UpdateLastFired(ctx context.Context, id int64, firedAt time.Time) error
	UpdateSnooze(ctx context.Context, id int64, until time.Time) error
}

// AlertEventRepository persists firing records.
type AlertEventRepository interface {
	Append(ctx context.Context, event *AlertEvent) error
	ListByAlert(ctx context.Context, alertID int64, from, to time.Time) ([]AlertEvent, error)
}
