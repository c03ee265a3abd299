package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	alerts "wattboard-cloud/internal/alerts/domain"
	"wattboard-cloud/internal/alerts/notify"
	masterdata "wattboard-cloud/internal/masterdata/domain"
	"wattboard-cloud/internal/observability/metrics"
	telemetry "wattboard-cloud/internal/telemetry/domain"
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// Dispatcher delivers notifications for fired alerts.
type Dispatcher interface {
	Dispatch(ctx context.Context, actions alerts.Actions, msg notify.Message) []notify.DeliveryError
}

// Config tunes the evaluation engine.
type Config struct {
	LookbackSeconds int `yaml:"lookback_seconds"`
	CooldownSeconds int `yaml:"cooldown_seconds"`
}

// DefaultConfig returns the standard evaluation tuning.
func DefaultConfig() Config {
	return Config{LookbackSeconds: 300, CooldownSeconds: 300}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.LookbackSeconds <= 0 {
		c.LookbackSeconds = d.LookbackSeconds
	}
	if c.CooldownSeconds <= 0 {
		c.CooldownSeconds = d.CooldownSeconds
	}
	return c
}

// Firing records one fired rule, for callers and tests.
type Firing struct {
	RuleID   int64
	RuleName string
	Kind     alerts.RuleKind
	Payload  map[string]any
	Failures []notify.DeliveryError
}

// RuleError records a rule that could not be evaluated. Per-rule failures
// never stop the rest of the batch.
type RuleError struct {
	RuleID int64
	Err    error
}

// Report summarizes one evaluation pass.
type Report struct {
	Fired  []Firing
	Errors []RuleError
}

// Evaluator scans enabled alert rules for a site, applies snooze/schedule
// gating and a firing cooldown, and dispatches notifications as a
// best-effort side effect of the authoritative AlertEvent record.
type Evaluator struct {
	rules       alerts.RuleRepository
	samples     telemetry.SampleQuery
	devices     masterdata.DeviceRepository
	alertEvents alerts.AlertEventRepository
	sites       masterdata.SiteRepository
	dispatcher  Dispatcher
	clock       Clock
	loc         *time.Location
	logger      *log.Logger
	cfg         Config
}

// Option customizes the evaluator.
type Option func(*Evaluator)

// WithClock assigns a clock.
func WithClock(clock Clock) Option {
	return func(e *Evaluator) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithDispatcher assigns a notification dispatcher.
func WithDispatcher(dispatcher Dispatcher) Option {
	return func(e *Evaluator) {
		e.dispatcher = dispatcher
	}
}

// WithLocation sets the fallback wall-clock location used for schedule
// gating when a site declares no timezone of its own.
func WithLocation(loc *time.Location) Option {
	return func(e *Evaluator) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithSites lets schedule gating run in each site's own timezone.
func WithSites(sites masterdata.SiteRepository) Option {
	return func(e *Evaluator) {
		e.sites = sites
	}
}

// WithConfig overrides the evaluation tuning.
func WithConfig(cfg Config) Option {
	return func(e *Evaluator) {
		e.cfg = cfg.normalized()
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *log.Logger) Option {
	return func(e *Evaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEvaluator constructs an evaluation engine.
func NewEvaluator(rules alerts.RuleRepository, samples telemetry.SampleQuery, devices masterdata.DeviceRepository, alertEvents alerts.AlertEventRepository, opts ...Option) (*Evaluator, error) {
	if rules == nil {
		return nil, errors.New("evaluator: nil rule repository")
	}
	if samples == nil {
		return nil, errors.New("evaluator: nil sample query")
	}
	if devices == nil {
		return nil, errors.New("evaluator: nil device repository")
	}
	if alertEvents == nil {
		return nil, errors.New("evaluator: nil alert event repository")
	}
	e := &Evaluator{
		rules:       rules,
		samples:     samples,
		devices:     devices,
		alertEvents: alertEvents,
		clock:       systemClock{},
		loc:         time.UTC,
		logger:      log.Default(),
		cfg:         DefaultConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Evaluate scans all enabled rules for the site and fires the ones whose
// condition is met. Malformed rules are reported per-rule and skipped; a
// storage failure aborts the pass so the next tick retries it.
func (e *Evaluator) Evaluate(ctx context.Context, siteID int64) (Report, error) {
	if e == nil {
		return Report{}, errors.New("evaluator: nil evaluator")
	}
	start := e.clock.Now()
	report, err := e.evaluate(ctx, siteID)
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.ObserveEvaluation(result, e.clock.Now().Sub(start))
	return report, err
}

func (e *Evaluator) evaluate(ctx context.Context, siteID int64) (Report, error) {
	var report Report
	if siteID == 0 {
		return report, errors.New("evaluator: empty site id")
	}
	rules, err := e.rules.ListEnabledBySite(ctx, siteID)
	if err != nil {
		return report, fmt.Errorf("evaluator: list rules: %w", err)
	}

	loc, err := e.scheduleLocation(ctx, siteID)
	if err != nil {
		return report, err
	}

	now := e.clock.Now().UTC()
	for _, rule := range rules {
		if rule.Snoozed(now) {
			continue
		}
		if rule.Schedule != nil && !rule.Schedule.Contains(now.In(loc)) {
			continue
		}

		payload, err := e.evaluateRule(ctx, rule, now)
		if err != nil {
			if errors.Is(err, alerts.ErrRuleMisconfigured) {
				e.logger.Printf("alerts: rule %d misconfigured: %v", rule.ID, err)
				report.Errors = append(report.Errors, RuleError{RuleID: rule.ID, Err: err})
				continue
			}
			return report, err
		}
		if payload == nil {
			continue
		}
		if !e.shouldFire(rule, now) {
			continue
		}
		firing, err := e.fire(ctx, rule, now, payload)
		if err != nil {
			return report, err
		}
		report.Fired = append(report.Fired, firing)
	}
	return report, nil
}

// scheduleLocation resolves the wall clock for schedule gating: the site's
// declared timezone when one is known, the configured fallback otherwise.
func (e *Evaluator) scheduleLocation(ctx context.Context, siteID int64) (*time.Location, error) {
	if e.sites == nil {
		return e.loc, nil
	}
	site, err := e.sites.Get(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("evaluator: load site %d: %w", siteID, err)
	}
	if site == nil || site.Timezone == "" {
		return e.loc, nil
	}
	return site.Location(), nil
}

func (e *Evaluator) evaluateRule(ctx context.Context, rule alerts.AlertRule, now time.Time) (map[string]any, error) {
	switch rule.Kind {
	case alerts.KindThreshold, alerts.KindTimeWindow:
		if rule.Threshold == nil {
			return nil, fmt.Errorf("%w: missing threshold parameters", alerts.ErrRuleMisconfigured)
		}
		return e.evaluateThreshold(ctx, rule, *rule.Threshold, now)
	case alerts.KindNoData:
		if rule.NoData == nil {
			return nil, fmt.Errorf("%w: missing nodata parameters", alerts.ErrRuleMisconfigured)
		}
		return e.evaluateNoData(ctx, *rule.NoData, now)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", alerts.ErrRuleMisconfigured, rule.Kind)
	}
}

// evaluateThreshold walks recent samples newest to oldest and tracks a
// condition run; any sample failing the comparator resets the run. The
// condition is sustained once the run spans the configured duration.
func (e *Evaluator) evaluateThreshold(ctx context.Context, rule alerts.AlertRule, params alerts.ThresholdParams, now time.Time) (map[string]any, error) {
	since := now.Add(-time.Duration(e.cfg.LookbackSeconds) * time.Second)
	samples, err := e.samples.ListByDevicesKey(ctx, params.DeviceIDs, params.Key, since, now)
	if err != nil {
		return nil, fmt.Errorf("evaluator: load samples rule=%d: %w", rule.ID, err)
	}
	if len(samples) == 0 {
		return nil, nil
	}

	duration := time.Duration(params.DurationSeconds) * time.Second
	var runStart time.Time
	met := false
	for _, sample := range samples {
		if params.Op.Holds(sample.Value, params.Value) {
			if runStart.IsZero() {
				runStart = sample.TS
			} else if runStart.Sub(sample.TS) >= duration {
				met = true
				break
			}
		} else {
			runStart = time.Time{}
		}
	}
	if !met {
		return nil, nil
	}
	return map[string]any{
		"type":          string(rule.Kind),
		"condition":     fmt.Sprintf("%s %s %g", params.Key, params.Op, params.Value),
		"duration":      fmt.Sprintf("%ds", params.DurationSeconds),
		"devices":       params.DeviceIDs,
		"trigger_value": samples[0].Value,
	}, nil
}

// evaluateNoData reports the first watched device with no sample inside the
// silence window. Remaining silent devices surface on later passes once the
// first one recovers.
func (e *Evaluator) evaluateNoData(ctx context.Context, params alerts.NoDataParams, now time.Time) (map[string]any, error) {
	since := now.Add(-time.Duration(params.DurationSeconds) * time.Second)
	for _, deviceID := range params.DeviceIDs {
		device, err := e.devices.Get(ctx, deviceID)
		if err != nil {
			return nil, fmt.Errorf("evaluator: load device %d: %w", deviceID, err)
		}
		if device == nil {
			continue
		}
		latest, err := e.samples.LatestByDevice(ctx, deviceID, since)
		if err != nil {
			return nil, fmt.Errorf("evaluator: latest sample device=%d: %w", deviceID, err)
		}
		if latest != nil {
			continue
		}
		payload := map[string]any{
			"type":      string(alerts.KindNoData),
			"device_id": deviceID,
			"duration":  fmt.Sprintf("%ds", params.DurationSeconds),
		}
		if device.Name != "" {
			payload["device_name"] = device.Name
		}
		if !device.LastSeenAt.IsZero() {
			payload["last_seen"] = device.LastSeenAt.UTC().Format(time.RFC3339)
		}
		return payload, nil
	}
	return nil, nil
}

// shouldFire applies the firing cooldown against last_fired_at.
func (e *Evaluator) shouldFire(rule alerts.AlertRule, now time.Time) bool {
	if rule.LastFiredAt.IsZero() {
		return true
	}
	cooldown := time.Duration(e.cfg.CooldownSeconds) * time.Second
	return now.Sub(rule.LastFiredAt) >= cooldown
}

// fire advances last_fired_at, appends the authoritative AlertEvent and
// hands the payload to the dispatcher. Delivery failures are recorded but
// never roll back the firing record.
func (e *Evaluator) fire(ctx context.Context, rule alerts.AlertRule, now time.Time, payload map[string]any) (Firing, error) {
	if err := e.rules.UpdateLastFired(ctx, rule.ID, now); err != nil {
		return Firing{}, fmt.Errorf("evaluator: update last fired rule=%d: %w", rule.ID, err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Firing{}, fmt.Errorf("evaluator: marshal payload rule=%d: %w", rule.ID, err)
	}
	if err := e.alertEvents.Append(ctx, &alerts.AlertEvent{AlertID: rule.ID, TS: now, Payload: raw}); err != nil {
		return Firing{}, fmt.Errorf("evaluator: append alert event rule=%d: %w", rule.ID, err)
	}
	metrics.IncAlertFired(string(rule.Kind))
	e.logger.Printf("alerts: fired rule=%d name=%q type=%s", rule.ID, rule.Name, rule.Kind)

	var failures []notify.DeliveryError
	if e.dispatcher != nil {
		failures = e.dispatcher.Dispatch(ctx, rule.Actions, notify.Message{
			AlertID:   rule.ID,
			AlertName: rule.Name,
			SiteID:    rule.SiteID,
			FiredAt:   now,
			Payload:   payload,
		})
	}
	return Firing{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Kind:     rule.Kind,
		Payload:  payload,
		Failures: failures,
	}, nil
}

// Snooze suppresses a rule until the given time.
func (e *Evaluator) Snooze(ctx context.Context, alertID int64, until time.Time) error {
	if e == nil {
		return errors.New("evaluator: nil evaluator")
	}
	if alertID == 0 {
		return errors.New("evaluator: empty alert id")
	}
	if !until.After(e.clock.Now().UTC()) {
		return errors.New("evaluator: snooze deadline must be in the future")
	}
	return e.rules.UpdateSnooze(ctx, alertID, until.UTC())
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
