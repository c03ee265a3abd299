// Package scheduler drives the background jobs: periodic anomaly detection,
// alert rule evaluation, and the daily usage rollup, each run per site.
package scheduler

import (
	"context"
	"errors"
	"log"
	"time"

	alertapp "wattboard-cloud/internal/alerts/application"
	analyticsapp "wattboard-cloud/internal/analytics/application"
	detectionapp "wattboard-cloud/internal/detection/application"
	masterdata "wattboard-cloud/internal/masterdata/domain"
)

// Config tunes the job cadence. Zero values fall back to defaults.
type Config struct {
	DetectionInterval  time.Duration `yaml:"detection_interval"`
	DetectionLookback  time.Duration `yaml:"detection_lookback"`
	EvaluationInterval time.Duration `yaml:"evaluation_interval"`
	RollupAt           string        `yaml:"rollup_at"`
}

// DefaultConfig returns the standard cadence.
func DefaultConfig() Config {
	return Config{
		DetectionInterval:  5 * time.Minute,
		DetectionLookback:  time.Hour,
		EvaluationInterval: 30 * time.Second,
		RollupAt:           "00:10",
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.DetectionInterval <= 0 {
		c.DetectionInterval = d.DetectionInterval
	}
	if c.DetectionLookback <= 0 {
		c.DetectionLookback = d.DetectionLookback
	}
	if c.EvaluationInterval <= 0 {
		c.EvaluationInterval = d.EvaluationInterval
	}
	if _, err := time.Parse("15:04", c.RollupAt); err != nil {
		c.RollupAt = d.RollupAt
	}
	return c
}

// Scheduler runs the detection, evaluation and rollup jobs on their cadence
// for every known site. One site failing never stops the others.
type Scheduler struct {
	sites     masterdata.SiteRepository
	detector  *detectionapp.Detector
	evaluator *alertapp.Evaluator
	rollup    *analyticsapp.Rollup
	clock     func() time.Time
	logger    *log.Logger
	cfg       Config

	lastRollupDay string
}

// Option customizes the scheduler.
type Option func(*Scheduler)

// WithClock assigns a time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithConfig overrides the cadence.
func WithConfig(cfg Config) Option {
	return func(s *Scheduler) {
		s.cfg = cfg.normalized()
	}
}

// NewScheduler constructs a Scheduler over the three jobs.
func NewScheduler(sites masterdata.SiteRepository, detector *detectionapp.Detector, evaluator *alertapp.Evaluator, rollup *analyticsapp.Rollup, opts ...Option) (*Scheduler, error) {
	if sites == nil {
		return nil, errors.New("scheduler: nil site repository")
	}
	if detector == nil {
		return nil, errors.New("scheduler: nil detector")
	}
	if evaluator == nil {
		return nil, errors.New("scheduler: nil evaluator")
	}
	if rollup == nil {
		return nil, errors.New("scheduler: nil rollup")
	}
	s := &Scheduler{
		sites:     sites,
		detector:  detector,
		evaluator: evaluator,
		rollup:    rollup,
		clock:     time.Now,
		logger:    log.Default(),
		cfg:       DefaultConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start blocks running the job loops until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	detectTicker := time.NewTicker(s.cfg.DetectionInterval)
	defer detectTicker.Stop()
	evalTicker := time.NewTicker(s.cfg.EvaluationInterval)
	defer evalTicker.Stop()
	rollupTicker := time.NewTicker(30 * time.Second)
	defer rollupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-detectTicker.C:
			s.RunDetection(ctx)
		case <-evalTicker.C:
			s.RunEvaluation(ctx)
		case <-rollupTicker.C:
			now := s.clock().UTC()
			if s.rollupDue(now) {
				s.RunRollup(ctx)
			}
		}
	}
}

// RunDetection runs anomaly detection over the trailing lookback window for
// every site.
func (s *Scheduler) RunDetection(ctx context.Context) {
	now := s.clock().UTC()
	from := now.Add(-s.cfg.DetectionLookback)
	s.eachSite(ctx, "detection", func(siteID int64) error {
		created, err := s.detector.Detect(ctx, siteID, from, now)
		if err == nil && created > 0 {
			s.logger.Printf("scheduler: detection site=%d events=%d", siteID, created)
		}
		return err
	})
}

// RunEvaluation evaluates alert rules for every site.
func (s *Scheduler) RunEvaluation(ctx context.Context) {
	s.eachSite(ctx, "evaluation", func(siteID int64) error {
		report, err := s.evaluator.Evaluate(ctx, siteID)
		if err == nil && len(report.Fired) > 0 {
			s.logger.Printf("scheduler: evaluation site=%d fired=%d", siteID, len(report.Fired))
		}
		return err
	})
}

// RunRollup builds daily summaries for every site.
func (s *Scheduler) RunRollup(ctx context.Context) {
	s.eachSite(ctx, "rollup", func(siteID int64) error {
		rows, err := s.rollup.Run(ctx, siteID)
		if err == nil {
			s.logger.Printf("scheduler: rollup site=%d rows=%d", siteID, rows)
		}
		return err
	})
}

// rollupDue reports whether the daily rollup should run at now, at most once
// per calendar day.
func (s *Scheduler) rollupDue(now time.Time) bool {
	day := now.Format("2006-01-02")
	if day == s.lastRollupDay {
		return false
	}
	at, err := time.Parse("15:04", s.cfg.RollupAt)
	if err != nil {
		return false
	}
	due := time.Date(now.Year(), now.Month(), now.Day(), at.Hour(), at.Minute(), 0, 0, time.UTC)
	if now.Before(due) {
		return false
	}
	s.lastRollupDay = day
	return true
}

func (s *Scheduler) eachSite(ctx context.Context, job string, run func(siteID int64) error) {
	sites, err := s.sites.List(ctx)
	if err != nil {
		s.logger.Printf("scheduler: %s: list sites: %v", job, err)
		return
	}
	for _, site := range sites {
		if err := run(site.ID); err != nil {
			s.logger.Printf("scheduler: %s site=%d err=%v", job, site.ID, err)
		}
	}
}
