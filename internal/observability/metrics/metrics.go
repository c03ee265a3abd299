package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "wattboard_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	ingestRequests *prometheus.CounterVec

	detectionRuns    *prometheus.CounterVec
	detectionLatency *prometheus.HistogramVec
	detectionEvents  *prometheus.CounterVec

	evaluationRuns    *prometheus.CounterVec
	evaluationLatency *prometheus.HistogramVec
	alertsFired       *prometheus.CounterVec

	notificationSends *prometheus.CounterVec

	rollupRuns *prometheus.CounterVec
)

// Init registers observability metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		ingestRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_requests_total",
				Help: "Total sample ingest requests by result",
			},
			[]string{"result"},
		)

		detectionRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "detection_runs_total",
				Help: "Total detection passes by result",
			},
			[]string{"result"},
		)
		detectionLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "detection_latency_seconds",
				Help:    "Detection pass latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		detectionEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "detection_events_total",
				Help: "Detected events by type and outcome",
			},
			[]string{"type", "outcome"},
		)

		evaluationRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alert_evaluations_total",
				Help: "Total alert evaluation passes by result",
			},
			[]string{"result"},
		)
		evaluationLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "alert_evaluation_latency_seconds",
				Help:    "Alert evaluation pass latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		alertsFired = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alerts_fired_total",
				Help: "Fired alerts by rule type",
			},
			[]string{"type"},
		)

		notificationSends = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notification_sends_total",
				Help: "Notification deliveries by channel and result",
			},
			[]string{"channel", "result"},
		)

		rollupRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "daily_rollup_runs_total",
				Help: "Daily summary rollup passes by result",
			},
			[]string{"result"},
		)

		prometheus.MustRegister(
			ingestRequests,
			detectionRuns,
			detectionLatency,
			detectionEvents,
			evaluationRuns,
			evaluationLatency,
			alertsFired,
			notificationSends,
			rollupRuns,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// IncIngest increments the ingest counter.
func IncIngest(result string) {
	if result == "" {
		result = resultSuccess
	}
	if ingestRequests != nil {
		ingestRequests.WithLabelValues(result).Inc()
	}
}

// ObserveDetection records a detection pass.
func ObserveDetection(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if detectionRuns != nil {
		detectionRuns.WithLabelValues(result).Inc()
	}
	if detectionLatency != nil {
		detectionLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncDetectionEvent counts a created or merged event.
func IncDetectionEvent(eventType, outcome string) {
	if detectionEvents != nil {
		detectionEvents.WithLabelValues(eventType, outcome).Inc()
	}
}

// ObserveEvaluation records an alert evaluation pass.
func ObserveEvaluation(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if evaluationRuns != nil {
		evaluationRuns.WithLabelValues(result).Inc()
	}
	if evaluationLatency != nil {
		evaluationLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncAlertFired counts a fired alert by rule type.
func IncAlertFired(ruleType string) {
	if ruleType == "" {
		ruleType = "unknown"
	}
	if alertsFired != nil {
		alertsFired.WithLabelValues(ruleType).Inc()
	}
}

// IncNotification counts a notification delivery attempt.
func IncNotification(channel, result string) {
	if channel == "" {
		channel = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if notificationSends != nil {
		notificationSends.WithLabelValues(channel, result).Inc()
	}
}

// IncRollup counts a daily rollup pass.
func IncRollup(result string) {
	if result == "" {
		result = resultSuccess
	}
	if rollupRuns != nil {
		rollupRuns.WithLabelValues(result).Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError

	OutcomeCreated = "created"
	OutcomeMerged  = "merged"
)
