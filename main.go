package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	alertapp "wattboard-cloud/internal/alerts/application"
	alertrepo "wattboard-cloud/internal/alerts/infrastructure/postgres"
	alertnotify "wattboard-cloud/internal/alerts/notify"
	analyticsapp "wattboard-cloud/internal/analytics/application"
	analyticsrepo "wattboard-cloud/internal/analytics/infrastructure/postgres"
	apihttp "wattboard-cloud/internal/api/http"
	"wattboard-cloud/internal/auth"
	"wattboard-cloud/internal/config"
	detectionapp "wattboard-cloud/internal/detection/application"
	detectionrepo "wattboard-cloud/internal/detection/infrastructure/postgres"
	masterdatarepo "wattboard-cloud/internal/masterdata/infrastructure/postgres"
	"wattboard-cloud/internal/observability/metrics"
	"wattboard-cloud/internal/scheduler"
	telemetrypostgres "wattboard-cloud/internal/telemetry/infrastructure/postgres"
	ingesthttp "wattboard-cloud/internal/telemetry/interfaces/http"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	engineCfg, err := config.Load()
	if err != nil {
		logger.Fatalf("engine config error: %v", err)
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init(db, logger)

	siteRepo := masterdatarepo.NewSiteRepository(db)
	deviceRepo := masterdatarepo.NewDeviceRepository(db)
	sampleRepo := telemetrypostgres.NewSampleRepository(db)
	eventRepo := detectionrepo.NewEventRepository(db)
	ruleRepo := alertrepo.NewRuleRepository(db, alertrepo.WithRuleLogger(logger))
	alertEventRepo := alertrepo.NewAlertEventRepository(db)
	summaryRepo := analyticsrepo.NewSummaryRepository(db)

	detector, err := detectionapp.NewDetector(deviceRepo, sampleRepo, eventRepo,
		detectionapp.WithConfig(engineCfg.Detection),
		detectionapp.WithLogger(logger),
	)
	if err != nil {
		logger.Fatalf("detector error: %v", err)
	}

	dispatcherOpts := []alertnotify.DispatcherOption{
		alertnotify.WithWebhookSender(alertnotify.NewWebhookChannel()),
	}
	if engineCfg.SMTP.Configured() {
		emailChannel, err := alertnotify.NewSMTPChannel(engineCfg.SMTP)
		if err != nil {
			logger.Fatalf("smtp channel error: %v", err)
		}
		dispatcherOpts = append(dispatcherOpts, alertnotify.WithEmailSender(emailChannel))
	}
	if cfg.NotifyTemplate != "" {
		tpl, err := alertnotify.NewTemplate(cfg.NotifyTemplate)
		if err != nil {
			logger.Fatalf("notify template error: %v", err)
		}
		dispatcherOpts = append(dispatcherOpts, alertnotify.WithTemplate(tpl))
	}
	dispatcher, err := alertnotify.NewDispatcher(logger, dispatcherOpts...)
	if err != nil {
		logger.Fatalf("dispatcher error: %v", err)
	}

	scheduleLoc := time.UTC
	if cfg.ScheduleTZ != "" {
		loc, err := time.LoadLocation(cfg.ScheduleTZ)
		if err != nil {
			logger.Fatalf("schedule timezone error: %v", err)
		}
		scheduleLoc = loc
	}
	evaluator, err := alertapp.NewEvaluator(ruleRepo, sampleRepo, deviceRepo, alertEventRepo,
		alertapp.WithDispatcher(dispatcher),
		alertapp.WithConfig(engineCfg.Evaluation),
		alertapp.WithLocation(scheduleLoc),
		alertapp.WithSites(siteRepo),
		alertapp.WithLogger(logger),
	)
	if err != nil {
		logger.Fatalf("evaluator error: %v", err)
	}

	rollup, err := analyticsapp.NewRollup(deviceRepo, sampleRepo, summaryRepo,
		analyticsapp.WithLogger(logger),
	)
	if err != nil {
		logger.Fatalf("rollup error: %v", err)
	}

	summaryService, err := apihttp.NewSummaryReportService(siteRepo, deviceRepo, summaryRepo)
	if err != nil {
		logger.Fatalf("summary service error: %v", err)
	}

	ingestHandler, err := ingesthttp.NewIngestHandler(sampleRepo, deviceRepo, logger)
	if err != nil {
		logger.Fatalf("ingest handler error: %v", err)
	}
	rulesHandler, err := apihttp.NewRulesHandler(ruleRepo, alertEventRepo, evaluator)
	if err != nil {
		logger.Fatalf("rules handler error: %v", err)
	}

	sched, err := scheduler.NewScheduler(siteRepo, detector, evaluator, rollup,
		scheduler.WithConfig(engineCfg.Scheduler),
		scheduler.WithLogger(logger),
	)
	if err != nil {
		logger.Fatalf("scheduler error: %v", err)
	}
	go sched.Start(context.Background())

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, []string{"/ingest/"})
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)
	ingestAuth := auth.NewIngestAuthMiddleware([]byte(cfg.IngestSecret), time.Duration(cfg.IngestSkewSeconds)*time.Second)

	mux := http.NewServeMux()
	mux.Handle("/ingest/samples", ingestAuth.Wrap(ingestHandler))
	mux.Handle("/api/v1/events", apihttp.NewEventsHandler(eventRepo))
	mux.Handle("/api/v1/alerts", rulesHandler)
	mux.Handle("/api/v1/alerts/", rulesHandler)
	mux.Handle("/api/v1/detection/run", apihttp.NewRunDetectionHandler(detector))
	mux.Handle("/api/v1/evaluation/run", apihttp.NewRunEvaluationHandler(evaluator))
	mux.Handle("/api/v1/rollup/run", apihttp.NewRunRollupHandler(rollup))
	mux.Handle("/api/v1/summaries", apihttp.NewSummariesHandler(summaryService))
	mux.Handle("/api/v1/exports/summaries.xlsx", apihttp.NewExportSummariesHandler(summaryService))
	mux.Handle("/api/v1/exports/summaries.pdf", apihttp.NewExportSummariesHandler(summaryService))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(authMiddleware.Wrap(mux), logger)}
	logger.Printf("http listening on %s", cfg.HTTPAddr)
	logger.Fatal(server.ListenAndServe())
}

type appConfig struct {
	DatabaseURL       string
	HTTPAddr          string
	ScheduleTZ        string
	NotifyTemplate    string
	JWTSecret         string
	IngestSecret      string
	IngestSkewSeconds int
}

func loadConfig() appConfig {
	cfg := appConfig{
		DatabaseURL:       getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:          getenvDefault("HTTP_ADDR", ":8080"),
		ScheduleTZ:        getenvDefault("SCHEDULE_TZ", ""),
		NotifyTemplate:    getenvDefault("ALERT_NOTIFY_TEMPLATE", ""),
		JWTSecret:         getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		IngestSecret:      getenvDefault("INGEST_HMAC_SECRET", ""),
		IngestSkewSeconds: getenvIntDefault("INGEST_MAX_SKEW_SECONDS", 300),
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL or PG_DSN is required")
	}
	if cfg.JWTSecret == "" {
		log.Fatal("AUTH_JWT_SECRET is required")
	}
	if cfg.IngestSecret == "" {
		log.Fatal("INGEST_HMAC_SECRET is required")
	}
	return cfg
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
