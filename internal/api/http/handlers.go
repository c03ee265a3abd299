package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	alertapp "wattboard-cloud/internal/alerts/application"
	alerts "wattboard-cloud/internal/alerts/domain"
	analyticsapp "wattboard-cloud/internal/analytics/application"
	analytics "wattboard-cloud/internal/analytics/domain"
	analyticsifc "wattboard-cloud/internal/analytics/interfaces"
	detectapp "wattboard-cloud/internal/detection/application"
	detection "wattboard-cloud/internal/detection/domain"
	masterdata "wattboard-cloud/internal/masterdata/domain"
)

const timeLayout = time.RFC3339

// EventsHandler serves detected event queries.
type EventsHandler struct {
	events detection.EventRepository
}

// NewEventsHandler constructs an EventsHandler.
func NewEventsHandler(events detection.EventRepository) *EventsHandler {
	return &EventsHandler{events: events}
}

// ServeHTTP handles GET /api/v1/events.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.events == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	siteID, err := parseSiteID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	from, to, err := parseTimeRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	list, err := h.events.ListBySite(r.Context(), siteID, from, to)
	if err != nil {
		http.Error(w, "query events error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, list)
}

// RulesHandler serves alert rule listing and creation, including subroutes
// for snooze and firing history.
type RulesHandler struct {
	rules       alerts.RuleRepository
	alertEvents alerts.AlertEventRepository
	evaluator   *alertapp.Evaluator
}

// NewRulesHandler constructs a RulesHandler.
func NewRulesHandler(rules alerts.RuleRepository, alertEvents alerts.AlertEventRepository, evaluator *alertapp.Evaluator) (*RulesHandler, error) {
	if rules == nil {
		return nil, errors.New("rules handler: nil rule repository")
	}
	if alertEvents == nil {
		return nil, errors.New("rules handler: nil alert event repository")
	}
	if evaluator == nil {
		return nil, errors.New("rules handler: nil evaluator")
	}
	return &RulesHandler{rules: rules, alertEvents: alertEvents, evaluator: evaluator}, nil
}

// ServeHTTP handles /api/v1/alerts and subroutes.
func (h *RulesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/v1/alerts":
		switch r.Method {
		case http.MethodGet:
			h.handleList(w, r)
		case http.MethodPost:
			h.handleCreate(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case strings.HasPrefix(r.URL.Path, "/api/v1/alerts/"):
		h.handleSubroute(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *RulesHandler) handleList(w http.ResponseWriter, r *http.Request) {
	siteID, err := parseSiteID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	list, err := h.rules.ListEnabledBySite(r.Context(), siteID)
	if err != nil {
		http.Error(w, "query rules error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, toRuleViews(list))
}

type createRuleRequest struct {
	SiteID int64  `json:"site_id"`
	Name   string `json:"name"`

	// Preset construction, mutually exclusive with Config.
	Preset          string  `json:"preset,omitempty"`
	DeviceIDs       []int64 `json:"device_ids,omitempty"`
	Threshold       float64 `json:"threshold,omitempty"`
	DurationMinutes int     `json:"duration_minutes,omitempty"`

	// Full rule configuration in the stored JSON shape.
	Config   json.RawMessage  `json:"config,omitempty"`
	Schedule *alerts.Schedule `json:"schedule,omitempty"`
}

func (h *RulesHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.SiteID == 0 {
		http.Error(w, "site_id is required", http.StatusBadRequest)
		return
	}

	var rule alerts.AlertRule
	switch {
	case req.Preset != "":
		built, err := alerts.NewPresetRule(req.Preset, req.SiteID, req.DeviceIDs, req.Threshold, req.DurationMinutes, req.Schedule)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rule = built
		if req.Name != "" {
			rule.Name = req.Name
		}
	case len(req.Config) > 0:
		rule = alerts.AlertRule{SiteID: req.SiteID, Name: req.Name, Enabled: true}
		if err := alerts.DecodeRuleConfig(&rule, req.Config); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	default:
		http.Error(w, "preset or config is required", http.StatusBadRequest)
		return
	}

	if err := h.rules.Create(r.Context(), &rule); err != nil {
		http.Error(w, "create rule error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(toRuleView(rule))
}

func (h *RulesHandler) handleSubroute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/alerts/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id == 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch parts[1] {
	case "snooze":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleSnooze(w, r, id)
	case "events":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleAlertEvents(w, r, id)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type snoozeRequest struct {
	Until string `json:"until"`
}

func (h *RulesHandler) handleSnooze(w http.ResponseWriter, r *http.Request, id int64) {
	var req snoozeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	until, err := time.Parse(timeLayout, req.Until)
	if err != nil {
		http.Error(w, "until must be RFC3339", http.StatusBadRequest)
		return
	}
	if err := h.evaluator.Snooze(r.Context(), id, until); err != nil {
		if errors.Is(err, alerts.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"alert_id": id, "snoozed_until": until.UTC().Format(timeLayout)})
}

func (h *RulesHandler) handleAlertEvents(w http.ResponseWriter, r *http.Request, id int64) {
	from, to, err := parseTimeRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	list, err := h.alertEvents.ListByAlert(r.Context(), id, from, to)
	if err != nil {
		http.Error(w, "query alert events error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, list)
}

// ruleView is the API shape of a rule, with the type-specific parameters
// re-encoded into their wire form.
type ruleView struct {
	ID          int64           `json:"id"`
	SiteID      int64           `json:"site_id"`
	Name        string          `json:"name"`
	Enabled     bool            `json:"enabled"`
	Config      json.RawMessage `json:"config"`
	LastFiredAt string          `json:"last_fired_at,omitempty"`
	CreatedAt   string          `json:"created_at,omitempty"`
}

func toRuleView(rule alerts.AlertRule) ruleView {
	raw, err := alerts.EncodeRuleConfig(rule)
	if err != nil {
		raw = []byte("{}")
	}
	view := ruleView{
		ID:      rule.ID,
		SiteID:  rule.SiteID,
		Name:    rule.Name,
		Enabled: rule.Enabled,
		Config:  raw,
	}
	if !rule.LastFiredAt.IsZero() {
		view.LastFiredAt = rule.LastFiredAt.UTC().Format(timeLayout)
	}
	if !rule.CreatedAt.IsZero() {
		view.CreatedAt = rule.CreatedAt.UTC().Format(timeLayout)
	}
	return view
}

func toRuleViews(rules []alerts.AlertRule) []ruleView {
	views := make([]ruleView, 0, len(rules))
	for _, rule := range rules {
		views = append(views, toRuleView(rule))
	}
	return views
}

// RunDetectionHandler triggers an on-demand detection pass.
type RunDetectionHandler struct {
	detector *detectapp.Detector
}

// NewRunDetectionHandler constructs a RunDetectionHandler.
func NewRunDetectionHandler(detector *detectapp.Detector) *RunDetectionHandler {
	return &RunDetectionHandler{detector: detector}
}

// ServeHTTP handles POST /api/v1/detection/run.
func (h *RunDetectionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.detector == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	siteID, err := parseSiteID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	from, to, err := parseOptionalTimeRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	count, err := h.detector.Detect(r.Context(), siteID, from, to)
	if err != nil {
		http.Error(w, "detection error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"site_id": siteID, "events": count})
}

// RunEvaluationHandler triggers an on-demand evaluation pass.
type RunEvaluationHandler struct {
	evaluator *alertapp.Evaluator
}

// NewRunEvaluationHandler constructs a RunEvaluationHandler.
func NewRunEvaluationHandler(evaluator *alertapp.Evaluator) *RunEvaluationHandler {
	return &RunEvaluationHandler{evaluator: evaluator}
}

// ServeHTTP handles POST /api/v1/evaluation/run.
func (h *RunEvaluationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.evaluator == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	siteID, err := parseSiteID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	report, err := h.evaluator.Evaluate(r.Context(), siteID)
	if err != nil {
		http.Error(w, "evaluation error", http.StatusInternalServerError)
		return
	}
	fired := make([]map[string]any, 0, len(report.Fired))
	for _, f := range report.Fired {
		fired = append(fired, map[string]any{
			"rule_id": f.RuleID,
			"name":    f.RuleName,
			"type":    f.Kind,
			"payload": f.Payload,
		})
	}
	ruleErrors := make([]map[string]any, 0, len(report.Errors))
	for _, e := range report.Errors {
		ruleErrors = append(ruleErrors, map[string]any{"rule_id": e.RuleID, "error": e.Err.Error()})
	}
	writeJSON(w, map[string]any{"site_id": siteID, "fired": fired, "errors": ruleErrors})
}

// RunRollupHandler triggers an on-demand daily rollup pass.
type RunRollupHandler struct {
	rollup *analyticsapp.Rollup
}

// NewRunRollupHandler constructs a RunRollupHandler.
func NewRunRollupHandler(rollup *analyticsapp.Rollup) *RunRollupHandler {
	return &RunRollupHandler{rollup: rollup}
}

// ServeHTTP handles POST /api/v1/rollup/run.
func (h *RunRollupHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.rollup == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	siteID, err := parseSiteID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rows, err := h.rollup.Run(r.Context(), siteID)
	if err != nil {
		http.Error(w, "rollup error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"site_id": siteID, "rows": rows})
}

// SummaryProvider assembles a site's daily rollup report.
type SummaryProvider interface {
	SummaryReport(ctx context.Context, siteID int64, from, to time.Time) (analyticsifc.SummaryReport, error)
}

// SummariesHandler serves daily summary queries.
type SummariesHandler struct {
	provider SummaryProvider
}

// NewSummariesHandler constructs a SummariesHandler.
func NewSummariesHandler(provider SummaryProvider) *SummariesHandler {
	return &SummariesHandler{provider: provider}
}

// ServeHTTP handles GET /api/v1/summaries.
func (h *SummariesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.provider == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	siteID, err := parseSiteID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	from, to, err := parseTimeRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	report, err := h.provider.SummaryReport(r.Context(), siteID, from, to)
	if err != nil {
		if errors.Is(err, ErrSiteNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		http.Error(w, "query summaries error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, report.Summaries)
}

// ExportSummariesHandler serves daily summary exports as XLSX or PDF.
type ExportSummariesHandler struct {
	provider SummaryProvider
}

// NewExportSummariesHandler constructs an ExportSummariesHandler.
func NewExportSummariesHandler(provider SummaryProvider) *ExportSummariesHandler {
	return &ExportSummariesHandler{provider: provider}
}

// ServeHTTP handles GET /api/v1/exports/summaries.{xlsx,pdf}.
func (h *ExportSummariesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.provider == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	siteID, err := parseSiteID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	from, to, err := parseTimeRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	report, err := h.provider.SummaryReport(r.Context(), siteID, from, to)
	if err != nil {
		if errors.Is(err, ErrSiteNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		http.Error(w, "query summaries error", http.StatusInternalServerError)
		return
	}

	switch {
	case strings.HasSuffix(r.URL.Path, ".xlsx"):
		data, err := analyticsifc.BuildSummaryXLSX(report)
		if err != nil {
			http.Error(w, "export error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="summaries.xlsx"`)
		_, _ = w.Write(data)
	case strings.HasSuffix(r.URL.Path, ".pdf"):
		data, err := analyticsifc.BuildSummaryPDF(report)
		if err != nil {
			http.Error(w, "export error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="summaries.pdf"`)
		_, _ = w.Write(data)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// ErrSiteNotFound is returned by summary providers for unknown sites.
var ErrSiteNotFound = errors.New("site not found")

// SummaryReportService builds SummaryReport values from repositories.
type SummaryReportService struct {
	sites     masterdata.SiteRepository
	devices   masterdata.DeviceRepository
	summaries SummaryLister
}

// SummaryLister reads stored daily rollups.
type SummaryLister interface {
	ListByDevices(ctx context.Context, deviceIDs []int64, from, to time.Time) ([]analytics.DailySummary, error)
}

// NewSummaryReportService constructs a SummaryReportService.
func NewSummaryReportService(sites masterdata.SiteRepository, devices masterdata.DeviceRepository, summaries SummaryLister) (*SummaryReportService, error) {
	if sites == nil {
		return nil, errors.New("summary service: nil site repository")
	}
	if devices == nil {
		return nil, errors.New("summary service: nil device repository")
	}
	if summaries == nil {
		return nil, errors.New("summary service: nil summary repository")
	}
	return &SummaryReportService{sites: sites, devices: devices, summaries: summaries}, nil
}

// SummaryReport loads the site, its devices and their rollups for the range.
func (s *SummaryReportService) SummaryReport(ctx context.Context, siteID int64, from, to time.Time) (analyticsifc.SummaryReport, error) {
	site, err := s.sites.Get(ctx, siteID)
	if err != nil {
		return analyticsifc.SummaryReport{}, err
	}
	if site == nil {
		return analyticsifc.SummaryReport{}, ErrSiteNotFound
	}
	devices, err := s.devices.ListBySite(ctx, siteID, false)
	if err != nil {
		return analyticsifc.SummaryReport{}, err
	}
	report := analyticsifc.SummaryReport{
		Site:        *site,
		From:        from,
		To:          to,
		DeviceNames: make(map[int64]string, len(devices)),
	}
	if len(devices) == 0 {
		return report, nil
	}
	ids := make([]int64, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.ID)
		report.DeviceNames[d.ID] = d.Name
	}
	summaries, err := s.summaries.ListByDevices(ctx, ids, from, to)
	if err != nil {
		return analyticsifc.SummaryReport{}, err
	}
	report.Summaries = summaries
	return report, nil
}

func parseSiteID(r *http.Request) (int64, error) {
	value := r.URL.Query().Get("site_id")
	if value == "" {
		return 0, errors.New("site_id is required")
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("site_id must be a positive integer")
	}
	return id, nil
}

func parseTimeRange(r *http.Request) (time.Time, time.Time, error) {
	from, err := parseTimeQuery(r, "from")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := parseTimeQuery(r, "to")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, errors.New("to must be after from")
	}
	return from, to, nil
}

// parseOptionalTimeRange returns zero times when from/to are omitted.
func parseOptionalTimeRange(r *http.Request) (time.Time, time.Time, error) {
	var from, to time.Time
	var err error
	if r.URL.Query().Get("from") != "" {
		from, err = parseTimeQuery(r, "from")
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	if r.URL.Query().Get("to") != "" {
		to, err = parseTimeQuery(r, "to")
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	if !from.IsZero() && !to.IsZero() && !to.After(from) {
		return time.Time{}, time.Time{}, errors.New("to must be after from")
	}
	return from, to, nil
}

func parseTimeQuery(r *http.Request, key string) (time.Time, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return time.Time{}, errors.New(key + " is required")
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC3339")
	}
	return parsed.UTC(), nil
}

func writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(value)
}
