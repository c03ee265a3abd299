package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"wattboard-cloud/internal/observability/metrics"
	telemetry "wattboard-cloud/internal/telemetry/domain"
)

// DeviceTracker records when a device was last heard from.
type DeviceTracker interface {
	TouchLastSeen(ctx context.Context, deviceID int64, seenAt time.Time) error
}

// IngestHandler accepts batched sample uploads from site gateways.
type IngestHandler struct {
	repo    telemetry.SampleRepository
	devices DeviceTracker
	logger  *log.Logger
}

// NewIngestHandler constructs an ingest handler.
func NewIngestHandler(repo telemetry.SampleRepository, devices DeviceTracker, logger *log.Logger) (*IngestHandler, error) {
	if repo == nil {
		return nil, errors.New("sample ingest: nil repository")
	}
	if devices == nil {
		return nil, errors.New("sample ingest: nil device tracker")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &IngestHandler{repo: repo, devices: devices, logger: logger}, nil
}

// ServeHTTP ingests samples. Duplicate (device, key, ts) points are dropped
// by the store; the response reports how many rows were actually written.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		metrics.IncIngest(metrics.ResultError)
		h.logger.Printf("sample ingest: read body error: %v", err)
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req ingestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		metrics.IncIngest(metrics.ResultError)
		h.logger.Printf("sample ingest: decode error: %v", err)
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	samples, err := req.toSamples()
	if err != nil {
		metrics.IncIngest(metrics.ResultError)
		h.logger.Printf("sample ingest: invalid payload: %v", err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	inserted, err := h.repo.InsertSamples(r.Context(), samples)
	if err != nil {
		metrics.IncIngest(metrics.ResultError)
		h.logger.Printf("sample ingest: insert error: %v", err)
		http.Error(w, "insert error", http.StatusInternalServerError)
		return
	}
	metrics.IncIngest(metrics.ResultSuccess)

	// Advance last_seen_at per device so silence tracking stays current.
	// Failures here do not fail the upload; the samples are already stored.
	for deviceID, seenAt := range latestPerDevice(samples) {
		if err := h.devices.TouchLastSeen(r.Context(), deviceID, seenAt); err != nil {
			h.logger.Printf("sample ingest: touch last seen device=%d: %v", deviceID, err)
		}
	}

	resp := map[string]any{"received": len(samples), "inserted": inserted}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}

func latestPerDevice(samples []telemetry.Sample) map[int64]time.Time {
	latest := make(map[int64]time.Time, 1)
	for _, sample := range samples {
		if sample.TS.After(latest[sample.DeviceID]) {
			latest[sample.DeviceID] = sample.TS
		}
	}
	return latest
}

type ingestRequest struct {
	DeviceID int64              `json:"device_id"`
	TS       int64              `json:"ts"`
	Values   map[string]float64 `json:"values"`
	Points   []ingestPoint      `json:"points"`
}

type ingestPoint struct {
	DeviceID int64              `json:"device_id"`
	TS       int64              `json:"ts"`
	Values   map[string]float64 `json:"values"`
}

func (r ingestRequest) toSamples() ([]telemetry.Sample, error) {
	points := r.Points
	if len(points) == 0 && r.TS != 0 {
		points = []ingestPoint{{DeviceID: r.DeviceID, TS: r.TS, Values: r.Values}}
	}
	if len(points) == 0 {
		return nil, errors.New("no sample points")
	}

	samples := make([]telemetry.Sample, 0, len(points))
	for _, point := range points {
		deviceID := point.DeviceID
		if deviceID == 0 {
			deviceID = r.DeviceID
		}
		if deviceID == 0 {
			return nil, errors.New("missing device_id")
		}
		ts, err := parseTimestamp(point.TS)
		if err != nil {
			return nil, err
		}
		if len(point.Values) == 0 {
			return nil, errors.New("empty values")
		}
		for key, value := range point.Values {
			samples = append(samples, telemetry.Sample{
				DeviceID: deviceID,
				Key:      key,
				TS:       ts,
				Value:    value,
			})
		}
	}
	return samples, nil
}

func parseTimestamp(value int64) (time.Time, error) {
	if value <= 0 {
		return time.Time{}, errors.New("invalid ts")
	}
	// Accept milliseconds or seconds.
	if value > 1_000_000_000_000 {
		return time.UnixMilli(value).UTC(), nil
	}
	return time.Unix(value, 0).UTC(), nil
}
