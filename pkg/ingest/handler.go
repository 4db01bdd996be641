package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nicktill/tinyfarm/pkg/config"
	"github.com/nicktill/tinyfarm/pkg/httpx"
	"github.com/nicktill/tinyfarm/pkg/sensor"
	"github.com/nicktill/tinyfarm/pkg/upstream"
)

// StorageChecker reports disk usage against the configured limit
type StorageChecker interface {
	GetUsage() (int64, error)
	GetLimit() int64
}

// Handler serves the push ingest endpoint. Gateways that cannot be polled
// post records in the same shape the upstream history API returns.
type Handler struct {
	registry *sensor.Registry
	norm     *Normalizer
	loc      *time.Location
	checker  StorageChecker
	log      *slog.Logger
}

// NewHandler creates a push ingest handler. Naive datetimes are read in loc.
func NewHandler(registry *sensor.Registry, norm *Normalizer, loc *time.Location, log *slog.Logger) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{registry: registry, norm: norm, loc: loc, log: log}
}

// SetStorageChecker enables rejecting writes once storage is full
func (h *Handler) SetStorageChecker(c StorageChecker) {
	h.checker = c
}

// IngestRecord is one pushed reading
type IngestRecord struct {
	Datetime string         `json:"datetime"`
	Data     map[string]any `json:"data"`
}

// IngestRequest represents the request payload
type IngestRequest struct {
	SensorID    string         `json:"sensor_id,omitempty"`
	APISensorID string         `json:"api_sensor_id,omitempty"`
	Records     []IngestRecord `json:"records"`
}

// IngestResponse represents the response payload
type IngestResponse struct {
	Status  string           `json:"status"`
	Count   int              `json:"count"`
	Sensors map[string]Stats `json:"sensors"`
}

// HandleIngest handles POST /v1/ingest
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	if h.checker != nil {
		used, err := h.checker.GetUsage()
		if err == nil && h.checker.GetLimit() > 0 && used >= h.checker.GetLimit() {
			httpx.RespondError(w, http.StatusInsufficientStorage, ErrStorageFull)
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, config.MaxIngestBodyBytes)

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.RespondError(w, http.StatusRequestEntityTooLarge, ErrBodyTooLarge)
			return
		}
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if err := ValidateRequest(req); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	records := make([]upstream.Record, 0, len(req.Records))
	for i, rec := range req.Records {
		ts, err := upstream.ParseTimestamp(rec.Datetime, h.loc)
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("record %d: %w", i, err))
			return
		}
		records = append(records, upstream.Record{Timestamp: ts, Data: rec.Data})
	}

	var targets []sensor.Sensor
	if req.SensorID != "" {
		s, err := h.registry.Get(req.SensorID)
		if err != nil {
			httpx.RespondError(w, http.StatusNotFound, err)
			return
		}
		targets = []sensor.Sensor{s}
	} else {
		targets = h.registry.ByAPISensor(req.APISensorID)
		if len(targets) == 0 {
			httpx.RespondError(w, http.StatusNotFound, fmt.Errorf("%w: api sensor %s", sensor.ErrSensorNotFound, req.APISensorID))
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.IngestTimeout)
	defer cancel()

	resp := IngestResponse{Status: "success", Sensors: make(map[string]Stats, len(targets))}
	for _, s := range targets {
		stats, err := h.norm.Ingest(ctx, s.ID, records)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, context.DeadlineExceeded) {
				status = http.StatusGatewayTimeout
			}
			h.log.Error("Push ingest failed", "sensor_id", s.ID, "error", err)
			httpx.RespondError(w, status, err)
			return
		}
		resp.Sensors[s.ID] = stats
		resp.Count += stats.Total()
	}

	httpx.RespondJSON(w, http.StatusOK, resp)
}
