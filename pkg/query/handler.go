package query

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"

	"github.com/nicktill/tinyfarm/pkg/config"
	"github.com/nicktill/tinyfarm/pkg/httpx"
	"github.com/nicktill/tinyfarm/pkg/quality"
	"github.com/nicktill/tinyfarm/pkg/sampling"
	"github.com/nicktill/tinyfarm/pkg/sensor"
	"github.com/nicktill/tinyfarm/pkg/storage"
	"github.com/nicktill/tinyfarm/pkg/upstream"
)

const defaultJobLimit = 50

// HealthReporter produces the pipeline health summary
type HealthReporter interface {
	Health(ctx context.Context, now time.Time) (*quality.SystemHealth, error)
}

// Handler serves the read API
type Handler struct {
	svc    *Service
	health HealthReporter
	clock  clockwork.Clock
}

// NewHandler creates a read API handler. health may be nil.
func NewHandler(svc *Service, health HealthReporter) *Handler {
	return &Handler{svc: svc, health: health, clock: svc.clock}
}

// historyResponse replaces the optional values with a sentinel when the
// client asked for one.
type historyResponse struct {
	HistoricalResult
	Values []float64 `json:"values"`
}

// HandleLatest handles GET /v1/latest?farm=&sensor_id=a,b
func (h *Handler) HandleLatest(w http.ResponseWriter, r *http.Request) {
	f := Filter{
		Farm:      httpx.IntParam(r, "farm", 0, 0, 0),
		SensorIDs: splitList(r.URL.Query().Get("sensor_id")),
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	values, err := h.svc.GetLatestValues(ctx, f)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, values)
}

// HandleHistory handles GET /v1/history?sensor_id=&start=&end=&max_points=&level=&missing=
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sensorID := q.Get("sensor_id")
	if sensorID == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "sensor_id parameter is required")
		return
	}

	start, end, err := h.timeRange(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := ParseLevel(q.Get("level")); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	sentinel, err := missingParam(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	maxPoints := httpx.IntParam(r, "max_points", config.DefaultMaxPoints, 1, config.MaxPointsLimit)

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	res := h.svc.GetHistoricalData(ctx, sensorID, start, end, maxPoints, q.Get("level"))
	status := http.StatusOK
	if res.NotFound {
		status = http.StatusNotFound
	}
	httpx.RespondJSON(w, status, render(res, sentinel))
}

// HandleHistoryMulti handles GET /v1/history/multi?sensor_id=a,b&start=&end=&max_points=&missing=
func (h *Handler) HandleHistoryMulti(w http.ResponseWriter, r *http.Request) {
	ids := splitList(r.URL.Query().Get("sensor_id"))
	if len(ids) == 0 {
		httpx.RespondErrorString(w, http.StatusBadRequest, "sensor_id parameter is required")
		return
	}

	start, end, err := h.timeRange(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	sentinel, err := missingParam(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	maxPoints := httpx.IntParam(r, "max_points", config.ChartMaxPoints, 1, config.MaxPointsLimit)

	results := h.svc.GetMultipleSensorsData(r.Context(), ids, start, end, maxPoints)
	out := make(map[string]any, len(results))
	for id, res := range results {
		out[id] = render(res, sentinel)
	}
	httpx.RespondJSON(w, http.StatusOK, out)
}

// HandleCharts handles GET /v1/charts
func (h *Handler) HandleCharts(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, h.svc.Charts())
}

// HandleChart handles GET /v1/charts/{chart}?start_date=&end_date=&max_points=&missing=
func (h *Handler) HandleChart(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["chart"]

	start, end, err := h.dateRange(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	sentinel, err := missingParam(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	maxPoints := httpx.IntParam(r, "max_points", config.ChartMaxPoints, 1, config.MaxPointsLimit)

	res, err := h.svc.GetChartData(r.Context(), name, start, end, maxPoints)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrChartNotFound) {
			status = http.StatusNotFound
		}
		httpx.RespondError(w, status, err)
		return
	}

	series := make(map[string]any, len(res.Series))
	for k, s := range res.Series {
		series[k] = render(s, sentinel)
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"chart":  res.Chart,
		"start":  res.Start,
		"end":    res.End,
		"series": series,
	})
}

// HandleSensors handles GET /v1/sensors?farm=&type=&active=
func (h *Handler) HandleSensors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := sensor.Filter{
		Farm:       httpx.IntParam(r, "farm", 0, 0, 0),
		TypeCode:   q.Get("type"),
		ActiveOnly: q.Get("active") == "true",
	}
	httpx.RespondJSON(w, http.StatusOK, h.svc.Sensors(f))
}

// HandleQuality handles GET /v1/quality?date=&sensor_id=
func (h *Handler) HandleQuality(w http.ResponseWriter, r *http.Request) {
	date := h.clock.Now().In(h.svc.Location()).AddDate(0, 0, -1)
	if v := r.URL.Query().Get("date"); v != "" {
		d, err := time.ParseInLocation(time.DateOnly, v, h.svc.Location())
		if err != nil {
			httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid date %q, expected YYYY-MM-DD", v))
			return
		}
		date = d
	}

	recs, err := h.svc.QualityRecords(r.Context(), date, r.URL.Query().Get("sensor_id"))
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"date":    date.Format(time.DateOnly),
		"records": recs,
	})
}

// HandleJobs handles GET /v1/jobs?tier=&limit=
func (h *Handler) HandleJobs(w http.ResponseWriter, r *http.Request) {
	var tier storage.Tier
	if v := r.URL.Query().Get("tier"); v != "" {
		t, ok := storage.ParseTier(v)
		if !ok {
			httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("unknown tier %q", v))
			return
		}
		tier = t
	}
	limit := httpx.IntParam(r, "limit", defaultJobLimit, 1, 1000)

	jobs, err := h.svc.Jobs(r.Context(), tier, limit)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, jobs)
}

// HandleSystemHealth handles GET /v1/system/health
func (h *Handler) HandleSystemHealth(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		httpx.RespondErrorString(w, http.StatusServiceUnavailable, "health reporting is not configured")
		return
	}
	sh, err := h.health.Health(r.Context(), h.clock.Now())
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, sh)
}

// timeRange reads start and end, defaulting to the trailing day.
func (h *Handler) timeRange(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	loc := h.svc.Location()

	end := h.clock.Now()
	if v := q.Get("end"); v != "" {
		t, err := upstream.ParseTimestamp(v, loc)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end: %w", err)
		}
		end = t
	}
	start := end.Add(-config.DefaultHistoryWindow)
	if v := q.Get("start"); v != "" {
		t, err := upstream.ParseTimestamp(v, loc)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start: %w", err)
		}
		start = t
	}

	if !start.Before(end) {
		return time.Time{}, time.Time{}, errors.New("start must be before end")
	}
	if end.Sub(start) > config.MaxQueryWindow {
		return time.Time{}, time.Time{}, fmt.Errorf("range exceeds %s", config.MaxQueryWindow)
	}
	return start, end, nil
}

// dateRange reads start_date and end_date as whole local days. Both default
// to today; the returned end is exclusive.
func (h *Handler) dateRange(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	loc := h.svc.Location()
	now := h.clock.Now().In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	parse := func(name string) (time.Time, error) {
		v := q.Get(name)
		if v == "" {
			return today, nil
		}
		d, err := time.ParseInLocation(time.DateOnly, v, loc)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid %s %q, expected YYYY-MM-DD", name, v)
		}
		return d, nil
	}

	start, err := parse("start_date")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	last, err := parse("end_date")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if last.Before(start) {
		return time.Time{}, time.Time{}, errors.New("start_date must not be after end_date")
	}
	end := last.AddDate(0, 0, 1)
	if end.Sub(start) > config.MaxQueryWindow {
		return time.Time{}, time.Time{}, fmt.Errorf("range exceeds %s", config.MaxQueryWindow)
	}
	return start, end, nil
}

// missingParam reads ?missing=, the placeholder for absent values.
func missingParam(r *http.Request) (*float64, error) {
	v := r.URL.Query().Get("missing")
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid missing value %q", v)
	}
	return &f, nil
}

func render(res HistoricalResult, sentinel *float64) any {
	if sentinel == nil {
		return res
	}
	return historyResponse{HistoricalResult: res, Values: sampling.WithSentinel(res.Values, *sentinel)}
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
