package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"

	"github.com/nicktill/tinyfarm/pkg/cache"
	"github.com/nicktill/tinyfarm/pkg/ingest"
	"github.com/nicktill/tinyfarm/pkg/query"
	"github.com/nicktill/tinyfarm/pkg/server"
	"github.com/nicktill/tinyfarm/pkg/storage"
	"github.com/nicktill/tinyfarm/pkg/storage/badger"
	"github.com/nicktill/tinyfarm/pkg/storage/memory"
)

var now = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

// setup wires the shipped sensor registry around store, the same way main does.
func setup(t *testing.T, store storage.Storage) (*server.Services, *mux.Router) {
	t.Helper()

	cfg := server.Config{
		DataDir:               t.TempDir(),
		MaxStorageGB:          1,
		RegistryPath:          "../../configs/sensors.yaml",
		Location:              time.UTC,
		ExpectedSamplesPerDay: 1440,
		Port:                  "8080",
	}
	registry, err := server.InitializeRegistry(cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("Failed to load shipped registry: %v", err)
	}

	c := cache.NewMemory(0)
	services := server.InitializeServices(cfg, store, registry, c, clockwork.NewFakeClockAt(now), nil)
	t.Cleanup(func() {
		services.Close()
		c.Close()
	})

	router := mux.NewRouter()
	server.SetupRoutes(router, services, clockwork.NewFakeClockAt(now), cfg.Port)
	return services, router
}

func do(router http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// pushHour posts six readings of the EC gateway, one every 10 minutes of the
// hour before now.
func pushHour(t *testing.T, router http.Handler) ingest.IngestResponse {
	t.Helper()
	var records []ingest.IngestRecord
	for i := 0; i < 6; i++ {
		ts := now.Add(-time.Hour + time.Duration(i)*10*time.Minute)
		records = append(records, ingest.IngestRecord{
			Datetime: ts.Format(time.RFC3339),
			Data:     map[string]any{"conduct": 1.234, "temp": 22.46},
		})
	}
	body, _ := json.Marshal(ingest.IngestRequest{APISensorID: "EC", Records: records})

	w := do(router, http.MethodPost, "/v1/ingest", body)
	if w.Code != http.StatusOK {
		t.Fatalf("Ingest failed with status %d: %s", w.Code, w.Body.String())
	}
	var resp ingest.IngestResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode ingest response: %v", err)
	}
	return resp
}

func TestE2E_IngestAndQuery(t *testing.T) {
	store := memory.New()
	defer store.Close()
	services, router := setup(t, store)

	resp := pushHour(t, router)
	// One gateway feeds both EC channels
	if resp.Count != 12 {
		t.Errorf("Expected 12 samples ingested, got %d", resp.Count)
	}
	if len(resp.Sensors) != 2 {
		t.Errorf("Expected 2 sensors updated, got %v", resp.Sensors)
	}
	if err := services.Batcher.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	w := do(router, http.MethodGet, "/v1/latest?sensor_id=EC_temp,EC_conduct", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Latest failed with status %d: %s", w.Code, w.Body.String())
	}
	var latest map[string]query.LatestView
	if err := json.NewDecoder(w.Body).Decode(&latest); err != nil {
		t.Fatalf("Failed to decode latest: %v", err)
	}
	if v := latest["EC_temp"].Value; v == nil || *v != 22.5 {
		t.Errorf("Expected EC_temp latest 22.5, got %v", v)
	}

	params := url.Values{
		"sensor_id": {"EC_temp"},
		"start":     {now.Add(-time.Hour).Format(time.RFC3339)},
		"end":       {now.Format(time.RFC3339)},
	}
	w = do(router, http.MethodGet, "/v1/history?"+params.Encode(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("History failed with status %d: %s", w.Code, w.Body.String())
	}
	var hist query.HistoricalResult
	if err := json.NewDecoder(w.Body).Decode(&hist); err != nil {
		t.Fatalf("Failed to decode history: %v", err)
	}
	if hist.AggregationLevel != storage.TierRaw || hist.TotalPoints != 6 {
		t.Errorf("Expected 6 raw points, got %d at %q", hist.TotalPoints, hist.AggregationLevel)
	}
}

func TestE2E_AggregateAndHistory(t *testing.T) {
	store := memory.New()
	defer store.Close()
	services, router := setup(t, store)

	pushHour(t, router)
	ctx := context.Background()
	if err := services.Batcher.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	start := now.Add(-time.Hour)
	for _, tier := range []storage.Tier{storage.Tier5m, storage.TierHourly} {
		job, err := services.Compactor.RunJob(ctx, tier, start, now, []string{"EC_temp"})
		if err != nil {
			t.Fatalf("%s job failed: %v", tier, err)
		}
		if job.Status != storage.JobCompleted || job.RecordsCreated == 0 {
			t.Errorf("%s job = %s with %d records", tier, job.Status, job.RecordsCreated)
		}
	}

	params := url.Values{
		"sensor_id": {"EC_temp"},
		"start":     {start.Format(time.RFC3339)},
		"end":       {now.Format(time.RFC3339)},
		"level":     {"hourly"},
	}
	w := do(router, http.MethodGet, "/v1/history?"+params.Encode(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("History failed with status %d: %s", w.Code, w.Body.String())
	}
	var hist query.HistoricalResult
	if err := json.NewDecoder(w.Body).Decode(&hist); err != nil {
		t.Fatalf("Failed to decode history: %v", err)
	}
	if len(hist.Values) != 1 || hist.Values[0] == nil || *hist.Values[0] != 22.5 {
		t.Errorf("Expected one hourly point of 22.5, got %v", hist.Values)
	}

	w = do(router, http.MethodGet, "/v1/jobs", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "completed") {
		t.Errorf("Jobs listing failed with status %d: %s", w.Code, w.Body.String())
	}
}

func TestE2E_BadgerRoundTrip(t *testing.T) {
	store, err := badger.New(badger.Config{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer store.Close()
	services, router := setup(t, store)

	pushHour(t, router)
	if err := services.Batcher.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	samples, err := store.QuerySamples(context.Background(), storage.QueryRequest{
		SensorID: "EC_conduct",
		Start:    now.Add(-time.Hour),
		End:      now,
	})
	if err != nil {
		t.Fatalf("QuerySamples failed: %v", err)
	}
	if len(samples) != 6 {
		t.Errorf("Expected 6 samples in badger, got %d", len(samples))
	}
	if err := store.RunGC(0.5); err != nil {
		t.Logf("GC: %v", err)
	}
}

func TestE2E_InvalidRequests(t *testing.T) {
	store := memory.New()
	defer store.Close()
	_, router := setup(t, store)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{
			name:       "invalid JSON",
			method:     http.MethodPost,
			path:       "/v1/ingest",
			body:       "{invalid json}",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown gateway",
			method:     http.MethodPost,
			path:       "/v1/ingest",
			body:       `{"api_sensor_id":"nope","records":[{"datetime":"2024-06-10T11:00:00Z","data":{"x":1}}]}`,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "bad datetime",
			method:     http.MethodPost,
			path:       "/v1/ingest",
			body:       `{"api_sensor_id":"EC","records":[{"datetime":"yesterday","data":{"temp":1}}]}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "history without sensor",
			method:     http.MethodGet,
			path:       "/v1/history",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown sensor",
			method:     http.MethodGet,
			path:       "/v1/history?sensor_id=nope",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(router, tt.method, tt.path, []byte(tt.body))
			if w.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	for level, debug := range map[string]bool{"debug": true, "info": false, "": false} {
		log := newLogger(level)
		if got := log.Enabled(context.Background(), slog.LevelDebug); got != debug {
			t.Errorf("newLogger(%q) debug enabled = %v", level, got)
		}
	}
}
