package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nicktill/tinyfarm/pkg/httpx"
	"github.com/nicktill/tinyfarm/pkg/query"
	"github.com/nicktill/tinyfarm/pkg/server/monitor"
)

// Version is reported by /v1/health. Set by LDFLAGS.
var Version = "dev"

// StorageUsage represents current storage usage stats.
type StorageUsage struct {
	UsedBytes int64 `json:"used_bytes"`
	MaxBytes  int64 `json:"max_bytes"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string               `json:"status"`
	Version string               `json:"version"`
	Uptime  string               `json:"uptime"`
	Sensors int                  `json:"sensors"`
	Tasks   []monitor.TaskStatus `json:"tasks"`
}

// handleHealth returns service health status.
func handleHealth(s *Services, clock clockwork.Clock, started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		code := http.StatusOK
		if !s.TaskMonitor.IsHealthy() {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		httpx.RespondJSON(w, code, HealthResponse{
			Status:  status,
			Version: Version,
			Uptime:  clock.Since(started).Round(time.Second).String(),
			Sensors: s.Registry.Len(),
			Tasks:   s.TaskMonitor.Status(),
		})
	}
}

// handleStorageUsage returns current storage usage.
func handleStorageUsage(m *monitor.StorageMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		usedBytes, err := m.GetUsage()
		if err != nil {
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}
		httpx.RespondJSON(w, http.StatusOK, StorageUsage{
			UsedBytes: usedBytes,
			MaxBytes:  m.GetLimit(),
		})
	}
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(router *mux.Router, s *Services, clock clockwork.Clock, port string) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	router.Use(corsMiddleware(port), instrumentMiddleware)

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := router.PathPrefix("/v1").Subrouter()
	h := query.NewHandler(s.Query, s.Scorer)

	// Read API
	api.HandleFunc("/latest", h.HandleLatest).Methods("GET")
	api.HandleFunc("/history", h.HandleHistory).Methods("GET")
	api.HandleFunc("/history/multi", h.HandleHistoryMulti).Methods("GET")
	api.HandleFunc("/charts", h.HandleCharts).Methods("GET")
	api.HandleFunc("/charts/{chart}", h.HandleChart).Methods("GET")
	api.HandleFunc("/sensors", h.HandleSensors).Methods("GET")
	api.HandleFunc("/quality", h.HandleQuality).Methods("GET")
	api.HandleFunc("/jobs", h.HandleJobs).Methods("GET")
	api.HandleFunc("/system/health", h.HandleSystemHealth).Methods("GET")

	// Ingest and live updates
	api.HandleFunc("/ingest", s.Ingest.HandleIngest).Methods("POST")
	api.HandleFunc("/ws", s.Hub.HandleWebSocket).Methods("GET")

	// Operations
	api.HandleFunc("/health", handleHealth(s, clock, clock.Now())).Methods("GET")
	api.HandleFunc("/storage", handleStorageUsage(s.StorageMonitor)).Methods("GET")
}
