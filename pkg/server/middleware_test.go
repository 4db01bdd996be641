package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nicktill/tinyfarm/pkg/metrics"
)

func TestInstrumentMiddleware_RouteTemplate(t *testing.T) {
	router := mux.NewRouter()
	router.Use(instrumentMiddleware)
	router.HandleFunc("/v1/charts/{chart}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}).Methods("GET")

	counter := metrics.HTTPRequests.WithLabelValues("GET", "/v1/charts/{chart}", "404")
	before := testutil.ToFloat64(counter)

	for _, chart := range []string{"temperature", "humidity"} {
		req := httptest.NewRequest("GET", "/v1/charts/"+chart, nil)
		router.ServeHTTP(httptest.NewRecorder(), req)
	}

	if got := testutil.ToFloat64(counter) - before; got != 2 {
		t.Errorf("Expected 2 requests under the route template, got %v", got)
	}
}

func TestInstrumentMiddleware_DefaultStatus(t *testing.T) {
	handler := instrumentMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	}))

	counter := metrics.HTTPRequests.WithLabelValues("POST", "unmatched", "200")
	before := testutil.ToFloat64(counter)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/anything", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("Expected 1 unmatched request, got %v", got)
	}
}

func TestResponseWriter_FirstStatusWins(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	rw.WriteHeader(http.StatusAccepted)
	rw.WriteHeader(http.StatusInternalServerError)

	if rw.statusCode != http.StatusAccepted {
		t.Errorf("Expected 202 recorded, got %d", rw.statusCode)
	}
}

func TestResponseWriter_HijackUnsupported(t *testing.T) {
	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil {
		t.Error("Hijack on a recorder should fail")
	}
}
