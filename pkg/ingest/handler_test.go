package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyfarm/pkg/config"
	"github.com/nicktill/tinyfarm/pkg/storage"
	"github.com/nicktill/tinyfarm/pkg/storage/memory"
)

func newTestHandler(t *testing.T) (*Handler, *memory.Storage) {
	t.Helper()
	reg := testRegistry(t)
	store := memory.New()
	return NewHandler(reg, NewNormalizer(reg, store, store, nil), nil, nil), store
}

func postIngest(t *testing.T, h *Handler, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.HandleIngest(rr, req)
	return rr
}

func TestHandleIngest_BySensorID(t *testing.T) {
	h, store := newTestHandler(t)

	rr := postIngest(t, h, IngestRequest{
		SensorID: "soil1",
		Records: []IngestRecord{
			{Datetime: "2024-06-01T10:00:00Z", Data: map[string]any{"soil": 30}},
			{Datetime: "2024-06-01T10:01:00Z", Data: nil},
		},
	})
	require.Equal(t, http.StatusOK, rr.Code)

	var resp IngestResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
	require.Equal(t, 1, resp.Sensors["soil1"].Good)
	require.Equal(t, 1, resp.Sensors["soil1"].Missing)

	samples, err := store.QuerySamples(context.Background(), storage.QueryRequest{SensorID: "soil1"})
	require.NoError(t, err)
	require.Len(t, samples, 2)
}

func TestHandleIngest_ByAPISensorFansOut(t *testing.T) {
	h, store := newTestHandler(t)

	rr := postIngest(t, h, IngestRequest{
		APISensorID: "SHT45T1",
		Records: []IngestRecord{
			{Datetime: "2024-06-01T10:00:00Z", Data: map[string]any{"Temp": 25.1, "Hum": 70}},
		},
	})
	require.Equal(t, http.StatusOK, rr.Code)

	latest, err := store.GetLatest(context.Background())
	require.NoError(t, err)
	require.Len(t, latest, 2)
	require.Equal(t, 25.1, *latest["SHT45T1_temp"].Value)
	require.Equal(t, 70.0, *latest["SHT45T1_hum"].Value)
}

func TestHandleIngest_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		payload IngestRequest
		code    int
		message string
	}{
		{
			name:    "no target",
			payload: IngestRequest{Records: []IngestRecord{{Datetime: "2024-06-01T10:00:00Z"}}},
			code:    http.StatusBadRequest,
			message: "sensor_id or api_sensor_id is required",
		},
		{
			name:    "both targets",
			payload: IngestRequest{SensorID: "soil1", APISensorID: "soil1"},
			code:    http.StatusBadRequest,
			message: "mutually exclusive",
		},
		{
			name:    "missing datetime",
			payload: IngestRequest{SensorID: "soil1", Records: []IngestRecord{{Data: map[string]any{"soil": 1}}}},
			code:    http.StatusBadRequest,
			message: "datetime is required",
		},
		{
			name:    "bad datetime",
			payload: IngestRequest{SensorID: "soil1", Records: []IngestRecord{{Datetime: "soon"}}},
			code:    http.StatusBadRequest,
			message: "unrecognized timestamp",
		},
		{
			name:    "unknown sensor",
			payload: IngestRequest{SensorID: "nope", Records: []IngestRecord{{Datetime: "2024-06-01T10:00:00Z"}}},
			code:    http.StatusNotFound,
			message: "sensor not found",
		},
		{
			name:    "too many records",
			payload: IngestRequest{SensorID: "soil1", Records: make([]IngestRecord, config.MaxRecordsPerRequest+1)},
			code:    http.StatusBadRequest,
			message: "too many records",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler(t)
			rr := postIngest(t, h, tt.payload)

			require.Equal(t, tt.code, rr.Code)
			var resp map[string]string
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			require.Contains(t, resp["message"], tt.message)
		})
	}
}

func TestHandleIngest_BodyTooLarge(t *testing.T) {
	h, store := newTestHandler(t)

	body := `{"sensor_id":"soil1","records":[{"datetime":"2024-06-01T10:00:00Z","data":{"soil":"` +
		strings.Repeat("9", config.MaxIngestBodyBytes) + `"}}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.HandleIngest(rr, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Contains(t, resp["message"], "request body too large")

	latest, err := store.GetLatest(context.Background(), "soil1")
	require.NoError(t, err)
	require.Empty(t, latest)
}

type fullDisk struct{}

func (fullDisk) GetUsage() (int64, error) { return 2048, nil }
func (fullDisk) GetLimit() int64          { return 1024 }

func TestHandleIngest_StorageFull(t *testing.T) {
	h, _ := newTestHandler(t)
	h.SetStorageChecker(fullDisk{})

	rr := postIngest(t, h, IngestRequest{SensorID: "soil1"})
	require.Equal(t, http.StatusInsufficientStorage, rr.Code)
}
