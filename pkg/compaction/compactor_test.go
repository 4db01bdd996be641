package compaction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"

	"github.com/nicktill/tinyfarm/pkg/sensor"
	"github.com/nicktill/tinyfarm/pkg/storage"
	"github.com/nicktill/tinyfarm/pkg/storage/memory"
)

func f64(v float64) *float64 { return &v }

func testRegistry(t *testing.T) *sensor.Registry {
	t.Helper()
	types := []sensor.Type{
		{Code: "temperature", Unit: "°C", Min: f64(-10), Max: f64(60), Decimals: 1},
		{Code: "ppfd", Unit: "µmol/m²/s", Min: f64(0), Max: f64(3000)},
	}
	r, err := sensor.NewRegistry(types, []sensor.Sensor{
		{ID: "T1", Type: sensor.Type{Code: "temperature"}, Farm: 1, APIValueKey: "Temp", Active: true},
		{ID: "T2", Type: sensor.Type{Code: "temperature"}, Farm: 1, APIValueKey: "Temp", Active: true},
		{ID: "PPFD1", Type: sensor.Type{Code: "ppfd"}, Farm: 1, APIValueKey: "PPFD", Active: true},
	})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return r
}

func newTestCompactor(t *testing.T, store storage.Storage, loc *time.Location) *Compactor {
	t.Helper()
	return New(Config{
		Store:    store,
		Registry: testRegistry(t),
		Location: loc,
		Clock:    clockwork.NewFakeClockAt(time.Date(2024, 6, 2, 1, 0, 0, 0, time.UTC)),
	})
}

func sample(id string, ts time.Time, v float64, flag sensor.Flag) storage.Sample {
	s := storage.Sample{SensorID: id, Timestamp: ts, Flag: flag}
	if flag != sensor.FlagMissing && flag != sensor.FlagBad {
		s.Value = f64(v)
	}
	return s
}

// failingStore fails raw reads for one sensor and, when set, saves of running jobs.
type failingStore struct {
	storage.Storage
	failSensor  string
	failRunning bool
}

func (f *failingStore) QuerySamples(ctx context.Context, req storage.QueryRequest) ([]storage.Sample, error) {
	if req.SensorID == f.failSensor {
		return nil, errors.New("disk read error")
	}
	return f.Storage.QuerySamples(ctx, req)
}

func (f *failingStore) SaveJob(ctx context.Context, job storage.Job) error {
	if f.failRunning && job.Status == storage.JobRunning {
		return errors.New("job table unavailable")
	}
	return f.Storage.SaveJob(ctx, job)
}

func TestCompact5m_BasicAggregation(t *testing.T) {
	store := memory.New()
	defer store.Close()

	compactor := newTestCompactor(t, store, time.UTC)
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	store.WriteSamples(ctx, []storage.Sample{
		sample("T1", base, 21.0, sensor.FlagGood),
		sample("T1", base.Add(1*time.Minute), 22.0, sensor.FlagGood),
		sample("T1", base.Add(2*time.Minute), 0, sensor.FlagMissing),
	})

	stats, err := compactor.Compact5m(ctx, base, base.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("Compaction failed: %v", err)
	}
	if stats.RecordsCreated != 1 || stats.SensorsProcessed != 3 || stats.Errors != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	rows, err := store.QueryAggregates(ctx, storage.Tier5m, storage.QueryRequest{SensorID: "T1"})
	if err != nil {
		t.Fatalf("QueryAggregates failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Expected 1 bucket, got %d", len(rows))
	}

	want := storage.Aggregate{
		SensorID:       "T1",
		Tier:           storage.Tier5m,
		Timestamp:      base,
		Avg:            f64(21.5),
		Min:            f64(21),
		Max:            f64(22),
		SampleCount:    3,
		ValidCount:     2,
		StdDev:         f64(0.5),
		P25:            f64(21.25),
		P75:            f64(21.75),
		GoodSamples:    2,
		MissingSamples: 1,
	}
	if diff := cmp.Diff(want, rows[0]); diff != "" {
		t.Errorf("5m bucket mismatch (-want +got):\n%s", diff)
	}
}

func TestCompact5m_AcrossBuckets(t *testing.T) {
	store := memory.New()
	defer store.Close()

	compactor := newTestCompactor(t, store, time.UTC)
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store.WriteSamples(ctx, []storage.Sample{
		sample("T1", base, 10, sensor.FlagGood),                       // 12:00-12:05 bucket
		sample("T1", base.Add(3*time.Minute), 20, sensor.FlagGood),    // 12:00-12:05 bucket
		sample("T1", base.Add(6*time.Minute), 30, sensor.FlagGood),    // 12:05-12:10 bucket
		sample("T1", base.Add(8*time.Minute), 40, sensor.FlagSuspect), // 12:05-12:10 bucket
	})

	if _, err := compactor.Compact5m(ctx, base.Add(-time.Hour), base.Add(time.Hour)); err != nil {
		t.Fatalf("Compaction failed: %v", err)
	}

	rows, _ := store.QueryAggregates(ctx, storage.Tier5m, storage.QueryRequest{SensorID: "T1"})
	if len(rows) != 2 {
		t.Fatalf("Expected 2 buckets, got %d", len(rows))
	}
	if *rows[0].Avg != 15 || *rows[1].Avg != 35 {
		t.Errorf("Unexpected averages: %v, %v", *rows[0].Avg, *rows[1].Avg)
	}
	if rows[1].SuspectSamples != 1 || rows[1].ValidCount != 2 {
		t.Errorf("Expected suspect sample counted as valid, got %+v", rows[1])
	}
}

func TestCompact5m_NoValidSamples(t *testing.T) {
	store := memory.New()
	defer store.Close()

	compactor := newTestCompactor(t, store, time.UTC)
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store.WriteSamples(ctx, []storage.Sample{
		sample("T1", base, 0, sensor.FlagBad),
		sample("T1", base.Add(time.Minute), 0, sensor.FlagMissing),
	})

	if _, err := compactor.Compact5m(ctx, base, base.Add(5*time.Minute)); err != nil {
		t.Fatalf("Compaction failed: %v", err)
	}

	rows, _ := store.QueryAggregates(ctx, storage.Tier5m, storage.QueryRequest{SensorID: "T1"})
	if len(rows) != 1 {
		t.Fatalf("Expected 1 bucket, got %d", len(rows))
	}
	if rows[0].Avg != nil || rows[0].Min != nil || rows[0].StdDev != nil {
		t.Errorf("Expected nil statistics, got %+v", rows[0])
	}
	if rows[0].SampleCount != 2 || rows[0].BadSamples != 1 || rows[0].MissingSamples != 1 {
		t.Errorf("Unexpected tallies: %+v", rows[0])
	}
}

func TestCompact5m_Idempotent(t *testing.T) {
	store := memory.New()
	defer store.Close()

	compactor := newTestCompactor(t, store, time.UTC)
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	var samples []storage.Sample
	for i := 0; i < 30; i++ {
		samples = append(samples, sample("T1", base.Add(time.Duration(i)*time.Minute), float64(20+i%7), sensor.FlagGood))
	}
	store.WriteSamples(ctx, samples)

	if _, err := compactor.Compact5m(ctx, base, base.Add(time.Hour)); err != nil {
		t.Fatalf("First compaction failed: %v", err)
	}
	first, _ := store.QueryAggregates(ctx, storage.Tier5m, storage.QueryRequest{SensorID: "T1"})

	if _, err := compactor.Compact5m(ctx, base, base.Add(time.Hour)); err != nil {
		t.Fatalf("Second compaction failed: %v", err)
	}
	second, _ := store.QueryAggregates(ctx, storage.Tier5m, storage.QueryRequest{SensorID: "T1"})

	if len(first) != 6 {
		t.Errorf("Expected 6 buckets, got %d", len(first))
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("Re-run changed buckets (-first +second):\n%s", diff)
	}
	if n, _ := store.CountAggregates(ctx, storage.Tier5m); n != 6 {
		t.Errorf("Expected 6 rows after two runs, got %d", n)
	}
}

func TestCompact5m_SensorFaultIsolation(t *testing.T) {
	mem := memory.New()
	defer mem.Close()
	store := &failingStore{Storage: mem, failSensor: "T2"}

	compactor := newTestCompactor(t, store, time.UTC)
	var logs bytes.Buffer
	compactor.log = slog.New(slog.NewTextHandler(&logs, nil))
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	mem.WriteSamples(ctx, []storage.Sample{
		sample("T1", base, 20, sensor.FlagGood),
		sample("T2", base, 21, sensor.FlagGood),
		sample("PPFD1", base, 500, sensor.FlagGood),
	})

	stats, err := compactor.Compact5m(ctx, base, base.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("Expected per-sensor failure to be isolated, got %v", err)
	}
	if stats.Errors != 1 || stats.SensorsProcessed != 2 || stats.RecordsCreated != 2 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if !strings.Contains(logs.String(), `level=WARN msg="Aggregation failed for sensor" tier=5min sensor_id=T2`) {
		t.Errorf("Expected a warning for T2, got:\n%s", logs.String())
	}
	if strings.Contains(logs.String(), "level=ERROR") {
		t.Errorf("Per-sensor failure should not log at error:\n%s", logs.String())
	}
}

func TestCompact5m_CancelledContext(t *testing.T) {
	store := memory.New()
	defer store.Close()

	compactor := newTestCompactor(t, store, time.UTC)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := compactor.Compact5m(ctx, time.Time{}, time.Now())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestCompact1h(t *testing.T) {
	store := memory.New()
	defer store.Close()

	compactor := newTestCompactor(t, store, time.UTC)
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store.UpsertAggregates(ctx, []storage.Aggregate{
		{SensorID: "T1", Tier: storage.Tier5m, Timestamp: base, Avg: f64(10), Min: f64(9), Max: f64(11), SampleCount: 5, ValidCount: 5, GoodSamples: 5},
		{SensorID: "T1", Tier: storage.Tier5m, Timestamp: base.Add(5 * time.Minute), Avg: f64(20), Min: f64(18), Max: f64(25), SampleCount: 5, ValidCount: 3, GoodSamples: 3, BadSamples: 1, MissingSamples: 1},
		{SensorID: "T1", Tier: storage.Tier5m, Timestamp: base.Add(10 * time.Minute), SampleCount: 2, MissingSamples: 2},
		{SensorID: "T1", Tier: storage.Tier5m, Timestamp: base.Add(60 * time.Minute), Avg: f64(30), Min: f64(30), Max: f64(30), SampleCount: 1, ValidCount: 1, GoodSamples: 1},
	})

	stats, err := compactor.Compact1h(ctx, base, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Compaction failed: %v", err)
	}
	if stats.RecordsCreated != 2 {
		t.Errorf("Expected 2 hourly rows, got %d", stats.RecordsCreated)
	}

	rows, _ := store.QueryAggregates(ctx, storage.TierHourly, storage.QueryRequest{SensorID: "T1"})
	if len(rows) != 2 {
		t.Fatalf("Expected 2 hourly rows, got %d", len(rows))
	}

	want := storage.Aggregate{
		SensorID:       "T1",
		Tier:           storage.TierHourly,
		Timestamp:      base,
		Avg:            f64(15),
		Min:            f64(9),
		Max:            f64(25),
		SampleCount:    12,
		ValidCount:     8,
		GoodSamples:    8,
		BadSamples:     1,
		MissingSamples: 3,
		QualityScore:   66.67,
	}
	if diff := cmp.Diff(want, rows[0]); diff != "" {
		t.Errorf("Hourly row mismatch (-want +got):\n%s", diff)
	}
	if rows[1].QualityScore != 100 || *rows[1].Avg != 30 {
		t.Errorf("Unexpected 13:00 row: %+v", rows[1])
	}
}

func TestCompact1d_WithDLI(t *testing.T) {
	store := memory.New()
	defer store.Close()

	compactor := newTestCompactor(t, store, time.UTC)
	ctx := context.Background()

	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	store.WriteSamples(ctx, []storage.Sample{
		sample("PPFD1", day.Add(8*time.Hour), 200, sensor.FlagGood),
		sample("PPFD1", day.Add(10*time.Hour), 400, sensor.FlagGood),
		sample("PPFD1", day.Add(12*time.Hour), 600, sensor.FlagGood),
		sample("T1", day.Add(12*time.Hour), 25, sensor.FlagGood),
	})

	if _, err := compactor.Compact5m(ctx, day, day.Add(24*time.Hour)); err != nil {
		t.Fatalf("5m compaction failed: %v", err)
	}
	if _, err := compactor.Compact1h(ctx, day, day.Add(24*time.Hour)); err != nil {
		t.Fatalf("1h compaction failed: %v", err)
	}

	stats, err := compactor.Compact1d(ctx, day.Add(15*time.Hour))
	if err != nil {
		t.Fatalf("Daily compaction failed: %v", err)
	}
	if stats.RecordsCreated != 2 || stats.DLICalculated != 1 || stats.SensorsProcessed != 3 {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	rows, _ := store.QueryAggregates(ctx, storage.TierDaily, storage.QueryRequest{SensorID: "PPFD1"})
	if len(rows) != 1 {
		t.Fatalf("Expected 1 daily row, got %d", len(rows))
	}
	got := rows[0]
	if !got.Timestamp.Equal(day) {
		t.Errorf("Expected bucket at midnight, got %v", got.Timestamp)
	}
	if *got.Avg != 400 || *got.Min != 200 || *got.Max != 600 || got.SampleCount != 3 {
		t.Errorf("Unexpected roll-up: %+v", got)
	}
	if got.TotalValue == nil || *got.TotalValue != 17.28 {
		t.Errorf("Expected DLI 17.28, got %v", got.TotalValue)
	}
	if got.UptimePercentage == nil || *got.UptimePercentage != 100 || got.QualityScore != 100 {
		t.Errorf("Expected uptime 100, got %v / %v", got.UptimePercentage, got.QualityScore)
	}

	temp, _ := store.QueryAggregates(ctx, storage.TierDaily, storage.QueryRequest{SensorID: "T1"})
	if len(temp) != 1 || temp[0].TotalValue != nil {
		t.Errorf("Expected temperature row without total_value, got %+v", temp)
	}
}

func TestCompact1d_SkipsDayWithoutValidAverage(t *testing.T) {
	store := memory.New()
	defer store.Close()

	compactor := newTestCompactor(t, store, time.UTC)
	ctx := context.Background()

	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	store.UpsertAggregates(ctx, []storage.Aggregate{
		{SensorID: "T1", Tier: storage.TierHourly, Timestamp: day.Add(3 * time.Hour), SampleCount: 60, MissingSamples: 60},
	})

	stats, err := compactor.Compact1d(ctx, day)
	if err != nil {
		t.Fatalf("Daily compaction failed: %v", err)
	}
	if stats.RecordsCreated != 0 {
		t.Errorf("Expected no daily rows, got %d", stats.RecordsCreated)
	}
}

func TestDLI(t *testing.T) {
	jst := time.FixedZone("JST", 9*60*60)
	day := time.Date(2024, 6, 1, 0, 0, 0, 0, jst)

	tests := []struct {
		name    string
		samples []storage.Sample
		aggs    []storage.Aggregate
		want    *float64
	}{
		{
			name: "raw fallback",
			samples: []storage.Sample{
				sample("PPFD1", day.Add(7*time.Hour), 200, sensor.FlagGood),
				sample("PPFD1", day.Add(9*time.Hour), 400, sensor.FlagGood),
				sample("PPFD1", day.Add(11*time.Hour), 600, sensor.FlagGood),
				sample("PPFD1", day.Add(5*time.Hour), 2000, sensor.FlagGood),  // before window
				sample("PPFD1", day.Add(18*time.Hour), 2000, sensor.FlagGood), // window end is exclusive
				sample("PPFD1", day.Add(12*time.Hour), 0, sensor.FlagBad),
			},
			want: f64(17.28),
		},
		{
			name: "prefers 5m tier",
			samples: []storage.Sample{
				sample("PPFD1", day.Add(7*time.Hour), 5000, sensor.FlagSuspect),
			},
			aggs: []storage.Aggregate{
				{SensorID: "PPFD1", Tier: storage.Tier5m, Timestamp: day.Add(6 * time.Hour), Avg: f64(100)},
				{SensorID: "PPFD1", Tier: storage.Tier5m, Timestamp: day.Add(17*time.Hour + 55*time.Minute), Avg: f64(300)},
				{SensorID: "PPFD1", Tier: storage.Tier5m, Timestamp: day.Add(12 * time.Hour)},
			},
			want: f64(8.64),
		},
		{
			name: "all zero",
			samples: []storage.Sample{
				sample("PPFD1", day.Add(7*time.Hour), 0, sensor.FlagGood),
				sample("PPFD1", day.Add(8*time.Hour), 0, sensor.FlagGood),
			},
			want: f64(0),
		},
		{
			name: "no data in window",
			samples: []storage.Sample{
				sample("PPFD1", day.Add(3*time.Hour), 100, sensor.FlagGood),
				sample("PPFD1", day.Add(20*time.Hour), 100, sensor.FlagGood),
			},
		},
		{
			name: "only missing samples",
			samples: []storage.Sample{
				sample("PPFD1", day.Add(10*time.Hour), 0, sensor.FlagMissing),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			defer store.Close()
			compactor := newTestCompactor(t, store, jst)
			ctx := context.Background()

			store.WriteSamples(ctx, tt.samples)
			store.UpsertAggregates(ctx, tt.aggs)

			got, err := compactor.DLI(ctx, "PPFD1", day.Add(13*time.Hour))
			if err != nil {
				t.Fatalf("DLI failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("DLI mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPhotoperiodWindow_DST(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	for _, date := range []time.Time{
		time.Date(2024, 3, 10, 12, 0, 0, 0, ny), // spring forward
		time.Date(2024, 11, 3, 12, 0, 0, 0, ny), // fall back
		time.Date(2024, 6, 1, 12, 0, 0, 0, ny),
	} {
		compactor := newTestCompactor(t, memory.New(), ny)
		start, end := compactor.PhotoperiodWindow(date)
		if start.Hour() != 6 || start.Minute() != 0 || start.Day() != date.Day() {
			t.Errorf("%s: window start = %v, want 06:00 local", date.Format(time.DateOnly), start)
		}
		if end.Hour() != 18 || end.Minute() != 0 || end.Day() != date.Day() {
			t.Errorf("%s: window end = %v, want 18:00 local", date.Format(time.DateOnly), end)
		}
		if end.Sub(start) != 12*time.Hour {
			t.Errorf("%s: window length = %v, want 12h", date.Format(time.DateOnly), end.Sub(start))
		}
	}
}

func TestDLI_DSTDay(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	store := memory.New()
	defer store.Close()
	compactor := newTestCompactor(t, store, ny)
	ctx := context.Background()

	// 06:30 local is inside the window; 18:30 local is not, even though
	// midnight+18h falls at 19:00 on this day.
	store.WriteSamples(ctx, []storage.Sample{
		sample("PPFD1", time.Date(2024, 3, 10, 6, 30, 0, 0, ny), 400, sensor.FlagGood),
		sample("PPFD1", time.Date(2024, 3, 10, 18, 30, 0, 0, ny), 2000, sensor.FlagGood),
	})

	got, err := compactor.DLI(ctx, "PPFD1", time.Date(2024, 3, 10, 12, 0, 0, 0, ny))
	if err != nil {
		t.Fatalf("DLI failed: %v", err)
	}
	if diff := cmp.Diff(f64(17.28), got); diff != "" {
		t.Errorf("DLI mismatch (-want +got):\n%s", diff)
	}
}

func TestRunJob_Lifecycle(t *testing.T) {
	store := memory.New()
	defer store.Close()

	compactor := newTestCompactor(t, store, time.UTC)
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store.WriteSamples(ctx, []storage.Sample{sample("T1", base, 20, sensor.FlagGood)})

	job, err := compactor.RunJob(ctx, storage.Tier5m, base, base.Add(15*time.Minute), nil)
	if err != nil {
		t.Fatalf("RunJob failed: %v", err)
	}
	if job.Status != storage.JobCompleted {
		t.Errorf("Expected completed job, got %s", job.Status)
	}
	if job.ID == "" || job.TotalSensors != 3 || job.ProcessedSensors != 3 || job.RecordsCreated != 1 {
		t.Errorf("Unexpected job counters: %+v", job)
	}
	if job.StartedAt.IsZero() || job.CompletedAt.IsZero() {
		t.Error("Expected started_at and completed_at to be set")
	}

	stored, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if diff := cmp.Diff(job, stored); diff != "" {
		t.Errorf("Stored job differs (-returned +stored):\n%s", diff)
	}
}

func TestRunJob_Errors(t *testing.T) {
	store := memory.New()
	defer store.Close()

	compactor := newTestCompactor(t, store, time.UTC)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	if _, err := compactor.RunJob(ctx, storage.TierRaw, base, base.Add(time.Hour), nil); !errors.Is(err, ErrUnsupportedTier) {
		t.Errorf("Expected ErrUnsupportedTier, got %v", err)
	}

	job, err := compactor.RunJob(ctx, storage.TierHourly, base, base.Add(time.Hour), []string{"nope"})
	if !errors.Is(err, sensor.ErrSensorNotFound) {
		t.Errorf("Expected ErrSensorNotFound, got %v", err)
	}
	if job.Status != storage.JobFailed || job.ErrorMessage == "" {
		t.Errorf("Expected failed job with message, got %+v", job)
	}
}

func TestRetry(t *testing.T) {
	mem := memory.New()
	defer mem.Close()
	store := &failingStore{Storage: mem, failRunning: true}

	compactor := newTestCompactor(t, store, time.UTC)
	ctx := context.Background()

	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	mem.UpsertAggregates(ctx, []storage.Aggregate{
		{SensorID: "T1", Tier: storage.TierHourly, Timestamp: day.Add(time.Hour), Avg: f64(20), SampleCount: 60, GoodSamples: 60, QualityScore: 100},
	})

	job, err := compactor.RunJob(ctx, storage.TierDaily, day, day.Add(24*time.Hour), []string{"T1"})
	if err == nil || job.Status != storage.JobFailed {
		t.Fatalf("Expected failed job, got %+v (err=%v)", job, err)
	}

	store.failRunning = false
	retried, err := compactor.Retry(ctx, job.ID)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if retried.ID != job.ID || retried.RetryCount != 1 || retried.Status != storage.JobCompleted {
		t.Errorf("Unexpected retried job: %+v", retried)
	}
	if retried.ErrorMessage != "" || retried.RecordsCreated != 1 {
		t.Errorf("Expected clean completed run, got %+v", retried)
	}

	if _, err := compactor.Retry(ctx, job.ID); !errors.Is(err, ErrJobNotRetryable) {
		t.Errorf("Expected ErrJobNotRetryable for completed job, got %v", err)
	}
}

func TestRunJob_DailySpansDays(t *testing.T) {
	store := memory.New()
	defer store.Close()

	compactor := newTestCompactor(t, store, time.UTC)
	ctx := context.Background()

	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for d := 0; d < 3; d++ {
		store.UpsertAggregates(ctx, []storage.Aggregate{
			{SensorID: "T1", Tier: storage.TierHourly, Timestamp: day.AddDate(0, 0, d).Add(5 * time.Hour), Avg: f64(float64(d)), SampleCount: 1, GoodSamples: 1, QualityScore: 100},
		})
	}

	job, err := compactor.RunJob(ctx, storage.TierDaily, day, day.AddDate(0, 0, 3), []string{"T1"})
	if err != nil {
		t.Fatalf("RunJob failed: %v", err)
	}
	if job.RecordsCreated != 3 {
		t.Errorf("Expected 3 daily rows, got %d", job.RecordsCreated)
	}
}

func TestCleanup(t *testing.T) {
	store := memory.New()
	defer store.Close()

	compactor := newTestCompactor(t, store, time.UTC)
	ctx := context.Background()
	now := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)

	store.WriteSamples(ctx, []storage.Sample{
		sample("T1", now.Add(-8*24*time.Hour), 1, sensor.FlagGood),
		sample("T1", now.Add(-time.Hour), 1, sensor.FlagGood),
	})
	store.UpsertAggregates(ctx, []storage.Aggregate{
		{SensorID: "T1", Tier: storage.Tier5m, Timestamp: now.Add(-91 * 24 * time.Hour)},
		{SensorID: "T1", Tier: storage.Tier5m, Timestamp: now.Add(-89 * 24 * time.Hour)},
		{SensorID: "T1", Tier: storage.TierHourly, Timestamp: now.Add(-366 * 24 * time.Hour)},
		{SensorID: "T1", Tier: storage.TierDaily, Timestamp: now.Add(-1000 * 24 * time.Hour)},
	})

	deleted, err := compactor.Cleanup(ctx, now)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	want := map[storage.Tier]int{storage.TierRaw: 1, storage.Tier5m: 1, storage.TierHourly: 1}
	if diff := cmp.Diff(want, deleted); diff != "" {
		t.Errorf("Deleted counts mismatch (-want +got):\n%s", diff)
	}
	if n, _ := store.CountAggregates(ctx, storage.TierDaily); n != 1 {
		t.Errorf("Expected daily rows kept forever, got %d", n)
	}
}

func TestCompactAndCleanup(t *testing.T) {
	store := memory.New()
	defer store.Close()

	compactor := newTestCompactor(t, store, time.UTC)
	ctx := context.Background()

	// fake clock sits at 2024-06-02 01:00
	now := time.Date(2024, 6, 2, 1, 0, 0, 0, time.UTC)
	store.WriteSamples(ctx, []storage.Sample{
		sample("T1", now.Add(-10*time.Minute), 20, sensor.FlagGood),
		sample("T1", now.Add(-30*24*time.Hour), 20, sensor.FlagGood),
	})

	if err := compactor.CompactAndCleanup(ctx); err != nil {
		t.Fatalf("CompactAndCleanup failed: %v", err)
	}

	if n, _ := store.CountAggregates(ctx, storage.Tier5m); n != 1 {
		t.Errorf("Expected 1 5m bucket, got %d", n)
	}
	if n, _ := store.CountAggregates(ctx, storage.TierRaw); n != 1 {
		t.Errorf("Expected expired raw sample removed, got %d samples", n)
	}

	jobs, _ := store.ListJobs(ctx, "", 0)
	if len(jobs) != 2 {
		t.Errorf("Expected 2 tracked jobs, got %d", len(jobs))
	}
}

func TestTrailingWindow(t *testing.T) {
	compactor := New(Config{Registry: testRegistry(t)})
	now := time.Date(2024, 6, 1, 10, 17, 30, 0, time.UTC)

	tests := []struct {
		tier       storage.Tier
		start, end time.Time
	}{
		{storage.Tier5m, time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC), time.Date(2024, 6, 1, 10, 15, 0, 0, time.UTC)},
		{storage.TierHourly, time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC), time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)},
		{storage.TierDaily, time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC), time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		start, end := compactor.TrailingWindow(tt.tier, now)
		if !start.Equal(tt.start) || !end.Equal(tt.end) {
			t.Errorf("TrailingWindow(%s) = [%v, %v), expected [%v, %v)", tt.tier, start, end, tt.start, tt.end)
		}
	}
}

func TestBucketAlignmentInFarmLocation(t *testing.T) {
	store := memory.New()
	defer store.Close()

	// Half-hour offset zones make UTC-aligned hours wrong
	ist := time.FixedZone("IST", 5*60*60+30*60)
	compactor := newTestCompactor(t, store, ist)
	ctx := context.Background()

	local := time.Date(2024, 6, 1, 10, 2, 0, 0, ist)
	store.UpsertAggregates(ctx, []storage.Aggregate{
		{SensorID: "T1", Tier: storage.Tier5m, Timestamp: local.UTC(), Avg: f64(1), SampleCount: 1, GoodSamples: 1},
	})

	if _, err := compactor.Compact1h(ctx, local.Add(-time.Hour), local.Add(time.Hour)); err != nil {
		t.Fatalf("Compaction failed: %v", err)
	}

	rows, _ := store.QueryAggregates(ctx, storage.TierHourly, storage.QueryRequest{SensorID: "T1"})
	want := time.Date(2024, 6, 1, 10, 0, 0, 0, ist)
	if len(rows) != 1 || !rows[0].Timestamp.Equal(want) {
		t.Errorf("Expected hourly bucket at %v, got %+v", want, rows)
	}
}

func TestRoundTo5Minutes(t *testing.T) {
	tests := []struct {
		input    time.Time
		expected time.Time
	}{
		{
			input:    time.Date(2024, 1, 1, 12, 0, 30, 0, time.UTC),
			expected: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		},
		{
			input:    time.Date(2024, 1, 1, 12, 3, 45, 0, time.UTC),
			expected: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		},
		{
			input:    time.Date(2024, 1, 1, 12, 7, 15, 0, time.UTC),
			expected: time.Date(2024, 1, 1, 12, 5, 0, 0, time.UTC),
		},
		{
			input:    time.Date(2024, 1, 1, 12, 14, 59, 0, time.UTC),
			expected: time.Date(2024, 1, 1, 12, 10, 0, 0, time.UTC),
		},
	}

	for _, test := range tests {
		result := roundTo5Minutes(test.input)
		if !result.Equal(test.expected) {
			t.Errorf("roundTo5Minutes(%v) = %v, expected %v",
				test.input, result, test.expected)
		}
	}
}

func TestRoundTo1Hour(t *testing.T) {
	tests := []struct {
		input    time.Time
		expected time.Time
	}{
		{
			input:    time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
			expected: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		},
		{
			input:    time.Date(2024, 1, 1, 12, 30, 45, 0, time.UTC),
			expected: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		},
		{
			input:    time.Date(2024, 1, 1, 12, 59, 59, 0, time.UTC),
			expected: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		},
	}

	for _, test := range tests {
		result := roundTo1Hour(test.input)
		if !result.Equal(test.expected) {
			t.Errorf("roundTo1Hour(%v) = %v, expected %v",
				test.input, result, test.expected)
		}
	}
}

func TestCalculatePercentile(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	tests := []struct {
		percentile float64
		expected   float64
	}{
		{0.0, 1.0},   // min
		{0.25, 3.25}, // p25
		{0.5, 5.5},   // median
		{0.99, 9.91}, // p99
		{1.0, 10.0},  // max
	}

	for _, test := range tests {
		result := CalculatePercentile(values, test.percentile)
		if math.Abs(result-test.expected) > 1e-9 {
			t.Errorf("CalculatePercentile(p%.2f) = %.2f, expected %.2f",
				test.percentile, result, test.expected)
		}
	}
}

func TestCalculatePercentile_EmptyValues(t *testing.T) {
	result := CalculatePercentile([]float64{}, 0.5)
	if result != 0 {
		t.Errorf("CalculatePercentile on empty slice should return 0, got %f", result)
	}
}

func ExampleCompactor_DLI() {
	store := memory.New()
	defer store.Close()

	types := []sensor.Type{{Code: "ppfd", Unit: "µmol/m²/s"}}
	registry, _ := sensor.NewRegistry(types, []sensor.Sensor{{ID: "PPFD1", Type: sensor.Type{Code: "ppfd"}, APIValueKey: "PPFD", Active: true}})
	compactor := New(Config{Store: store, Registry: registry})

	ctx := context.Background()
	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, v := range []float64{200, 400, 600} {
		store.WriteSamples(ctx, []storage.Sample{{SensorID: "PPFD1", Timestamp: day.Add(time.Duration(8+2*i) * time.Hour), Value: &v, Flag: sensor.FlagGood}})
	}

	dli, _ := compactor.DLI(ctx, "PPFD1", day)
	fmt.Printf("%.2f mol/m²/day\n", *dli)
	// Output: 17.28 mol/m²/day
}
