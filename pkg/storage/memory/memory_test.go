package memory

import (
	"context"
	"testing"
	"time"

	"github.com/nicktill/tinyfarm/pkg/sensor"
	"github.com/nicktill/tinyfarm/pkg/storage"
)

func f64(v float64) *float64 { return &v }

func TestMemoryStorage_SampleUpsertAndHalfOpenRange(t *testing.T) {
	store := New()
	defer store.Close()

	ctx := context.Background()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	err := store.WriteSamples(ctx, []storage.Sample{
		{SensorID: "t1", Timestamp: base, Value: f64(20), Flag: sensor.FlagGood},
		{SensorID: "t1", Timestamp: base.Add(time.Minute), Value: f64(21), Flag: sensor.FlagGood},
		{SensorID: "t1", Timestamp: base.Add(5 * time.Minute), Value: f64(22), Flag: sensor.FlagGood},
		{SensorID: "t2", Timestamp: base, Value: f64(99), Flag: sensor.FlagGood},
	})
	if err != nil {
		t.Fatalf("WriteSamples failed: %v", err)
	}

	// Rewrite the same key with a new value
	err = store.WriteSamples(ctx, []storage.Sample{
		{SensorID: "t1", Timestamp: base, Value: f64(25), Flag: sensor.FlagGood},
	})
	if err != nil {
		t.Fatalf("WriteSamples failed: %v", err)
	}

	got, err := store.QuerySamples(ctx, storage.QueryRequest{SensorID: "t1", Start: base, End: base.Add(5 * time.Minute)})
	if err != nil {
		t.Fatalf("QuerySamples failed: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("Expected 2 samples in [10:00, 10:05), got %d", len(got))
	}
	if *got[0].Value != 25 {
		t.Errorf("Expected upserted value 25, got %v", *got[0].Value)
	}
	if !got[0].Timestamp.Before(got[1].Timestamp) {
		t.Error("Expected samples ordered by time")
	}
}

func TestMemoryStorage_AggregateUpsertUniqueness(t *testing.T) {
	store := New()
	ctx := context.Background()
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		err := store.UpsertAggregates(ctx, []storage.Aggregate{
			{SensorID: "t1", Tier: storage.Tier5m, Timestamp: ts, Avg: f64(float64(i)), SampleCount: 3},
		})
		if err != nil {
			t.Fatalf("UpsertAggregates failed: %v", err)
		}
	}

	n, _ := store.CountAggregates(ctx, storage.Tier5m)
	if n != 1 {
		t.Errorf("Expected 1 aggregate row, got %d", n)
	}

	hourly, _ := store.CountAggregates(ctx, storage.TierHourly)
	if hourly != 0 {
		t.Errorf("Expected tiers to be independent, got %d hourly rows", hourly)
	}
}

func TestMemoryStorage_LatestLastWriteWins(t *testing.T) {
	store := New()
	ctx := context.Background()
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	replaced, _ := store.PutLatest(ctx, storage.LatestValue{SensorID: "t1", Timestamp: ts, Value: f64(1)})
	if !replaced {
		t.Error("Expected first write to be stored")
	}

	replaced, _ = store.PutLatest(ctx, storage.LatestValue{SensorID: "t1", Timestamp: ts.Add(-time.Minute), Value: f64(2)})
	if replaced {
		t.Error("Expected older write to be ignored")
	}

	latest, _ := store.GetLatest(ctx, "t1")
	if *latest["t1"].Value != 1 {
		t.Errorf("Expected latest value 1, got %v", *latest["t1"].Value)
	}
}

func TestMemoryStorage_DeleteBeforePerTier(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	store.WriteSamples(ctx, []storage.Sample{
		{SensorID: "t1", Timestamp: now.Add(-8 * 24 * time.Hour)},
		{SensorID: "t1", Timestamp: now.Add(-1 * time.Hour)},
	})
	store.UpsertAggregates(ctx, []storage.Aggregate{
		{SensorID: "t1", Tier: storage.Tier5m, Timestamp: now.Add(-8 * 24 * time.Hour)},
	})

	deleted, err := store.DeleteBefore(ctx, storage.TierRaw, now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteBefore failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 raw sample deleted, got %d", deleted)
	}

	if n, _ := store.CountAggregates(ctx, storage.Tier5m); n != 1 {
		t.Errorf("Expected 5min tier untouched, got %d rows", n)
	}
}

func TestMemoryStorage_QualityCreatedThenUpdated(t *testing.T) {
	store := New()
	ctx := context.Background()
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	created, _ := store.UpsertQuality(ctx, storage.QualityRecord{SensorID: "t1", Date: day, ActualCount: 10})
	if !created {
		t.Error("Expected first upsert to create")
	}
	created, _ = store.UpsertQuality(ctx, storage.QualityRecord{SensorID: "t1", Date: day, ActualCount: 12})
	if created {
		t.Error("Expected second upsert to update")
	}

	rec, err := store.GetQuality(ctx, "t1", day)
	if err != nil {
		t.Fatalf("GetQuality failed: %v", err)
	}
	if rec.ActualCount != 12 {
		t.Errorf("Expected actual count 12, got %d", rec.ActualCount)
	}
}

func TestMemoryStorage_DeleteSensorCascades(t *testing.T) {
	store := New()
	ctx := context.Background()
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	store.WriteSamples(ctx, []storage.Sample{{SensorID: "t1", Timestamp: ts}})
	store.UpsertAggregates(ctx, []storage.Aggregate{{SensorID: "t1", Tier: storage.TierDaily, Timestamp: ts}})
	store.PutLatest(ctx, storage.LatestValue{SensorID: "t1", Timestamp: ts})
	store.UpsertQuality(ctx, storage.QualityRecord{SensorID: "t1", Date: ts})

	if err := store.DeleteSensor(ctx, "t1"); err != nil {
		t.Fatalf("DeleteSensor failed: %v", err)
	}

	stats, _ := store.Stats(ctx)
	if stats.TotalSamples != 0 || stats.TotalAggregates != 0 || stats.TotalSensors != 0 {
		t.Errorf("Expected empty store after cascade, got %+v", stats)
	}
	if _, err := store.GetQuality(ctx, "t1", ts); err != storage.ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStorage_ListJobsNewestFirst(t *testing.T) {
	store := New()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	store.SaveJob(ctx, storage.Job{ID: "a", Tier: storage.Tier5m, CreatedAt: base})
	store.SaveJob(ctx, storage.Job{ID: "b", Tier: storage.TierHourly, CreatedAt: base.Add(time.Minute)})
	store.SaveJob(ctx, storage.Job{ID: "c", Tier: storage.Tier5m, CreatedAt: base.Add(2 * time.Minute)})

	jobs, _ := store.ListJobs(ctx, storage.Tier5m, 0)
	if len(jobs) != 2 || jobs[0].ID != "c" || jobs[1].ID != "a" {
		t.Errorf("Unexpected job order: %+v", jobs)
	}

	all, _ := store.ListJobs(ctx, "", 1)
	if len(all) != 1 || all[0].ID != "c" {
		t.Errorf("Expected limit to apply, got %+v", all)
	}
}
