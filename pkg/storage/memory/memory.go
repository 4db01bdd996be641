package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nicktill/tinyfarm/pkg/storage"
)

// Storage keeps every tier in maps keyed by sensor and timestamp. Data is lost
// on restart. Useful for testing and development.
type Storage struct {
	mu      sync.RWMutex
	samples map[string]map[int64]storage.Sample
	aggs    map[storage.Tier]map[string]map[int64]storage.Aggregate
	latest  map[string]storage.LatestValue
	quality map[string]map[int64]storage.QualityRecord
	jobs    map[string]storage.Job
}

// New creates an in-memory storage backend
func New() *Storage {
	s := &Storage{
		samples: make(map[string]map[int64]storage.Sample),
		aggs:    make(map[storage.Tier]map[string]map[int64]storage.Aggregate),
		latest:  make(map[string]storage.LatestValue),
		quality: make(map[string]map[int64]storage.QualityRecord),
		jobs:    make(map[string]storage.Job),
	}
	for _, tier := range storage.AggregateTiers {
		s.aggs[tier] = make(map[string]map[int64]storage.Aggregate)
	}
	return s
}

// WriteSamples upserts raw samples
func (s *Storage) WriteSamples(ctx context.Context, samples []storage.Sample) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, smp := range samples {
		series, ok := s.samples[smp.SensorID]
		if !ok {
			series = make(map[int64]storage.Sample)
			s.samples[smp.SensorID] = series
		}
		series[smp.Timestamp.UnixNano()] = smp
	}
	return nil
}

// QuerySamples returns one sensor's raw samples in [Start, End)
func (s *Storage) QuerySamples(ctx context.Context, req storage.QueryRequest) ([]storage.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return inRange(s.samples[req.SensorID], req, func(v storage.Sample) time.Time { return v.Timestamp }), nil
}

// UpsertAggregates writes aggregates keyed by (sensor, tier, timestamp)
func (s *Storage) UpsertAggregates(ctx context.Context, aggs []storage.Aggregate) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range aggs {
		tier, ok := s.aggs[a.Tier]
		if !ok {
			tier = make(map[string]map[int64]storage.Aggregate)
			s.aggs[a.Tier] = tier
		}
		series, ok := tier[a.SensorID]
		if !ok {
			series = make(map[int64]storage.Aggregate)
			tier[a.SensorID] = series
		}
		series[a.Timestamp.UnixNano()] = a
	}
	return nil
}

// QueryAggregates returns one tier's aggregates for a sensor in [Start, End)
func (s *Storage) QueryAggregates(ctx context.Context, tier storage.Tier, req storage.QueryRequest) ([]storage.Aggregate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return inRange(s.aggs[tier][req.SensorID], req, func(v storage.Aggregate) time.Time { return v.Timestamp }), nil
}

// CountAggregates returns the number of rows in a tier
func (s *Storage) CountAggregates(ctx context.Context, tier storage.Tier) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if tier == storage.TierRaw {
		return countAll(s.samples), nil
	}
	return countAll(s.aggs[tier]), nil
}

// DeleteBefore removes a tier's records older than the cutoff
func (s *Storage) DeleteBefore(ctx context.Context, tier storage.Tier, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := before.UnixNano()
	if tier == storage.TierRaw {
		return deleteOlder(s.samples, cutoff), nil
	}
	return deleteOlder(s.aggs[tier], cutoff), nil
}

// PutLatest stores v unless a newer value is cached
func (s *Storage) PutLatest(ctx context.Context, v storage.LatestValue) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.latest[v.SensorID]; ok && cur.Timestamp.After(v.Timestamp) {
		return false, nil
	}
	s.latest[v.SensorID] = v
	return true, nil
}

// GetLatest returns cached latest values
func (s *Storage) GetLatest(ctx context.Context, sensorIDs ...string) (map[string]storage.LatestValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]storage.LatestValue)
	if len(sensorIDs) == 0 {
		for id, v := range s.latest {
			out[id] = v
		}
		return out, nil
	}
	for _, id := range sensorIDs {
		if v, ok := s.latest[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

// UpsertQuality writes a daily quality record
func (s *Storage) UpsertQuality(ctx context.Context, rec storage.QualityRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	series, ok := s.quality[rec.SensorID]
	if !ok {
		series = make(map[int64]storage.QualityRecord)
		s.quality[rec.SensorID] = series
	}
	key := rec.Date.UnixNano()
	_, exists := series[key]
	series[key] = rec
	return !exists, nil
}

// GetQuality returns the record for one sensor-day
func (s *Storage) GetQuality(ctx context.Context, sensorID string, date time.Time) (storage.QualityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.quality[sensorID][date.UnixNano()]
	if !ok {
		return storage.QualityRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

// QueryQuality returns quality records with dates in [Start, End)
func (s *Storage) QueryQuality(ctx context.Context, req storage.QueryRequest) ([]storage.QualityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dateOf := func(v storage.QualityRecord) time.Time { return v.Date }
	if req.SensorID != "" {
		return inRange(s.quality[req.SensorID], req, dateOf), nil
	}

	var out []storage.QualityRecord
	for _, series := range s.quality {
		out = append(out, inRange(series, storage.QueryRequest{Start: req.Start, End: req.End}, dateOf)...)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].SensorID < out[j].SensorID
	})
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}

// SaveJob upserts a job by id
func (s *Storage) SaveJob(ctx context.Context, job storage.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.ID] = job
	return nil
}

// GetJob returns one job
func (s *Storage) GetJob(ctx context.Context, id string) (storage.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return storage.Job{}, storage.ErrNotFound
	}
	return job, nil
}

// ListJobs returns jobs newest first
func (s *Storage) ListJobs(ctx context.Context, tier storage.Tier, limit int) ([]storage.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if tier != "" && job.Tier != tier {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteSensor removes every record owned by the sensor
func (s *Storage) DeleteSensor(ctx context.Context, sensorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.samples, sensorID)
	for _, tier := range s.aggs {
		delete(tier, sensorID)
	}
	delete(s.latest, sensorID)
	delete(s.quality, sensorID)
	return nil
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{}
	sensors := make(map[string]bool)

	for id, series := range s.samples {
		if len(series) > 0 {
			sensors[id] = true
		}
		for _, smp := range series {
			stats.TotalSamples++
			if stats.OldestSample.IsZero() || smp.Timestamp.Before(stats.OldestSample) {
				stats.OldestSample = smp.Timestamp
			}
			if smp.Timestamp.After(stats.NewestSample) {
				stats.NewestSample = smp.Timestamp
			}
		}
	}
	for _, tier := range s.aggs {
		for id, series := range tier {
			if len(series) > 0 {
				sensors[id] = true
			}
			stats.TotalAggregates += uint64(len(series))
		}
	}

	stats.TotalSensors = uint64(len(sensors))
	// Rough size estimate (each record ~200 bytes)
	stats.SizeBytes = (stats.TotalSamples + stats.TotalAggregates) * 200

	return stats, nil
}

func inRange[T any](series map[int64]T, req storage.QueryRequest, ts func(T) time.Time) []T {
	out := make([]T, 0)
	for _, v := range series {
		if req.Contains(ts(v)) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return ts(out[i]).Before(ts(out[j])) })
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out
}

func countAll[T any](bySensor map[string]map[int64]T) int {
	n := 0
	for _, series := range bySensor {
		n += len(series)
	}
	return n
}

func deleteOlder[T any](bySensor map[string]map[int64]T, cutoff int64) int {
	n := 0
	for id, series := range bySensor {
		for ts := range series {
			if ts < cutoff {
				delete(series, ts)
				n++
			}
		}
		if len(series) == 0 {
			delete(bySensor, id)
		}
	}
	return n
}
