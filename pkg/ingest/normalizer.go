// Package ingest turns upstream records into quality-flagged samples and
// keeps the latest-value table current.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/nicktill/tinyfarm/pkg/metrics"
	"github.com/nicktill/tinyfarm/pkg/sensor"
	"github.com/nicktill/tinyfarm/pkg/storage"
	"github.com/nicktill/tinyfarm/pkg/upstream"
)

// Normalize converts one upstream record into a sample for s. It never fails:
// absent values are flagged missing and non-numeric values bad.
func Normalize(s sensor.Sensor, rec upstream.Record) storage.Sample {
	smp := storage.Sample{
		SensorID:  s.ID,
		Timestamp: rec.Timestamp,
		Raw:       rec.Data,
		Flag:      sensor.FlagMissing,
	}

	raw, ok := rec.Data[s.APIValueKey]
	if !ok || raw == nil {
		return smp
	}

	v, ok := toFloat(raw)
	if !ok {
		smp.Flag = sensor.FlagBad
		return smp
	}

	value := s.Calibrate(v)
	smp.Value = &value
	if s.Type.InRange(value) {
		smp.Flag = sensor.FlagGood
	} else {
		smp.Flag = sensor.FlagSuspect
	}
	return smp
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// SampleWriter persists raw samples. Both storage.Storage and Batcher satisfy it.
type SampleWriter interface {
	WriteSamples(ctx context.Context, samples []storage.Sample) error
}

// LatestStore holds one current-state row per sensor.
type LatestStore interface {
	PutLatest(ctx context.Context, v storage.LatestValue) (bool, error)
}

// Publisher receives latest values that replaced the stored ones.
type Publisher interface {
	Publish(v storage.LatestValue)
}

// Stats counts what one Ingest call produced
type Stats struct {
	Good          int  `json:"good"`
	Suspect       int  `json:"suspect"`
	Bad           int  `json:"bad"`
	Missing       int  `json:"missing"`
	LatestUpdated bool `json:"latest_updated"`
}

// Total returns the number of samples written
func (s Stats) Total() int {
	return s.Good + s.Suspect + s.Bad + s.Missing
}

func (s *Stats) add(f sensor.Flag) {
	switch f {
	case sensor.FlagGood:
		s.Good++
	case sensor.FlagSuspect:
		s.Suspect++
	case sensor.FlagBad:
		s.Bad++
	default:
		s.Missing++
	}
}

// Normalizer writes normalized samples and maintains the latest-value row.
type Normalizer struct {
	registry *sensor.Registry
	writer   SampleWriter
	latest   LatestStore
	hub      Publisher
	log      *slog.Logger
}

// NewNormalizer creates a normalizer. writer may be the store itself or a
// Batcher in front of it.
func NewNormalizer(registry *sensor.Registry, writer SampleWriter, latest LatestStore, log *slog.Logger) *Normalizer {
	if log == nil {
		log = slog.Default()
	}
	return &Normalizer{
		registry: registry,
		writer:   writer,
		latest:   latest,
		log:      log.With("component", "ingest"),
	}
}

// SetPublisher attaches a live-update publisher (optional)
func (n *Normalizer) SetPublisher(p Publisher) {
	n.hub = p
}

// Ingest normalizes records for one sensor, stores them, and advances the
// sensor's latest value if the newest record is newer than the stored one.
func (n *Normalizer) Ingest(ctx context.Context, sensorID string, records []upstream.Record) (Stats, error) {
	var stats Stats
	if len(records) == 0 {
		return stats, nil
	}

	s, err := n.registry.Get(sensorID)
	if err != nil {
		return stats, err
	}

	samples := make([]storage.Sample, 0, len(records))
	newest := -1
	for i, rec := range records {
		smp := Normalize(s, rec)
		samples = append(samples, smp)
		stats.add(smp.Flag)
		if newest < 0 || smp.Timestamp.After(samples[newest].Timestamp) {
			newest = i
		}
	}

	if err := n.writer.WriteSamples(ctx, samples); err != nil {
		return stats, fmt.Errorf("failed to write samples for %s: %w", sensorID, err)
	}
	metrics.SamplesIngested.WithLabelValues(string(sensor.FlagGood)).Add(float64(stats.Good))
	metrics.SamplesIngested.WithLabelValues(string(sensor.FlagSuspect)).Add(float64(stats.Suspect))
	metrics.SamplesIngested.WithLabelValues(string(sensor.FlagBad)).Add(float64(stats.Bad))
	metrics.SamplesIngested.WithLabelValues(string(sensor.FlagMissing)).Add(float64(stats.Missing))

	top := samples[newest]
	lv := storage.LatestValue{
		SensorID:  s.ID,
		Timestamp: top.Timestamp,
		Value:     top.Value,
		RawValue:  top.Raw[s.APIValueKey],
		Raw:       top.Raw,
		Flag:      top.Flag,
	}
	replaced, err := n.latest.PutLatest(ctx, lv)
	if err != nil {
		return stats, fmt.Errorf("failed to update latest value for %s: %w", sensorID, err)
	}
	if replaced {
		stats.LatestUpdated = true
		n.registry.TouchLastSeen(s.ID, top.Timestamp)
		if n.hub != nil {
			n.hub.Publish(lv)
		}
	}

	n.log.Debug("Ingested samples", "sensor_id", s.ID, "count", len(samples), "bad", stats.Bad, "missing", stats.Missing)
	return stats, nil
}
