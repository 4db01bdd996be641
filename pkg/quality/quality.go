// Package quality scores each sensor-day of raw samples against a nominal
// sampling policy and summarizes system health.
package quality

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nicktill/tinyfarm/pkg/config"
	"github.com/nicktill/tinyfarm/pkg/sensor"
	"github.com/nicktill/tinyfarm/pkg/storage"
)

// Policy is the sampling cadence a sensor is expected to meet. It is a fixed
// assumption, not derived from how often a sensor actually reports.
type Policy struct {
	ExpectedPerDay  int
	NominalInterval time.Duration
}

// DefaultPolicy expects one sample per minute.
func DefaultPolicy() Policy {
	return Policy{
		ExpectedPerDay:  config.ExpectedSamplesPerDay,
		NominalInterval: config.NominalSampleInterval,
	}
}

// Stats counts the outcome of UpdateDaily
type Stats struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Errors  int `json:"errors"`
}

// Config wires a Scorer.
type Config struct {
	Store    storage.Storage
	Registry *sensor.Registry
	Policy   Policy
	Location *time.Location
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

// Scorer computes DataQualityRecords from the raw tier.
type Scorer struct {
	store    storage.Storage
	registry *sensor.Registry
	policy   Policy
	loc      *time.Location
	clock    clockwork.Clock
	log      *slog.Logger
}

// NewScorer creates a scorer. A zero Policy means DefaultPolicy.
func NewScorer(cfg Config) *Scorer {
	if cfg.Policy.ExpectedPerDay <= 0 || cfg.Policy.NominalInterval <= 0 {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scorer{
		store:    cfg.Store,
		registry: cfg.Registry,
		policy:   cfg.Policy,
		loc:      cfg.Location,
		clock:    cfg.Clock,
		log:      cfg.Logger.With("component", "quality"),
	}
}

// Score computes the quality record of one sensor for the local day of date.
// Every stored row counts toward the actual count; rows flagged missing are
// treated as absent when looking for gaps.
func (s *Scorer) Score(ctx context.Context, sensorID string, date time.Time) (storage.QualityRecord, error) {
	if _, err := s.registry.Get(sensorID); err != nil {
		return storage.QualityRecord{}, err
	}

	dayStart := s.dayStart(date)
	dayEnd := dayStart.AddDate(0, 0, 1)

	samples, err := s.store.QuerySamples(ctx, storage.QueryRequest{SensorID: sensorID, Start: dayStart, End: dayEnd})
	if err != nil {
		return storage.QualityRecord{}, fmt.Errorf("failed to query raw samples: %w", err)
	}

	rec := storage.QualityRecord{
		SensorID:      sensorID,
		Date:          dayStart,
		ExpectedCount: s.policy.ExpectedPerDay,
		ActualCount:   len(samples),
		UpdatedAt:     s.clock.Now(),
	}

	present := make([]time.Time, 0, len(samples))
	for _, smp := range samples {
		switch smp.Flag {
		case sensor.FlagGood:
			rec.GoodSamples++
		case sensor.FlagSuspect:
			rec.SuspectSamples++
		case sensor.FlagBad:
			rec.BadSamples++
		default:
			rec.MissingSamples++
			continue
		}
		present = append(present, smp.Timestamp)
	}

	rec.QualityScore = round2(float64(rec.ActualCount) / float64(rec.ExpectedCount) * 100)
	rec.MissingPeriods = DetectGaps(present, dayStart, dayEnd, s.policy.NominalInterval)
	return rec, nil
}

// DetectGaps scans timestamps for spans in [dayStart, dayEnd) without samples:
//
//   - the leading gap, from dayStart to the first sample
//   - every interior gap longer than nominal
//   - the trailing gap, from the last sample to dayEnd
//
// A day with no samples at all is one gap covering the whole day.
func DetectGaps(timestamps []time.Time, dayStart, dayEnd time.Time, nominal time.Duration) []storage.Gap {
	gaps := []storage.Gap{}
	if nominal <= 0 {
		return gaps
	}

	ts := make([]time.Time, 0, len(timestamps))
	for _, t := range timestamps {
		if !t.Before(dayStart) && t.Before(dayEnd) {
			ts = append(ts, t)
		}
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })

	if len(ts) == 0 {
		return append(gaps, storage.Gap{
			Start:            dayStart,
			End:              dayEnd,
			EstimatedMissing: int(dayEnd.Sub(dayStart) / nominal),
		})
	}

	if lead := int(ts[0].Sub(dayStart) / nominal); lead > 0 {
		gaps = append(gaps, storage.Gap{Start: dayStart, End: ts[0], EstimatedMissing: lead})
	}

	for i := 1; i < len(ts); i++ {
		if gap, ok := between(ts[i-1], ts[i], nominal); ok {
			gaps = append(gaps, gap)
		}
	}

	if gap, ok := between(ts[len(ts)-1], dayEnd, nominal); ok {
		gaps = append(gaps, gap)
	}

	return gaps
}

func between(from, to time.Time, nominal time.Duration) (storage.Gap, bool) {
	diff := to.Sub(from)
	if diff <= nominal {
		return storage.Gap{}, false
	}
	missing := int(diff/nominal) - 1
	if missing < 1 {
		missing = 1
	}
	return storage.Gap{Start: from, End: to, EstimatedMissing: missing}, true
}

// UpdateDaily scores and upserts one record per sensor for the local day of
// date. Empty sensorIDs means every active sensor. A failing sensor is logged
// and counted; the rest continue.
func (s *Scorer) UpdateDaily(ctx context.Context, sensorIDs []string, date time.Time) (Stats, error) {
	ids := sensorIDs
	if len(ids) == 0 {
		for _, sn := range s.registry.List(sensor.Filter{ActiveOnly: true}) {
			ids = append(ids, sn.ID)
		}
	}

	var stats Stats
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		rec, err := s.Score(ctx, id, date)
		if err == nil {
			var created bool
			created, err = s.store.UpsertQuality(ctx, rec)
			if err == nil && created {
				stats.Created++
			} else if err == nil {
				stats.Updated++
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Errors++
			s.log.Warn("Quality update failed", "sensor_id", id, "date", s.dayStart(date).Format(time.DateOnly), "error", err)
		}
	}

	s.log.Info("Quality records updated",
		"date", s.dayStart(date).Format(time.DateOnly),
		"created", stats.Created,
		"updated", stats.Updated,
		"errors", stats.Errors,
	)
	return stats, nil
}

func (s *Scorer) dayStart(t time.Time) time.Time {
	t = t.In(s.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.loc)
}
