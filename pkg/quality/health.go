package quality

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/nicktill/tinyfarm/pkg/config"
	"github.com/nicktill/tinyfarm/pkg/sensor"
	"github.com/nicktill/tinyfarm/pkg/storage"
)

// recentJobs is how many of the newest jobs are scanned for failures
const recentJobs = 50

// SensorIssue is a sensor whose mean quality fell below the threshold.
type SensorIssue struct {
	SensorID     string  `json:"sensor_id"`
	QualityScore float64 `json:"quality_score"`
}

// SystemHealth is a point-in-time summary of the pipeline.
type SystemHealth struct {
	Timestamp         time.Time            `json:"timestamp"`
	Status            string               `json:"status"`
	TotalSensors      int                  `json:"total_sensors"`
	ActiveSensors     int                  `json:"active_sensors"`
	Records           map[storage.Tier]int `json:"records"`
	OverallQuality    float64              `json:"overall_quality_score"`
	SensorsWithIssues []SensorIssue        `json:"sensors_with_issues"`
	FailedJobs        []storage.Job        `json:"failed_jobs"`
}

// Health summarizes row counts per tier, sensor counts, the mean quality
// score over the last week and the recent failed aggregation jobs.
func (s *Scorer) Health(ctx context.Context, now time.Time) (*SystemHealth, error) {
	h := &SystemHealth{
		Timestamp:         now,
		TotalSensors:      s.registry.Len(),
		ActiveSensors:     len(s.registry.List(sensor.Filter{ActiveOnly: true})),
		Records:           make(map[storage.Tier]int, 4),
		SensorsWithIssues: []SensorIssue{},
		FailedJobs:        []storage.Job{},
	}

	for _, tier := range []storage.Tier{storage.TierRaw, storage.Tier5m, storage.TierHourly, storage.TierDaily} {
		n, err := s.store.CountAggregates(ctx, tier)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s records: %w", tier, err)
		}
		h.Records[tier] = n
	}

	today := s.dayStart(now)
	recs, err := s.store.QueryQuality(ctx, storage.QueryRequest{
		Start: today.Add(-config.HealthWindow),
		End:   today.AddDate(0, 0, 1),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query quality records: %w", err)
	}

	type acc struct {
		sum float64
		n   int
	}
	perSensor := make(map[string]*acc)
	var total float64
	for _, r := range recs {
		total += r.QualityScore
		a, ok := perSensor[r.SensorID]
		if !ok {
			a = &acc{}
			perSensor[r.SensorID] = a
		}
		a.sum += r.QualityScore
		a.n++
	}
	if len(recs) > 0 {
		h.OverallQuality = round2(total / float64(len(recs)))
	}
	for id, a := range perSensor {
		if mean := a.sum / float64(a.n); mean < config.LowQualityThreshold {
			h.SensorsWithIssues = append(h.SensorsWithIssues, SensorIssue{SensorID: id, QualityScore: round2(mean)})
		}
	}
	sort.Slice(h.SensorsWithIssues, func(i, j int) bool {
		return h.SensorsWithIssues[i].SensorID < h.SensorsWithIssues[j].SensorID
	})

	jobs, err := s.store.ListJobs(ctx, "", recentJobs)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	for _, j := range jobs {
		if j.Status == storage.JobFailed {
			h.FailedJobs = append(h.FailedJobs, j)
		}
	}

	h.Status = "healthy"
	if len(h.SensorsWithIssues) > 0 || len(h.FailedJobs) > 0 {
		h.Status = "degraded"
	}
	return h, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
