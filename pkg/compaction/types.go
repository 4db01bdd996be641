package compaction

import (
	"errors"
	"math"
	"time"

	"github.com/nicktill/tinyfarm/pkg/config"
	"github.com/nicktill/tinyfarm/pkg/storage"
)

var (
	// ErrUnsupportedTier is returned when a job targets a tier that has no roll-up
	ErrUnsupportedTier = errors.New("unsupported aggregation tier")

	// ErrJobNotRetryable is returned by Retry for jobs that did not fail
	ErrJobNotRetryable = errors.New("job is not in failed state")
)

// Stats counts the outcome of one aggregation run.
type Stats struct {
	RecordsCreated   int `json:"records_created"`
	SensorsProcessed int `json:"sensors_processed"`
	Errors           int `json:"errors"`
	DLICalculated    int `json:"dli_calculated"`
}

func (s *Stats) add(o Stats) {
	s.RecordsCreated += o.RecordsCreated
	s.SensorsProcessed += o.SensorsProcessed
	s.Errors += o.Errors
	s.DLICalculated += o.DLICalculated
}

// Retention is how long each tier is kept. Tiers missing from the map are
// kept forever.
type Retention map[storage.Tier]time.Duration

// DefaultRetention keeps raw samples a week, 5min buckets 90 days and hourly
// buckets a year. Daily buckets are never purged.
func DefaultRetention() Retention {
	return Retention{
		storage.TierRaw:    config.RetentionRaw,
		storage.Tier5m:     config.Retention5m,
		storage.TierHourly: config.RetentionHourly,
	}
}

// Cutoffs returns the delete-before time per tier relative to now.
func (r Retention) Cutoffs(now time.Time) map[storage.Tier]time.Time {
	out := make(map[storage.Tier]time.Time, len(r))
	for tier, keep := range r {
		out[tier] = now.Add(-keep)
	}
	return out
}

// bucket accumulates one 5-minute window of raw samples.
type bucket struct {
	ts     time.Time
	values []float64
	total  int
	flags  [4]int // good, suspect, bad, missing
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func ptr(v float64) *float64 { return &v }
