package storage

import (
	"context"
	"errors"
	"time"

	"github.com/nicktill/tinyfarm/pkg/sensor"
)

// ErrNotFound is returned when a keyed record does not exist
var ErrNotFound = errors.New("not found")

// Tier is one retention/resolution level of the store.
type Tier string

const (
	TierRaw    Tier = "raw"
	Tier5m     Tier = "5min"
	TierHourly Tier = "hourly"
	TierDaily  Tier = "daily"
)

// AggregateTiers lists the roll-up tiers, finest first.
var AggregateTiers = []Tier{Tier5m, TierHourly, TierDaily}

// ParseTier accepts the canonical names plus a few common spellings.
func ParseTier(s string) (Tier, bool) {
	switch s {
	case "raw":
		return TierRaw, true
	case "5min", "5m", "five_minute":
		return Tier5m, true
	case "hourly", "1h", "hour":
		return TierHourly, true
	case "daily", "1d", "day":
		return TierDaily, true
	}
	return "", false
}

// Storage is the tiered time-series store. Every keyed write is an atomic
// upsert: readers see either the previous or the new record, never a partial one.
// Implementations: memory (testing), badger (production).
type Storage interface {
	// WriteSamples upserts raw samples keyed by (sensor, timestamp)
	WriteSamples(ctx context.Context, samples []Sample) error

	// QuerySamples returns raw samples in [start, end) ordered by time
	QuerySamples(ctx context.Context, req QueryRequest) ([]Sample, error)

	// UpsertAggregates writes aggregates keyed by (sensor, tier, timestamp)
	UpsertAggregates(ctx context.Context, aggs []Aggregate) error

	// QueryAggregates returns one tier's aggregates in [start, end) ordered by time
	QueryAggregates(ctx context.Context, tier Tier, req QueryRequest) ([]Aggregate, error)

	// CountAggregates returns the number of rows in a tier
	CountAggregates(ctx context.Context, tier Tier) (int, error)

	// DeleteBefore removes a tier's records older than the cutoff
	DeleteBefore(ctx context.Context, tier Tier, before time.Time) (int, error)

	// PutLatest stores v unless a newer value is already cached for the sensor.
	// Reports whether v replaced the cached value.
	PutLatest(ctx context.Context, v LatestValue) (bool, error)

	// GetLatest returns cached latest values for the given sensors (all when empty)
	GetLatest(ctx context.Context, sensorIDs ...string) (map[string]LatestValue, error)

	// UpsertQuality writes a daily quality record. Reports whether it was created.
	UpsertQuality(ctx context.Context, rec QualityRecord) (bool, error)

	// GetQuality returns the record for one sensor-day or ErrNotFound
	GetQuality(ctx context.Context, sensorID string, date time.Time) (QualityRecord, error)

	// QueryQuality returns records with dates in [start, end), all sensors when SensorID is empty
	QueryQuality(ctx context.Context, req QueryRequest) ([]QualityRecord, error)

	// SaveJob upserts an aggregation job by id
	SaveJob(ctx context.Context, job Job) error

	// GetJob returns one job or ErrNotFound
	GetJob(ctx context.Context, id string) (Job, error)

	// ListJobs returns jobs newest first, filtered by tier when set
	ListJobs(ctx context.Context, tier Tier, limit int) ([]Job, error)

	// DeleteSensor removes every record owned by the sensor
	DeleteSensor(ctx context.Context, sensorID string) error

	// Close cleanly shuts down the storage
	Close() error

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)
}

// QueryRequest selects one sensor's records over a half-open time range.
type QueryRequest struct {
	SensorID string
	Start    time.Time
	End      time.Time

	// Limit number of results (0 = no limit)
	Limit int
}

// Contains reports whether ts is inside [Start, End). A zero End is open.
func (r QueryRequest) Contains(ts time.Time) bool {
	if ts.Before(r.Start) {
		return false
	}
	return r.End.IsZero() || ts.Before(r.End)
}

// Sample is one normalized raw reading. Value is nil for bad and missing samples.
type Sample struct {
	SensorID  string         `json:"sensor_id"`
	Timestamp time.Time      `json:"timestamp"`
	Raw       map[string]any `json:"raw_data,omitempty"`
	Value     *float64       `json:"value"`
	Flag      sensor.Flag    `json:"quality_flag"`
}

// Aggregate is one bucket of a roll-up tier. Avg, Min and Max are nil when no
// valid sample fell into the bucket.
type Aggregate struct {
	SensorID    string    `json:"sensor_id"`
	Tier        Tier      `json:"tier"`
	Timestamp   time.Time `json:"timestamp"`
	Avg         *float64  `json:"avg_value"`
	Min         *float64  `json:"min_value"`
	Max         *float64  `json:"max_value"`
	SampleCount int       `json:"sample_count"`
	ValidCount  int       `json:"valid_count"`
	StdDev      *float64  `json:"std_deviation,omitempty"`
	P25         *float64  `json:"percentile_25,omitempty"`
	P75         *float64  `json:"percentile_75,omitempty"`

	GoodSamples    int `json:"good_samples"`
	SuspectSamples int `json:"suspect_samples"`
	BadSamples     int `json:"bad_samples"`
	MissingSamples int `json:"missing_samples"`

	// Hourly and daily only
	QualityScore float64 `json:"quality_score"`

	// Daily only
	TotalValue       *float64 `json:"total_value,omitempty"`
	UptimePercentage *float64 `json:"uptime_percentage,omitempty"`
}

// LatestValue is the current-state row for one sensor.
type LatestValue struct {
	SensorID  string         `json:"sensor_id"`
	Timestamp time.Time      `json:"timestamp"`
	Value     *float64       `json:"value"`
	RawValue  any            `json:"raw_value"`
	Raw       map[string]any `json:"raw_data,omitempty"`
	Flag      sensor.Flag    `json:"quality_flag"`
}

// Gap is a span with no usable samples.
type Gap struct {
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	EstimatedMissing int       `json:"estimated_missing"`
}

// QualityRecord summarizes one sensor-day of raw samples.
type QualityRecord struct {
	SensorID       string    `json:"sensor_id"`
	Date           time.Time `json:"date"`
	ExpectedCount  int       `json:"expected_samples"`
	ActualCount    int       `json:"actual_samples"`
	GoodSamples    int       `json:"good_samples"`
	SuspectSamples int       `json:"suspect_samples"`
	BadSamples     int       `json:"bad_samples"`
	MissingSamples int       `json:"missing_samples"`
	QualityScore   float64   `json:"quality_score"`
	MissingPeriods []Gap     `json:"missing_periods"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// JobStatus is the lifecycle state of an aggregation job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is the operational record of one aggregation run.
type Job struct {
	ID               string    `json:"id"`
	Tier             Tier      `json:"aggregation_level"`
	Start            time.Time `json:"start_time"`
	End              time.Time `json:"end_time"`
	Status           JobStatus `json:"status"`
	SensorIDs        []string  `json:"sensor_ids,omitempty"`
	TotalSensors     int       `json:"total_sensors"`
	ProcessedSensors int       `json:"processed_sensors"`
	RecordsCreated   int       `json:"records_created"`
	Errors           int       `json:"errors"`
	DLICalculated    int       `json:"dli_calculated,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	RetryCount       int       `json:"retry_count"`
	CreatedAt        time.Time `json:"created_at"`
	StartedAt        time.Time `json:"started_at,omitzero"`
	CompletedAt      time.Time `json:"completed_at,omitzero"`
}

// Stats provides storage health and usage info
type Stats struct {
	// Raw samples stored
	TotalSamples uint64 `json:"total_samples"`

	// Aggregate rows across all roll-up tiers
	TotalAggregates uint64 `json:"total_aggregates"`

	// Sensors with at least one raw sample or aggregate
	TotalSensors uint64 `json:"total_sensors"`

	// Storage size in bytes
	SizeBytes uint64 `json:"size_bytes"`

	// Oldest and newest raw sample timestamps
	OldestSample time.Time `json:"oldest_sample,omitzero"`
	NewestSample time.Time `json:"newest_sample,omitzero"`
}
