package compaction

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/nicktill/tinyfarm/pkg/config"
	"github.com/nicktill/tinyfarm/pkg/metrics"
	"github.com/nicktill/tinyfarm/pkg/sensor"
	"github.com/nicktill/tinyfarm/pkg/storage"
)

// Config wires a Compactor.
type Config struct {
	Store    storage.Storage
	Registry *sensor.Registry

	// Location is the farm's local time zone. Buckets and days are aligned in it.
	Location *time.Location

	// Retention defaults to DefaultRetention()
	Retention Retention

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Compactor rolls finer tiers into coarser ones
type Compactor struct {
	store     storage.Storage
	registry  *sensor.Registry
	loc       *time.Location
	retention Retention
	clock     clockwork.Clock
	log       *slog.Logger
}

// New creates a new compactor
func New(cfg Config) *Compactor {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Retention == nil {
		cfg.Retention = DefaultRetention()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Compactor{
		store:     cfg.Store,
		registry:  cfg.Registry,
		loc:       cfg.Location,
		retention: cfg.Retention,
		clock:     cfg.Clock,
		log:       cfg.Logger.With("component", "compactor"),
	}
}

// Location returns the zone buckets are aligned in.
func (c *Compactor) Location() *time.Location {
	return c.loc
}

// Compact5m aggregates raw samples in [start, end) into 5-minute buckets for
// every active sensor.
//
// Statistics cover good and suspect samples only. SampleCount and the flag
// tallies count every sample, so a bucket of [21.0 good, 22.0 good, missing]
// has avg 21.5, sample_count 3 and good_samples 2.
func (c *Compactor) Compact5m(ctx context.Context, start, end time.Time) (Stats, error) {
	sensors, err := c.sensors(nil)
	if err != nil {
		return Stats{}, err
	}
	return c.compact5m(ctx, sensors, start, end)
}

// Compact1h aggregates 5-minute buckets in [start, end) into hourly buckets.
//
// Avg is the mean of the child averages, not weighted by sample count.
// quality_score = sum(good) / sum(sample_count) * 100.
func (c *Compactor) Compact1h(ctx context.Context, start, end time.Time) (Stats, error) {
	sensors, err := c.sensors(nil)
	if err != nil {
		return Stats{}, err
	}
	return c.compact1h(ctx, sensors, start, end)
}

// Compact1d aggregates the hourly buckets of one local day into a daily bucket.
// Light-flux sensors also get their DLI as total_value.
func (c *Compactor) Compact1d(ctx context.Context, date time.Time) (Stats, error) {
	sensors, err := c.sensors(nil)
	if err != nil {
		return Stats{}, err
	}
	return c.compact1d(ctx, sensors, c.dayStart(date))
}

func (c *Compactor) compact5m(ctx context.Context, sensors []sensor.Sensor, start, end time.Time) (Stats, error) {
	return c.forEach(ctx, storage.Tier5m, sensors, func(s sensor.Sensor, stats *Stats) error {
		samples, err := c.store.QuerySamples(ctx, storage.QueryRequest{SensorID: s.ID, Start: start, End: end})
		if err != nil {
			return fmt.Errorf("failed to query raw samples: %w", err)
		}
		if len(samples) == 0 {
			return nil
		}

		buckets := make(map[time.Time]*bucket)
		for _, smp := range samples {
			ts := roundTo5Minutes(smp.Timestamp.In(c.loc))
			b, ok := buckets[ts]
			if !ok {
				b = &bucket{ts: ts}
				buckets[ts] = b
			}
			b.add(smp)
		}

		aggs := make([]storage.Aggregate, 0, len(buckets))
		for _, b := range buckets {
			aggs = append(aggs, b.aggregate(s.ID))
		}
		sortByTime(aggs)

		if err := c.store.UpsertAggregates(ctx, aggs); err != nil {
			return fmt.Errorf("failed to write 5m aggregates: %w", err)
		}
		stats.RecordsCreated += len(aggs)
		return nil
	})
}

func (c *Compactor) compact1h(ctx context.Context, sensors []sensor.Sensor, start, end time.Time) (Stats, error) {
	return c.forEach(ctx, storage.TierHourly, sensors, func(s sensor.Sensor, stats *Stats) error {
		children, err := c.store.QueryAggregates(ctx, storage.Tier5m, storage.QueryRequest{SensorID: s.ID, Start: start, End: end})
		if err != nil {
			return fmt.Errorf("failed to query 5m aggregates: %w", err)
		}

		groups := make(map[time.Time][]storage.Aggregate)
		for _, a := range children {
			ts := roundTo1Hour(a.Timestamp.In(c.loc))
			groups[ts] = append(groups[ts], a)
		}

		aggs := make([]storage.Aggregate, 0, len(groups))
		for ts, group := range groups {
			agg := rollup(s.ID, storage.TierHourly, ts, group)
			if agg.SampleCount == 0 {
				continue
			}
			agg.QualityScore = round2(float64(agg.GoodSamples) / float64(agg.SampleCount) * 100)
			aggs = append(aggs, agg)
		}
		if len(aggs) == 0 {
			return nil
		}
		sortByTime(aggs)

		if err := c.store.UpsertAggregates(ctx, aggs); err != nil {
			return fmt.Errorf("failed to write 1h aggregates: %w", err)
		}
		stats.RecordsCreated += len(aggs)
		return nil
	})
}

func (c *Compactor) compact1d(ctx context.Context, sensors []sensor.Sensor, day time.Time) (Stats, error) {
	next := day.AddDate(0, 0, 1)

	return c.forEach(ctx, storage.TierDaily, sensors, func(s sensor.Sensor, stats *Stats) error {
		hours, err := c.store.QueryAggregates(ctx, storage.TierHourly, storage.QueryRequest{SensorID: s.ID, Start: day, End: next})
		if err != nil {
			return fmt.Errorf("failed to query hourly aggregates: %w", err)
		}

		agg := rollup(s.ID, storage.TierDaily, day, hours)
		if agg.Avg == nil {
			return nil
		}

		var quality float64
		for _, h := range hours {
			quality += h.QualityScore
		}
		agg.QualityScore = round2(quality / float64(len(hours)))
		agg.UptimePercentage = ptr(agg.QualityScore)

		if s.Type.IsLightFlux() {
			dli, err := c.DLI(ctx, s.ID, day)
			if err != nil {
				return fmt.Errorf("failed to calculate DLI: %w", err)
			}
			if dli != nil {
				agg.TotalValue = dli
				stats.DLICalculated++
			}
		}

		if err := c.store.UpsertAggregates(ctx, []storage.Aggregate{agg}); err != nil {
			return fmt.Errorf("failed to write daily aggregate: %w", err)
		}
		stats.RecordsCreated++
		return nil
	})
}

// forEach runs fn per sensor. A sensor's error is logged and counted; only a
// cancelled context stops the batch.
func (c *Compactor) forEach(ctx context.Context, tier storage.Tier, sensors []sensor.Sensor, fn func(sensor.Sensor, *Stats) error) (Stats, error) {
	began := c.clock.Now()
	defer func() {
		metrics.AggregationDuration.WithLabelValues(string(tier)).Observe(c.clock.Since(began).Seconds())
	}()

	var stats Stats
	for _, s := range sensors {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		written := stats.RecordsCreated
		if err := fn(s, &stats); err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Errors++
			metrics.AggregationErrors.WithLabelValues(string(tier)).Inc()
			c.log.Warn("Aggregation failed for sensor", "tier", tier, "sensor_id", s.ID, "error", err)
			continue
		}
		metrics.AggregatesWritten.WithLabelValues(string(tier)).Add(float64(stats.RecordsCreated - written))
		stats.SensorsProcessed++
	}

	return stats, nil
}

// sensors resolves explicit ids, or every active sensor when ids is empty.
func (c *Compactor) sensors(ids []string) ([]sensor.Sensor, error) {
	if len(ids) == 0 {
		return c.registry.List(sensor.Filter{ActiveOnly: true}), nil
	}

	out := make([]sensor.Sensor, 0, len(ids))
	for _, id := range ids {
		s, err := c.registry.Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// RunJob runs one tier's aggregation over [start, end) wrapped in a tracked
// job. For the daily tier every local day touching the window is aggregated.
// The returned job is in a terminal state unless persisting it failed.
func (c *Compactor) RunJob(ctx context.Context, tier storage.Tier, start, end time.Time, sensorIDs []string) (storage.Job, error) {
	switch tier {
	case storage.Tier5m, storage.TierHourly, storage.TierDaily:
	default:
		return storage.Job{}, fmt.Errorf("%w: %q", ErrUnsupportedTier, tier)
	}

	job := storage.Job{
		ID:        uuid.NewString(),
		Tier:      tier,
		Start:     start,
		End:       end,
		Status:    storage.JobPending,
		SensorIDs: sensorIDs,
		CreatedAt: c.clock.Now(),
	}
	if err := c.store.SaveJob(ctx, job); err != nil {
		return job, fmt.Errorf("failed to save job: %w", err)
	}

	return c.execute(ctx, job)
}

// Retry re-runs the window of a failed job under the same id.
func (c *Compactor) Retry(ctx context.Context, jobID string) (storage.Job, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return storage.Job{}, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	if job.Status != storage.JobFailed {
		return job, fmt.Errorf("%w: %s is %s", ErrJobNotRetryable, jobID, job.Status)
	}

	job.RetryCount++
	return c.execute(ctx, job)
}

func (c *Compactor) execute(ctx context.Context, job storage.Job) (storage.Job, error) {
	job.Status = storage.JobRunning
	job.StartedAt = c.clock.Now()
	job.CompletedAt = time.Time{}
	job.ErrorMessage = ""
	job.ProcessedSensors, job.RecordsCreated, job.Errors, job.DLICalculated = 0, 0, 0, 0

	sensors, err := c.sensors(job.SensorIDs)
	if err == nil {
		job.TotalSensors = len(sensors)
		err = c.store.SaveJob(ctx, job)
	}

	var stats Stats
	if err == nil {
		stats, err = c.runTier(ctx, job.Tier, sensors, job.Start, job.End)
	}

	job.ProcessedSensors = stats.SensorsProcessed
	job.RecordsCreated = stats.RecordsCreated
	job.Errors = stats.Errors
	job.DLICalculated = stats.DLICalculated
	job.CompletedAt = c.clock.Now()
	if err != nil {
		job.Status = storage.JobFailed
		job.ErrorMessage = err.Error()
	} else {
		job.Status = storage.JobCompleted
	}

	// The terminal state is recorded even when ctx was cancelled
	if saveErr := c.store.SaveJob(context.WithoutCancel(ctx), job); saveErr != nil && err == nil {
		err = fmt.Errorf("failed to save job: %w", saveErr)
	}

	attrs := []any{
		"job_id", job.ID,
		"tier", job.Tier,
		"records", stats.RecordsCreated,
		"sensors", stats.SensorsProcessed,
		"errors", stats.Errors,
		"duration", job.CompletedAt.Sub(job.StartedAt).Round(time.Millisecond),
	}
	if err != nil {
		c.log.Error("Aggregation job failed", append(attrs, "error", err)...)
	} else {
		c.log.Info("Aggregation job completed", attrs...)
	}

	return job, err
}

func (c *Compactor) runTier(ctx context.Context, tier storage.Tier, sensors []sensor.Sensor, start, end time.Time) (Stats, error) {
	switch tier {
	case storage.Tier5m:
		return c.compact5m(ctx, sensors, start, end)
	case storage.TierHourly:
		return c.compact1h(ctx, sensors, start, end)
	case storage.TierDaily:
		var total Stats
		day := c.dayStart(start)
		for {
			stats, err := c.compact1d(ctx, sensors, day)
			total.add(stats)
			if err != nil {
				return total, err
			}
			day = day.AddDate(0, 0, 1)
			if !day.Before(end) {
				return total, nil
			}
		}
	}
	return Stats{}, fmt.Errorf("%w: %q", ErrUnsupportedTier, tier)
}

// TrailingWindow returns the window the scheduled run of a tier covers at now:
// the last 15 minutes of closed 5-minute buckets, the last two closed hours,
// or yesterday.
func (c *Compactor) TrailingWindow(tier storage.Tier, now time.Time) (time.Time, time.Time) {
	now = now.In(c.loc)
	switch tier {
	case storage.Tier5m:
		end := roundTo5Minutes(now)
		return end.Add(-config.Compact5mWindow), end
	case storage.TierHourly:
		end := roundTo1Hour(now)
		return end.Add(-config.Compact1hWindow), end
	default:
		end := c.dayStart(now)
		return end.AddDate(0, 0, -1), end
	}
}

// CompactAndCleanup runs the 5-minute and hourly roll-ups over their trailing
// windows, then applies retention.
func (c *Compactor) CompactAndCleanup(ctx context.Context) error {
	now := c.clock.Now()

	start, end := c.TrailingWindow(storage.Tier5m, now)
	if _, err := c.RunJob(ctx, storage.Tier5m, start, end, nil); err != nil {
		return fmt.Errorf("5m compaction failed: %w", err)
	}

	start, end = c.TrailingWindow(storage.TierHourly, now)
	if _, err := c.RunJob(ctx, storage.TierHourly, start, end, nil); err != nil {
		return fmt.Errorf("1h compaction failed: %w", err)
	}

	if _, err := c.Cleanup(ctx, now); err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}

	return nil
}

// Cleanup deletes records older than each tier's retention. Returns the
// number of records removed per tier.
func (c *Compactor) Cleanup(ctx context.Context, now time.Time) (map[storage.Tier]int, error) {
	cutoffs := c.retention.Cutoffs(now)
	deleted := make(map[storage.Tier]int, len(cutoffs))

	for _, tier := range []storage.Tier{storage.TierRaw, storage.Tier5m, storage.TierHourly, storage.TierDaily} {
		before, ok := cutoffs[tier]
		if !ok {
			continue
		}
		n, err := c.store.DeleteBefore(ctx, tier, before)
		if err != nil {
			return deleted, fmt.Errorf("failed to delete old %s data: %w", tier, err)
		}
		deleted[tier] = n
		if n > 0 {
			c.log.Info("Deleted expired records", "tier", tier, "count", n, "before", before)
		}
	}

	return deleted, nil
}

func (c *Compactor) dayStart(t time.Time) time.Time {
	t = t.In(c.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.loc)
}

func (b *bucket) add(s storage.Sample) {
	b.total++
	switch s.Flag {
	case sensor.FlagGood:
		b.flags[0]++
	case sensor.FlagSuspect:
		b.flags[1]++
	case sensor.FlagBad:
		b.flags[2]++
	default:
		b.flags[3]++
	}
	if s.Flag.Valid() && s.Value != nil {
		b.values = append(b.values, *s.Value)
	}
}

func (b *bucket) aggregate(sensorID string) storage.Aggregate {
	agg := storage.Aggregate{
		SensorID:       sensorID,
		Tier:           storage.Tier5m,
		Timestamp:      b.ts,
		SampleCount:    b.total,
		ValidCount:     len(b.values),
		GoodSamples:    b.flags[0],
		SuspectSamples: b.flags[1],
		BadSamples:     b.flags[2],
		MissingSamples: b.flags[3],
	}
	if len(b.values) == 0 {
		return agg
	}

	lo, hi, sum := b.values[0], b.values[0], 0.0
	for _, v := range b.values {
		sum += v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	mean := sum / float64(len(b.values))

	var sq float64
	for _, v := range b.values {
		sq += (v - mean) * (v - mean)
	}

	agg.Avg = ptr(mean)
	agg.Min = ptr(lo)
	agg.Max = ptr(hi)
	agg.StdDev = ptr(math.Sqrt(sq / float64(len(b.values))))
	agg.P25 = ptr(CalculatePercentile(b.values, 0.25))
	agg.P75 = ptr(CalculatePercentile(b.values, 0.75))
	return agg
}

// rollup folds child buckets: mean of the child averages, min of mins, max of
// maxes, summed counts. Quality is left to the caller.
func rollup(sensorID string, tier storage.Tier, ts time.Time, children []storage.Aggregate) storage.Aggregate {
	agg := storage.Aggregate{SensorID: sensorID, Tier: tier, Timestamp: ts}

	var sum float64
	var n int
	for _, ch := range children {
		agg.SampleCount += ch.SampleCount
		agg.ValidCount += ch.ValidCount
		agg.GoodSamples += ch.GoodSamples
		agg.SuspectSamples += ch.SuspectSamples
		agg.BadSamples += ch.BadSamples
		agg.MissingSamples += ch.MissingSamples

		if ch.Avg != nil {
			sum += *ch.Avg
			n++
		}
		if ch.Min != nil && (agg.Min == nil || *ch.Min < *agg.Min) {
			agg.Min = ptr(*ch.Min)
		}
		if ch.Max != nil && (agg.Max == nil || *ch.Max > *agg.Max) {
			agg.Max = ptr(*ch.Max)
		}
	}
	if n > 0 {
		agg.Avg = ptr(sum / float64(n))
	}
	return agg
}

func sortByTime(aggs []storage.Aggregate) {
	sort.Slice(aggs, func(i, j int) bool { return aggs[i].Timestamp.Before(aggs[j].Timestamp) })
}

// roundTo5Minutes rounds a timestamp down to the nearest 5-minute bucket
func roundTo5Minutes(t time.Time) time.Time {
	minutes := t.Minute()
	roundedMinutes := (minutes / 5) * 5

	return time.Date(
		t.Year(), t.Month(), t.Day(),
		t.Hour(), roundedMinutes, 0, 0,
		t.Location(),
	)
}

// roundTo1Hour rounds a timestamp down to the nearest hour
func roundTo1Hour(t time.Time) time.Time {
	return time.Date(
		t.Year(), t.Month(), t.Day(),
		t.Hour(), 0, 0, 0,
		t.Location(),
	)
}

// CalculatePercentile computes percentile p (0..1) by linear interpolation
// between the closest ranks.
func CalculatePercentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	index := p * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))

	if lower == upper {
		return sorted[lower]
	}

	// Linear interpolation
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}
