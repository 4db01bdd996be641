/*
Package compaction rolls raw sensor samples up into 5-minute, hourly and daily
tiers, and computes the Daily Light Integral for PPFD sensors.

# Why Tiers?

A farm channel reporting once a minute writes 1,440 samples a day. Dashboards
asking for "soil moisture over the last quarter" do not need 130,000 points,
so each sensor's history is folded into coarser buckets as it ages:

	┌─────────────────────────────────────────────────────────────┐
	│ Raw samples (kept 7 days)                                   │
	│ • One row per reading, with quality flag                    │
	│ • Serves ranges up to 2 hours                               │
	└─────────────────────────────────────────────────────────────┘
	                      ↓ every 5 minutes
	┌─────────────────────────────────────────────────────────────┐
	│ 5-minute buckets (kept 90 days)                             │
	│ • avg/min/max/stddev/p25/p75 over good+suspect samples      │
	│ • good/suspect/bad/missing tallies over all samples         │
	│ • Serves ranges up to 7 days                                │
	└─────────────────────────────────────────────────────────────┘
	                      ↓ every hour
	┌─────────────────────────────────────────────────────────────┐
	│ Hourly buckets (kept 365 days)                              │
	│ • avg of 5-minute averages, min of mins, max of maxes       │
	│ • quality_score = sum(good) / sum(sample_count) × 100       │
	│ • Serves ranges up to 90 days                               │
	└─────────────────────────────────────────────────────────────┘
	                      ↓ daily, for yesterday
	┌─────────────────────────────────────────────────────────────┐
	│ Daily buckets (kept forever)                                │
	│ • same roll-up over the day's hourly buckets                │
	│ • uptime_percentage = mean hourly quality_score             │
	│ • total_value = DLI for PPFD sensors                        │
	└─────────────────────────────────────────────────────────────┘

Every bucket is keyed by (sensor, tier, bucket start), and the store upserts
on that key. Re-running any window rewrites the same rows with the same
values.

# Usage Example

	compactor := compaction.New(compaction.Config{
	    Store:    store,
	    Registry: registry,
	    Location: farmLocation,
	})

	// 10:00-10:15 raw → three 5-minute buckets
	stats, err := compactor.Compact5m(ctx, start, start.Add(15*time.Minute))

	// Tracked run, recorded as an aggregation job
	job, err := compactor.RunJob(ctx, storage.TierHourly, start, end, nil)

# How Compact5m Works

Input (raw samples for one sensor):

	10:00:00  21.0  good
	10:01:00  22.0  good
	10:02:00  -     missing

Output (5-minute bucket):

	10:00  avg=21.5 min=21.0 max=22.0 sample_count=3 valid_count=2
	       good=2 suspect=0 bad=0 missing=1

Bad and missing samples never reach the statistics, but they are tallied so
the hourly quality score can see them.

# Averages of Averages

Hourly and daily averages are the plain mean of the child bucket averages,
not weighted by sample count. A 5-minute bucket built from 1 sample counts
as much as one built from 5. Sample counts are summed so the bias stays
visible.

# Daily Light Integral

	DLI = mean PPFD in [06:00, 18:00) × 43,200 s / 1,000,000

The 5-minute tier is read first; raw samples are the fallback. No data gives
a nil DLI, never 0.

# Failure Handling

Each sensor is aggregated independently. A failing sensor is logged, counted
in Stats.Errors and skipped. A job is marked failed only when the run as a
whole cannot proceed (cancelled context, unknown sensor id, job persistence).
Failed jobs can be re-run with Retry, which increments retry_count.

# See Also

  - pkg/storage for the tiered Storage interface
  - pkg/quality for per-day quality records
  - pkg/server/tasks.go for the schedule
*/
package compaction
