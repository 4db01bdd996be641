// Package sampling reduces a time series to a display budget on read.
//
// Reduction runs in two stages. Stride sampling first cuts an oversized
// series down while keeping both endpoints, then interval aggregation
// averages the survivors into fixed-width buckets whose width depends on the
// point count and the requested range:
//
//	series := sampling.Series{Timestamps: ts, Values: vals}
//	out, interval := sampling.Reduce(series, 500, sampling.RangeDays(start, end))
//
// Missing values are nil throughout. WithSentinel renders them as a
// placeholder for clients that cannot handle nulls.
package sampling

import (
	"math"
	"sort"
	"time"
)

// MinPointsForAggregate is the size below which interval aggregation is
// not worth running.
const MinPointsForAggregate = 500

// Series is a time-ordered list of optional values
type Series struct {
	Timestamps []time.Time `json:"timestamps"`
	Values     []*float64  `json:"values"`
}

// Len returns the number of points
func (s Series) Len() int {
	return len(s.Values)
}

// SmartSample keeps every stride-th point plus the last one, where
// stride = max(1, n/maxPoints). Series at or under the budget are returned
// unchanged.
func SmartSample(s Series, maxPoints int) Series {
	n := s.Len()
	if maxPoints <= 0 || n <= maxPoints {
		return s
	}

	stride := max(1, n/maxPoints)
	out := Series{
		Timestamps: make([]time.Time, 0, n/stride+2),
		Values:     make([]*float64, 0, n/stride+2),
	}
	for i := 0; i < n; i += stride {
		out.Timestamps = append(out.Timestamps, s.Timestamps[i])
		out.Values = append(out.Values, s.Values[i])
	}
	if (n-1)%stride != 0 {
		out.Timestamps = append(out.Timestamps, s.Timestamps[n-1])
		out.Values = append(out.Values, s.Values[n-1])
	}
	return out
}

// ChooseInterval picks a bucket width from the number of points and the
// range length in days. Shorter ranges get finer buckets, denser data
// coarser ones.
func ChooseInterval(points, rangeDays int) time.Duration {
	var minutes int
	switch {
	case rangeDays <= 3:
		minutes = 5
		if points > 2000 {
			minutes = 15
		}
	case rangeDays <= 7:
		minutes = 15
		if points > 5000 {
			minutes = 30
		}
	case rangeDays <= 31:
		switch {
		case points > 10000:
			minutes = 60
		case points > 5000:
			minutes = 30
		default:
			minutes = 15
		}
	default:
		minutes = 60
		if points > 10000 {
			minutes = 120
		}
	}
	return time.Duration(minutes) * time.Minute
}

// AggregateIntervals averages the series into interval-wide buckets aligned
// to midnight of the first timestamp's day. Every bucket between the first
// and last point is emitted; buckets without a value are nil. Duplicate
// timestamps keep the last value.
func AggregateIntervals(s Series, interval time.Duration) Series {
	if s.Len() == 0 || interval <= 0 {
		return s
	}

	type point struct {
		ts time.Time
		v  *float64
	}
	byTime := make(map[int64]int, s.Len())
	points := make([]point, 0, s.Len())
	for i, ts := range s.Timestamps {
		key := ts.UnixNano()
		if j, ok := byTime[key]; ok {
			points[j].v = s.Values[i]
			continue
		}
		byTime[key] = len(points)
		points = append(points, point{ts: ts, v: s.Values[i]})
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].ts.Before(points[j].ts) })

	first := points[0].ts
	origin := time.Date(first.Year(), first.Month(), first.Day(), 0, 0, 0, 0, first.Location())
	last := points[len(points)-1].ts

	buckets := int(last.Sub(origin)/interval) + 1
	startBucket := int(first.Sub(origin) / interval)

	sums := make([]float64, buckets)
	counts := make([]int, buckets)
	for _, p := range points {
		if p.v == nil {
			continue
		}
		b := int(p.ts.Sub(origin) / interval)
		sums[b] += *p.v
		counts[b]++
	}

	out := Series{
		Timestamps: make([]time.Time, 0, buckets-startBucket),
		Values:     make([]*float64, 0, buckets-startBucket),
	}
	for b := startBucket; b < buckets; b++ {
		out.Timestamps = append(out.Timestamps, origin.Add(time.Duration(b)*interval))
		if counts[b] == 0 {
			out.Values = append(out.Values, nil)
			continue
		}
		mean := round2(sums[b] / float64(counts[b]))
		out.Values = append(out.Values, &mean)
	}
	return out
}

// Reduce applies stride sampling when the series is over maxPoints, then
// interval aggregation unless fewer than MinPointsForAggregate points remain.
// The interval is chosen from the original point count. A zero interval is
// returned when aggregation was skipped.
func Reduce(s Series, maxPoints, rangeDays int) (Series, time.Duration) {
	original := s.Len()
	if original == 0 {
		return s, 0
	}

	sampled := SmartSample(s, maxPoints)
	if sampled.Len() < MinPointsForAggregate {
		return sampled, 0
	}

	interval := ChooseInterval(original, rangeDays)
	return AggregateIntervals(sampled, interval), interval
}

// RangeDays returns the whole days between start and end plus one, so a
// same-day range counts as one day.
func RangeDays(start, end time.Time) int {
	if end.Before(start) {
		return 1
	}
	return int(end.Sub(start)/(24*time.Hour)) + 1
}

// WithSentinel renders nil values as sentinel.
func WithSentinel(values []*float64, sentinel float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		if v == nil {
			out[i] = sentinel
			continue
		}
		out[i] = *v
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
