package compaction

import (
	"context"
	"fmt"
	"time"

	"github.com/nicktill/tinyfarm/pkg/config"
	"github.com/nicktill/tinyfarm/pkg/storage"
)

// PhotoperiodWindow returns the local [06:00, 18:00) window of date. Both
// bounds are wall-clock times, so DST changes do not shift them.
func (c *Compactor) PhotoperiodWindow(date time.Time) (time.Time, time.Time) {
	y, m, d := date.In(c.loc).Date()
	return time.Date(y, m, d, config.PhotoperiodStartHour, 0, 0, 0, c.loc),
		time.Date(y, m, d, config.PhotoperiodEndHour, 0, 0, 0, c.loc)
}

// DLI returns the Daily Light Integral of a PPFD sensor in mol/m²/day:
//
//	mean PPFD over the photoperiod (µmol/s/m²) × window seconds / 1e6
//
// The 5-minute tier is preferred. When it holds no averages for the window
// the raw good and suspect samples are used instead. Returns nil when neither
// has data, so "no data" stays distinct from "no light".
func (c *Compactor) DLI(ctx context.Context, sensorID string, date time.Time) (*float64, error) {
	start, end := c.PhotoperiodWindow(date)
	req := storage.QueryRequest{SensorID: sensorID, Start: start, End: end}

	aggs, err := c.store.QueryAggregates(ctx, storage.Tier5m, req)
	if err != nil {
		return nil, fmt.Errorf("failed to query 5m aggregates: %w", err)
	}

	var sum float64
	var n int
	for _, a := range aggs {
		if a.Avg != nil {
			sum += *a.Avg
			n++
		}
	}

	if n == 0 {
		samples, err := c.store.QuerySamples(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("failed to query raw samples: %w", err)
		}
		for _, s := range samples {
			if s.Flag.Valid() && s.Value != nil {
				sum += *s.Value
				n++
			}
		}
	}

	if n == 0 {
		return nil, nil
	}

	mean := sum / float64(n)
	dli := round2(mean * end.Sub(start).Seconds() / 1e6)
	return &dli, nil
}
