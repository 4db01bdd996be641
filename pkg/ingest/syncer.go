package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/nicktill/tinyfarm/pkg/sensor"
	"github.com/nicktill/tinyfarm/pkg/upstream"
)

// ErrSyncFailed is returned when no sensor could be synced at all.
var ErrSyncFailed = errors.New("latest sync failed for every sensor")

// Fetcher is the part of the upstream client the syncer needs.
type Fetcher interface {
	FetchLatest(ctx context.Context, apiSensorID string) (*upstream.Record, error)
	FetchRange(ctx context.Context, apiSensorID string, start, end time.Time) ([]upstream.Record, error)
}

// SyncStats summarizes one SyncLatest run
type SyncStats struct {
	TotalSensors int `json:"total_sensors"`
	Success      int `json:"success_count"`
	Errors       int `json:"error_count"`
	Updated      int `json:"updated_count"`
}

// BackfillStats summarizes one Backfill run
type BackfillStats struct {
	Chunks  int   `json:"chunks"`
	Records int   `json:"records"`
	Errors  int   `json:"errors"`
	Samples Stats `json:"samples"`
}

// Syncer pulls records from the upstream API into the store.
type Syncer struct {
	registry *sensor.Registry
	fetcher  Fetcher
	norm     *Normalizer
	pool     pond.ResultPool[channelResult]
	log      *slog.Logger
}

type channelResult struct {
	sensors int
	success int
	updated int
}

// NewSyncer creates a syncer that fans latest-value calls out over workers
// concurrent upstream requests.
func NewSyncer(registry *sensor.Registry, fetcher Fetcher, norm *Normalizer, workers int, log *slog.Logger) *Syncer {
	if workers <= 0 {
		workers = 4
	}
	if log == nil {
		log = slog.Default()
	}
	return &Syncer{
		registry: registry,
		fetcher:  fetcher,
		norm:     norm,
		pool:     pond.NewResultPool[channelResult](workers),
		log:      log.With("component", "syncer"),
	}
}

// Close stops the worker pool
func (s *Syncer) Close() {
	s.pool.StopAndWait()
}

// SyncLatest fetches the latest record for every active sensor, optionally
// restricted to one farm. Sensors sharing an upstream id share one request.
func (s *Syncer) SyncLatest(ctx context.Context, farm int) (SyncStats, error) {
	sensors := s.registry.List(sensor.Filter{Farm: farm, ActiveOnly: true})
	stats := SyncStats{TotalSensors: len(sensors)}
	if len(sensors) == 0 {
		return stats, nil
	}

	byAPI := make(map[string][]sensor.Sensor)
	var order []string
	for _, sn := range sensors {
		if _, ok := byAPI[sn.APISensorID]; !ok {
			order = append(order, sn.APISensorID)
		}
		byAPI[sn.APISensorID] = append(byAPI[sn.APISensorID], sn)
	}

	group := s.pool.NewGroupContext(ctx)
	for _, apiID := range order {
		channels := byAPI[apiID]
		group.Submit(func() channelResult {
			return s.syncChannel(ctx, apiID, channels)
		})
	}

	results, err := group.Wait()
	if err != nil {
		return stats, fmt.Errorf("failed to sync latest values: %w", err)
	}

	for _, r := range results {
		stats.Success += r.success
		stats.Updated += r.updated
		stats.Errors += r.sensors - r.success
	}

	s.log.Info("Sync completed", "total", stats.TotalSensors, "success", stats.Success, "errors", stats.Errors, "updated", stats.Updated)
	if stats.Success == 0 {
		return stats, ErrSyncFailed
	}
	return stats, nil
}

func (s *Syncer) syncChannel(ctx context.Context, apiID string, channels []sensor.Sensor) channelResult {
	res := channelResult{sensors: len(channels)}

	rec, err := s.fetcher.FetchLatest(ctx, apiID)
	if err != nil {
		s.log.Warn("Latest fetch failed", "api_sensor_id", apiID, "error", err)
		return res
	}

	for _, sn := range channels {
		st, err := s.norm.Ingest(ctx, sn.ID, []upstream.Record{*rec})
		if err != nil {
			s.log.Warn("Failed to store latest value", "sensor_id", sn.ID, "error", err)
			continue
		}
		res.success++
		if st.LatestUpdated {
			res.updated++
		}
	}
	return res
}

// Backfill fetches a sensor's history from start to end in chunk-sized
// windows and stores it. With dryRun set nothing is written and Samples only
// counts what would have been stored.
func (s *Syncer) Backfill(ctx context.Context, sensorID string, start, end time.Time, chunk time.Duration, dryRun bool) (BackfillStats, error) {
	var stats BackfillStats

	sn, err := s.registry.Get(sensorID)
	if err != nil {
		return stats, err
	}
	if chunk <= 0 {
		chunk = 24 * time.Hour
	}

	for from := start; from.Before(end); from = from.Add(chunk) {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		to := from.Add(chunk)
		if to.After(end) {
			to = end
		}
		stats.Chunks++

		records, err := s.fetcher.FetchRange(ctx, sn.APISensorID, from, to)
		if err != nil {
			stats.Errors++
			s.log.Warn("Backfill chunk failed", "sensor_id", sensorID, "from", from, "to", to, "error", err)
			continue
		}
		stats.Records += len(records)

		if dryRun {
			for _, rec := range records {
				stats.Samples.add(Normalize(sn, rec).Flag)
			}
			continue
		}

		st, err := s.norm.Ingest(ctx, sensorID, records)
		if err != nil {
			stats.Errors++
			s.log.Warn("Backfill write failed", "sensor_id", sensorID, "from", from, "error", err)
			continue
		}
		stats.Samples.Good += st.Good
		stats.Samples.Suspect += st.Suspect
		stats.Samples.Bad += st.Bad
		stats.Samples.Missing += st.Missing
		if st.LatestUpdated {
			stats.Samples.LatestUpdated = true
		}
	}

	s.log.Info("Backfill completed", "sensor_id", sensorID, "chunks", stats.Chunks, "records", stats.Records, "errors", stats.Errors, "dry_run", dryRun)
	return stats, nil
}
