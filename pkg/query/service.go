// Package query is the read path used by dashboards: latest values, tier
// routed history reduced to a point budget, and chart groups fetched
// concurrently.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nicktill/tinyfarm/pkg/cache"
	"github.com/nicktill/tinyfarm/pkg/config"
	"github.com/nicktill/tinyfarm/pkg/fetch"
	"github.com/nicktill/tinyfarm/pkg/ingest"
	"github.com/nicktill/tinyfarm/pkg/sampling"
	"github.com/nicktill/tinyfarm/pkg/sensor"
	"github.com/nicktill/tinyfarm/pkg/storage"
	"github.com/nicktill/tinyfarm/pkg/upstream"
)

// ErrChartNotFound is returned for chart names missing from the catalog
var ErrChartNotFound = errors.New("chart not found")

// LevelAuto lets the service pick the tier from the requested range
const LevelAuto = "auto"

// Where a historical series was read from
const (
	SourceStore    = "store"
	SourceUpstream = "upstream"
)

// RangeFetcher is the part of the upstream client used for the live fallback
type RangeFetcher interface {
	FetchRange(ctx context.Context, apiSensorID string, start, end time.Time) ([]upstream.Record, error)
}

// Filter selects sensors for GetLatestValues. Zero values match everything.
type Filter struct {
	Farm      int
	SensorIDs []string
}

// LatestView is the current state of one sensor
type LatestView struct {
	Value     *float64    `json:"value"`
	RawValue  any         `json:"raw_value"`
	Timestamp time.Time   `json:"timestamp"`
	Quality   sensor.Flag `json:"quality"`
	Unit      string      `json:"unit"`
	Location  string      `json:"location"`
	Farm      int         `json:"farm"`
}

// SensorInfo describes the sensor behind a series
type SensorInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Type     string `json:"type"`
	Unit     string `json:"unit"`
	Location string `json:"location,omitempty"`
	Farm     int    `json:"farm"`
}

// HistoricalResult is one sensor's series over a range. Failures are
// reported in Error; NotFound marks an unknown sensor as opposed to an
// empty range.
type HistoricalResult struct {
	SensorID         string       `json:"sensor_id"`
	Timestamps       []time.Time  `json:"timestamps"`
	Values           []*float64   `json:"values"`
	AggregationLevel storage.Tier `json:"aggregation_level,omitempty"`
	IntervalMinutes  int          `json:"interval_minutes,omitempty"`
	TotalPoints      int          `json:"total_points"`
	Source           string       `json:"source,omitempty"`
	SensorInfo       *SensorInfo  `json:"sensor_info,omitempty"`
	Error            string       `json:"error,omitempty"`
	NotFound         bool         `json:"not_found,omitempty"`
}

// HasData reports whether at least one value is present
func (r HistoricalResult) HasData() bool {
	for _, v := range r.Values {
		if v != nil {
			return true
		}
	}
	return false
}

// ChartResult holds every series of one chart group, keyed by series key.
type ChartResult struct {
	Chart  string                      `json:"chart"`
	Start  time.Time                   `json:"start"`
	End    time.Time                   `json:"end"`
	Series map[string]HistoricalResult `json:"series"`
}

// Config wires a Service. Upstream and Cache are optional.
type Config struct {
	Store    storage.Storage
	Registry *sensor.Registry
	Upstream RangeFetcher
	Cache    cache.Cache
	Location *time.Location
	Clock    clockwork.Clock
	Logger   *slog.Logger

	// Zero values mean fetch.MultiSensorConfig and fetch.DefaultConfig
	Multi  fetch.Config
	Charts fetch.Config
}

// Service answers read API calls.
type Service struct {
	store    storage.Storage
	registry *sensor.Registry
	upstream RangeFetcher
	loc      *time.Location
	clock    clockwork.Clock
	log      *slog.Logger

	latest  *cache.JSON[map[string]LatestView]
	history *cache.JSON[HistoricalResult]
	charts  *cache.JSON[ChartResult]

	multi *fetch.Orchestrator[HistoricalResult]
	chart *fetch.Orchestrator[HistoricalResult]
}

// New creates a Service and its fetch pools. Call Close to release them.
func New(cfg Config) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Multi.Workers == 0 {
		cfg.Multi = fetch.MultiSensorConfig()
	}
	if cfg.Charts.Workers == 0 {
		cfg.Charts = fetch.DefaultConfig()
	}
	for _, fc := range []*fetch.Config{&cfg.Multi, &cfg.Charts} {
		if fc.Clock == nil {
			fc.Clock = cfg.Clock
		}
		if fc.Logger == nil {
			fc.Logger = cfg.Logger
		}
	}

	s := &Service{
		store:    cfg.Store,
		registry: cfg.Registry,
		upstream: cfg.Upstream,
		loc:      cfg.Location,
		clock:    cfg.Clock,
		log:      cfg.Logger.With("component", "query"),
		multi:    fetch.New(cfg.Multi, emptyResult),
		chart:    fetch.New(cfg.Charts, emptyResult),
	}
	if cfg.Cache != nil {
		s.latest = cache.NewJSON[map[string]LatestView](cfg.Cache, "latest", cfg.Logger)
		s.history = cache.NewJSON[HistoricalResult](cfg.Cache, "history", cfg.Logger)
		s.charts = cache.NewJSON[ChartResult](cfg.Cache, "chart", cfg.Logger)
	}
	return s
}

// Close stops the fetch pools
func (s *Service) Close() {
	s.multi.Close()
	s.chart.Close()
}

// Location returns the farm time zone
func (s *Service) Location() *time.Location {
	return s.loc
}

// GetLatestValues returns the latest value of every active sensor matching f.
func (s *Service) GetLatestValues(ctx context.Context, f Filter) (map[string]LatestView, error) {
	ids := slices.Clone(f.SensorIDs)
	slices.Sort(ids)
	idKey := "all"
	if len(ids) > 0 {
		idKey = strings.Join(ids, ",")
	}
	key := cache.Key("farm"+strconv.Itoa(f.Farm), idKey)
	if v, ok := s.latest.Get(ctx, key); ok {
		return v, nil
	}

	sensors := make(map[string]sensor.Sensor)
	for _, sn := range s.registry.List(sensor.Filter{Farm: f.Farm, ActiveOnly: true, IDs: ids}) {
		sensors[sn.ID] = sn
	}

	out := make(map[string]LatestView, len(sensors))
	if len(sensors) == 0 {
		return out, nil
	}

	lookup := make([]string, 0, len(sensors))
	for id := range sensors {
		lookup = append(lookup, id)
	}
	values, err := s.store.GetLatest(ctx, lookup...)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest values: %w", err)
	}

	for id, lv := range values {
		sn, ok := sensors[id]
		if !ok {
			continue
		}
		out[id] = LatestView{
			Value:     roundValue(lv.Value, sn.Type),
			RawValue:  lv.RawValue,
			Timestamp: lv.Timestamp.In(s.loc),
			Quality:   lv.Flag,
			Unit:      sn.Type.Unit,
			Location:  sn.Location,
			Farm:      sn.Farm,
		}
	}

	s.latest.Set(ctx, key, out, config.CacheLatestTTL)
	return out, nil
}

// ParseLevel maps an aggregation level name to a tier. Auto and the empty
// string return "" so the range decides.
func ParseLevel(level string) (storage.Tier, error) {
	switch level {
	case "", LevelAuto:
		return "", nil
	case "realtime":
		return storage.TierRaw, nil
	}
	if t, ok := storage.ParseTier(level); ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown aggregation level %q", level)
}

// RouteTier picks the finest tier whose range limit covers [start, end).
func RouteTier(start, end time.Time) storage.Tier {
	d := end.Sub(start)
	switch {
	case d <= config.RouteRawMax:
		return storage.TierRaw
	case d <= config.Route5mMax:
		return storage.Tier5m
	case d <= config.RouteHourlyMax:
		return storage.TierHourly
	default:
		return storage.TierDaily
	}
}

// GetHistoricalData reads one sensor over [start, end) from the routed tier
// and reduces it to at most roughly maxPoints points.
func (s *Service) GetHistoricalData(ctx context.Context, sensorID string, start, end time.Time, maxPoints int, level string) HistoricalResult {
	sn, err := s.registry.Get(sensorID)
	if err != nil {
		return HistoricalResult{
			SensorID:   sensorID,
			Timestamps: []time.Time{},
			Values:     []*float64{},
			Error:      "sensor not found",
			NotFound:   true,
		}
	}
	if !start.Before(end) {
		return errorResult(sensorID, "start must be before end")
	}
	if end.Sub(start) > config.MaxQueryWindow {
		return errorResult(sensorID, fmt.Sprintf("range exceeds %s", config.MaxQueryWindow))
	}
	tier, err := ParseLevel(level)
	if err != nil {
		return errorResult(sensorID, err.Error())
	}
	if tier == "" {
		tier = RouteTier(start, end)
	}
	if maxPoints <= 0 {
		maxPoints = config.DefaultMaxPoints
	}

	key := cache.Key(sensorID, string(tier),
		strconv.FormatInt(start.Unix(), 10), strconv.FormatInt(end.Unix(), 10), strconv.Itoa(maxPoints))
	if r, ok := s.history.Get(ctx, key); ok {
		return r
	}

	series, source, err := s.readSeries(ctx, sn, tier, start, end)
	if err != nil {
		s.log.Warn("Historical read failed", "sensor_id", sensorID, "tier", tier, "error", err)
		return errorResult(sensorID, err.Error())
	}

	reduced, interval := sampling.Reduce(series, maxPoints, sampling.RangeDays(start, end))
	values := make([]*float64, len(reduced.Values))
	for i, v := range reduced.Values {
		values[i] = roundValue(v, sn.Type)
	}

	res := HistoricalResult{
		SensorID:         sensorID,
		Timestamps:       reduced.Timestamps,
		Values:           values,
		AggregationLevel: tier,
		IntervalMinutes:  int(interval / time.Minute),
		TotalPoints:      len(values),
		Source:           source,
		SensorInfo: &SensorInfo{
			ID:       sn.ID,
			Name:     sn.Name,
			Type:     sn.Type.Name,
			Unit:     sn.Type.Unit,
			Location: sn.Location,
			Farm:     sn.Farm,
		},
	}
	if res.Timestamps == nil {
		res.Timestamps = []time.Time{}
	}

	ttl := config.CacheHistoryLongTTL
	if tier == storage.TierRaw || tier == storage.Tier5m {
		ttl = config.CacheHistoryShortTTL
	}
	s.history.Set(ctx, key, res, ttl)

	s.log.Debug("Historical data read", "sensor_id", sensorID, "tier", tier, "source", source,
		"points", series.Len(), "returned", res.TotalPoints)
	return res
}

// readSeries loads one tier as a series in the farm location. An empty raw
// tier falls back to the upstream API without persisting what it reads.
func (s *Service) readSeries(ctx context.Context, sn sensor.Sensor, tier storage.Tier, start, end time.Time) (sampling.Series, string, error) {
	req := storage.QueryRequest{SensorID: sn.ID, Start: start, End: end}
	var series sampling.Series

	if tier != storage.TierRaw {
		aggs, err := s.store.QueryAggregates(ctx, tier, req)
		if err != nil {
			return series, "", fmt.Errorf("failed to query %s aggregates: %w", tier, err)
		}
		for _, a := range aggs {
			series.Timestamps = append(series.Timestamps, a.Timestamp.In(s.loc))
			series.Values = append(series.Values, a.Avg)
		}
		return series, SourceStore, nil
	}

	samples, err := s.store.QuerySamples(ctx, req)
	if err != nil {
		return series, "", fmt.Errorf("failed to query raw samples: %w", err)
	}
	if len(samples) > 0 || s.upstream == nil {
		for _, smp := range samples {
			series.Timestamps = append(series.Timestamps, smp.Timestamp.In(s.loc))
			series.Values = append(series.Values, smp.Value)
		}
		return series, SourceStore, nil
	}

	records, err := s.upstream.FetchRange(ctx, sn.APISensorID, start, end)
	if err != nil {
		return series, "", err
	}
	for _, rec := range records {
		if !req.Contains(rec.Timestamp) {
			continue
		}
		smp := ingest.Normalize(sn, rec)
		series.Timestamps = append(series.Timestamps, smp.Timestamp.In(s.loc))
		series.Values = append(series.Values, smp.Value)
	}
	return series, SourceUpstream, nil
}

// GetMultipleSensorsData fetches several sensors concurrently on a single
// bounded pool. Every requested id is present in the result.
func (s *Service) GetMultipleSensorsData(ctx context.Context, sensorIDs []string, start, end time.Time, maxPoints int) map[string]HistoricalResult {
	tasks := make([]fetch.Task, 0, len(sensorIDs))
	for _, id := range sensorIDs {
		tasks = append(tasks, fetch.Task{Key: id, SensorIDs: []string{id}})
	}
	return s.multi.Run(ctx, tasks, s.seriesFetcher(start, end, maxPoints))
}

// GetChartData fetches every series of a catalog chart group. Critical
// series go first; the rest follow in small batches.
func (s *Service) GetChartData(ctx context.Context, chart string, start, end time.Time, maxPoints int) (ChartResult, error) {
	c, ok := s.registry.Chart(chart)
	if !ok {
		return ChartResult{}, fmt.Errorf("%w: %s", ErrChartNotFound, chart)
	}
	if !start.Before(end) {
		return ChartResult{}, errors.New("start must be before end")
	}
	if maxPoints <= 0 {
		maxPoints = config.ChartMaxPoints
	}

	key := cache.Key(chart, strconv.FormatInt(start.Unix(), 10), strconv.FormatInt(end.Unix(), 10), strconv.Itoa(maxPoints))
	if r, ok := s.charts.Get(ctx, key); ok {
		return r, nil
	}

	tasks := make([]fetch.Task, 0, len(c.Series))
	for _, series := range c.Series {
		tasks = append(tasks, fetch.Task{Key: series.Key, SensorIDs: series.SensorIDs, Critical: series.Critical})
	}

	began := s.clock.Now()
	res := ChartResult{
		Chart:  chart,
		Start:  start.In(s.loc),
		End:    end.In(s.loc),
		Series: s.chart.Run(ctx, tasks, s.seriesFetcher(start, end, maxPoints)),
	}

	failed := 0
	for _, r := range res.Series {
		if r.Error != "" {
			failed++
		}
	}
	s.log.Info("Chart data fetched", "chart", chart, "series", len(tasks), "failed", failed,
		"duration", s.clock.Since(began).Round(time.Millisecond))

	if ctx.Err() == nil {
		s.charts.Set(ctx, key, res, s.chartTTL(end))
	}
	return res, nil
}

// chartTTL is short while the range still covers today
func (s *Service) chartTTL(end time.Time) time.Duration {
	now := s.clock.Now().In(s.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	if end.After(today) {
		return config.CacheChartCurrentTTL
	}
	return config.CacheChartHistoricTTL
}

func (s *Service) seriesFetcher(start, end time.Time, maxPoints int) fetch.FetchFunc[HistoricalResult] {
	return func(ctx context.Context, sensorID string) (HistoricalResult, bool, error) {
		r := s.GetHistoricalData(ctx, sensorID, start, end, maxPoints, LevelAuto)
		if r.NotFound {
			return r, false, fetch.ErrUnknownSeries
		}
		if r.Error != "" {
			return r, false, errors.New(r.Error)
		}
		return r, r.HasData(), nil
	}
}

func emptyResult(t fetch.Task, reason string) HistoricalResult {
	r := errorResult("", reason)
	if len(t.SensorIDs) > 0 {
		r.SensorID = t.SensorIDs[0]
	}
	return r
}

func errorResult(sensorID, msg string) HistoricalResult {
	return HistoricalResult{
		SensorID:   sensorID,
		Timestamps: []time.Time{},
		Values:     []*float64{},
		Error:      msg,
	}
}

// roundValue returns a rounded copy so stored values are never mutated
func roundValue(v *float64, t sensor.Type) *float64 {
	if v == nil {
		return nil
	}
	r := t.Round(*v)
	return &r
}

// QualityRecords returns the quality records of one local day, for every
// sensor when sensorID is empty.
func (s *Service) QualityRecords(ctx context.Context, date time.Time, sensorID string) ([]storage.QualityRecord, error) {
	d := date.In(s.loc)
	day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, s.loc)
	recs, err := s.store.QueryQuality(ctx, storage.QueryRequest{SensorID: sensorID, Start: day, End: day.AddDate(0, 0, 1)})
	if err != nil {
		return nil, fmt.Errorf("failed to query quality records: %w", err)
	}
	return recs, nil
}

// Jobs returns the newest aggregation jobs, for every tier when tier is empty.
func (s *Service) Jobs(ctx context.Context, tier storage.Tier, limit int) ([]storage.Job, error) {
	jobs, err := s.store.ListJobs(ctx, tier, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// Sensors lists registry sensors matching f
func (s *Service) Sensors(f sensor.Filter) []sensor.Sensor {
	return s.registry.List(f)
}

// Charts lists the chart catalog
func (s *Service) Charts() []sensor.Chart {
	return s.registry.Charts()
}
