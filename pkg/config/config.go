package config

import "time"

// Server defaults
const (
	DefaultPort         = "8080"
	DefaultDataDir      = "./data"
	DefaultRegistryPath = "./configs/sensors.yaml"
	DefaultMaxStorageGB = 1
	DefaultMaxMemoryMB  = 48
	DefaultTimezone     = "UTC"
)

// Aggregation schedule. Each window trails "now" so late samples are picked
// up by the next run; upserts make the overlap harmless.
const (
	Compact5mInterval = 5 * time.Minute
	Compact5mWindow   = 15 * time.Minute
	Compact1hInterval = 1 * time.Hour
	Compact1hWindow   = 2 * time.Hour
	DailyJobInterval  = 24 * time.Hour
	SyncInterval      = 2 * time.Minute
	BadgerGCInterval  = 10 * time.Minute
)

// Retention per tier. Daily aggregates are kept forever.
const (
	RetentionRaw    = 7 * 24 * time.Hour
	Retention5m     = 90 * 24 * time.Hour
	RetentionHourly = 365 * 24 * time.Hour
)

// Photoperiod window used for DLI integration, in local hours.
const (
	PhotoperiodStartHour = 6
	PhotoperiodEndHour   = 18
)

// Data quality policy
const (
	ExpectedSamplesPerDay = 1440
	NominalSampleInterval = time.Minute
	LowQualityThreshold   = 80.0
	HealthWindow          = 7 * 24 * time.Hour
)

// Upstream sensor API
const (
	UpstreamLatestTimeout  = 30 * time.Second
	UpstreamHistoryTimeout = 60 * time.Second
	UpstreamMaxRetries     = 2
	UpstreamRetryWait      = 1 * time.Second
	UpstreamRetryMaxWait   = 5 * time.Second
	SyncWorkers            = 4
	BackfillChunk          = 24 * time.Hour
)

// Cache TTLs
const (
	CacheLatestTTL        = 60 * time.Second
	CacheHistoryShortTTL  = 5 * time.Minute  // raw and 5min tiers
	CacheHistoryLongTTL   = 30 * time.Minute // hourly and daily tiers
	CacheChartCurrentTTL  = 5 * time.Minute
	CacheChartHistoricTTL = 15 * time.Minute
)

// Query routing thresholds: the finest tier whose range limit covers the
// requested window wins.
const (
	RouteRawMax    = 2 * time.Hour
	Route5mMax     = 7 * 24 * time.Hour
	RouteHourlyMax = 90 * 24 * time.Hour
)

// Read API limits
const (
	QueryTimeout         = 30 * time.Second
	DefaultMaxPoints     = 1000
	MaxPointsLimit       = 10000
	ChartMaxPoints       = 500
	MaxQueryWindow       = 2 * 365 * 24 * time.Hour
	DefaultHistoryWindow = 24 * time.Hour
)

// Fetch orchestration
const (
	MultiSensorWorkers = 5
	MultiSensorTimeout = 30 * time.Second
	CriticalWorkers    = 4
	CriticalTimeout    = 60 * time.Second
	BulkWorkers        = 3
	BulkBatchSize      = 6
	BulkBatchTimeout   = 90 * time.Second
	BulkBatchPause     = 500 * time.Millisecond
)

// Ingest limits
const (
	IngestTimeout         = 10 * time.Second
	MaxRecordsPerRequest  = 5000
	MaxIngestBodyBytes    = 8 << 20
	IngestBatchSize       = 500
	IngestFlushInterval   = 5 * time.Second
	IngestBatchBufferSize = 10000
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)
