package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"

	"github.com/nicktill/tinyfarm/pkg/cache"
	"github.com/nicktill/tinyfarm/pkg/compaction"
	"github.com/nicktill/tinyfarm/pkg/config"
	"github.com/nicktill/tinyfarm/pkg/ingest"
	"github.com/nicktill/tinyfarm/pkg/quality"
	"github.com/nicktill/tinyfarm/pkg/query"
	"github.com/nicktill/tinyfarm/pkg/sensor"
	"github.com/nicktill/tinyfarm/pkg/server/monitor"
	"github.com/nicktill/tinyfarm/pkg/storage"
	"github.com/nicktill/tinyfarm/pkg/storage/badger"
	"github.com/nicktill/tinyfarm/pkg/upstream"
)

// Config holds server configuration.
type Config struct {
	Port         string
	DataDir      string
	MaxStorageGB int64
	MaxMemoryMB  int64
	RegistryPath string

	UpstreamBaseURL string
	UpstreamAPIKey  string

	Location              *time.Location
	ExpectedSamplesPerDay int

	// RedisURL selects the shared cache; empty means in-process
	RedisURL string

	LogLevel         string
	SyncInterval     time.Duration
	DisableScheduler bool
}

// LoadConfig loads configuration from environment variables, after reading
// an optional .env file in the working directory.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	tz := getEnv("FARM_TIMEZONE", config.DefaultTimezone)
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Config{}, fmt.Errorf("invalid FARM_TIMEZONE %q: %w", tz, err)
	}

	syncInterval := config.SyncInterval
	if v := os.Getenv("SYNC_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid SYNC_INTERVAL %q", v)
		}
		syncInterval = d
	}

	cfg := Config{
		Port:                  getEnv("PORT", config.DefaultPort),
		DataDir:               getEnv("DATA_DIR", config.DefaultDataDir),
		MaxStorageGB:          getEnvInt64("STORAGE_LIMIT_GB", config.DefaultMaxStorageGB),
		MaxMemoryMB:           getEnvInt64("BADGER_MAX_MEMORY_MB", config.DefaultMaxMemoryMB),
		RegistryPath:          getEnv("SENSOR_REGISTRY", config.DefaultRegistryPath),
		UpstreamBaseURL:       os.Getenv("UPSTREAM_BASE_URL"),
		UpstreamAPIKey:        os.Getenv("UPSTREAM_API_KEY"),
		Location:              loc,
		ExpectedSamplesPerDay: int(getEnvInt64("EXPECTED_SAMPLES_PER_DAY", config.ExpectedSamplesPerDay)),
		RedisURL:              os.Getenv("CACHE_REDIS_URL"),
		LogLevel:              strings.ToLower(os.Getenv("LOG_LEVEL")),
		SyncInterval:          syncInterval,
		DisableScheduler:      getEnvBool("DISABLE_SCHEDULER"),
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return Config{}, fmt.Errorf("failed to create data directory: %w", err)
	}
	return cfg, nil
}

// InitializeStorage opens the Badger store in the data directory.
func InitializeStorage(cfg Config, log *slog.Logger) (*badger.Storage, error) {
	log.Info("Initializing BadgerDB storage", "path", cfg.DataDir, "max_memory_mb", cfg.MaxMemoryMB)
	store, err := badger.New(badger.Config{
		Path:        cfg.DataDir,
		MaxMemoryMB: cfg.MaxMemoryMB,
		Logger:      log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return store, nil
}

// InitializeRegistry loads the sensor registry YAML.
func InitializeRegistry(cfg Config, log *slog.Logger) (*sensor.Registry, error) {
	registry, err := sensor.Load(cfg.RegistryPath)
	if err != nil {
		return nil, err
	}
	log.Info("Sensor registry loaded", "path", cfg.RegistryPath, "sensors", registry.Len(), "charts", len(registry.Charts()))
	return registry, nil
}

// InitializeCache connects to Redis when configured, otherwise it returns an
// in-process cache.
func InitializeCache(ctx context.Context, cfg Config, log *slog.Logger) (cache.Cache, error) {
	if cfg.RedisURL == "" {
		log.Info("Using in-process cache")
		return cache.NewMemory(0), nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid CACHE_REDIS_URL: %w", err)
	}
	c, err := cache.NewRedis(ctx, cache.RedisConfig{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		Prefix:   "tinyfarm:",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	log.Info("Using redis cache", "addr", opts.Addr, "db", opts.DB)
	return c, nil
}

// Services is every long-lived component of the server.
type Services struct {
	Registry   *sensor.Registry
	Store      storage.Storage
	Cache      cache.Cache
	Upstream   *upstream.Client // nil without UPSTREAM_BASE_URL
	Batcher    *ingest.Batcher
	Normalizer *ingest.Normalizer
	Syncer     *ingest.Syncer // nil without an upstream
	Hub        *ingest.LatestHub
	Ingest     *ingest.Handler
	Compactor  *compaction.Compactor
	Scorer     *quality.Scorer
	Query      *query.Service

	StorageMonitor *monitor.StorageMonitor
	TaskMonitor    *monitor.TaskMonitor
}

// InitializeServices wires the ingest, aggregation and read paths around the
// store and registry.
func InitializeServices(cfg Config, store storage.Storage, registry *sensor.Registry, c cache.Cache, clock clockwork.Clock, log *slog.Logger) *Services {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	s := &Services{
		Registry:       registry,
		Store:          store,
		Cache:          c,
		StorageMonitor: monitor.NewStorageMonitor(cfg.DataDir, cfg.MaxStorageGB*1024*1024*1024, clock),
		TaskMonitor:    monitor.NewTaskMonitor(clock),
	}

	s.Batcher = ingest.NewBatcher(store, ingest.BatchConfig{
		MaxBatchSize: config.IngestBatchSize,
		FlushEvery:   config.IngestFlushInterval,
		MaxBuffered:  config.IngestBatchBufferSize,
		Clock:        clock,
		Logger:       log,
	})
	s.Hub = ingest.NewLatestHub(log)
	s.Normalizer = ingest.NewNormalizer(registry, s.Batcher, store, log)
	s.Normalizer.SetPublisher(s.Hub)

	s.Ingest = ingest.NewHandler(registry, s.Normalizer, cfg.Location, log)
	s.Ingest.SetStorageChecker(s.StorageMonitor)

	qcfg := query.Config{
		Store:    store,
		Registry: registry,
		Cache:    c,
		Location: cfg.Location,
		Clock:    clock,
		Logger:   log,
	}
	if cfg.UpstreamBaseURL != "" {
		s.Upstream = upstream.New(upstream.Config{
			BaseURL:        cfg.UpstreamBaseURL,
			APIKey:         cfg.UpstreamAPIKey,
			LatestTimeout:  config.UpstreamLatestTimeout,
			HistoryTimeout: config.UpstreamHistoryTimeout,
			Retry:          upstream.DefaultRetryPolicy(),
			Location:       cfg.Location,
			Logger:         log,
			Clock:          clock,
		})
		s.Syncer = ingest.NewSyncer(registry, s.Upstream, s.Normalizer, config.SyncWorkers, log)
		qcfg.Upstream = s.Upstream
		log.Info("Upstream sensor API configured", "base_url", cfg.UpstreamBaseURL)
	} else {
		log.Warn("UPSTREAM_BASE_URL not set, latest sync and live fallback are disabled")
	}

	s.Compactor = compaction.New(compaction.Config{
		Store:    store,
		Registry: registry,
		Location: cfg.Location,
		Clock:    clock,
		Logger:   log,
	})
	s.Scorer = quality.NewScorer(quality.Config{
		Store:    store,
		Registry: registry,
		Policy: quality.Policy{
			ExpectedPerDay:  cfg.ExpectedSamplesPerDay,
			NominalInterval: config.NominalSampleInterval,
		},
		Location: cfg.Location,
		Clock:    clock,
		Logger:   log,
	})
	s.Query = query.New(qcfg)

	return s
}

// Close stops worker pools and flushes buffered samples. The store and cache
// are owned by the caller.
func (s *Services) Close() error {
	s.Query.Close()
	if s.Syncer != nil {
		s.Syncer.Close()
	}
	if err := s.Batcher.Stop(); err != nil {
		return fmt.Errorf("failed to flush pending samples: %w", err)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getEnvInt64 gets an int64 from environment variable or returns default.
func getEnvInt64(key string, defaultValue int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
		slog.Warn("Invalid integer in environment, using default", "key", key, "value", val, "default", defaultValue)
	}
	return defaultValue
}

func getEnvBool(key string) bool {
	v, _ := strconv.ParseBool(os.Getenv(key))
	return v
}
