package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nicktill/tinyfarm/pkg/compaction"
	"github.com/nicktill/tinyfarm/pkg/config"
	"github.com/nicktill/tinyfarm/pkg/ingest"
	"github.com/nicktill/tinyfarm/pkg/quality"
	"github.com/nicktill/tinyfarm/pkg/server/monitor"
	"github.com/nicktill/tinyfarm/pkg/storage"
)

// Background task names, as reported by /v1/health
const (
	TaskSync      = "sync"
	Task5m        = "aggregate_5min"
	TaskHourly    = "aggregate_hourly"
	TaskDaily     = "daily"
	TaskStartup   = "startup_catchup"
	TaskStorageGC = "storage_gc"
)

// GarbageCollector is implemented by stores that need periodic compaction
// of their on-disk logs.
type GarbageCollector interface {
	RunGC(discardRatio float64) error
}

// SchedulerConfig wires a Scheduler. Syncer and GC are optional.
type SchedulerConfig struct {
	Compactor *compaction.Compactor
	Scorer    *quality.Scorer
	Syncer    *ingest.Syncer
	GC        GarbageCollector
	Monitor   *monitor.TaskMonitor

	SyncInterval time.Duration

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Scheduler runs the periodic ingest, aggregation and maintenance jobs.
type Scheduler struct {
	cfg     SchedulerConfig
	monitor *monitor.TaskMonitor
	clock   clockwork.Clock
	log     *slog.Logger
}

// NewScheduler creates a scheduler and registers its tasks with the monitor.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = config.SyncInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Monitor == nil {
		cfg.Monitor = monitor.NewTaskMonitor(cfg.Clock)
	}

	m := cfg.Monitor
	if cfg.Syncer != nil {
		m.Register(TaskSync, 5*cfg.SyncInterval)
	}
	m.Register(Task5m, 4*config.Compact5mInterval)
	m.Register(TaskHourly, 2*config.Compact1hInterval+10*time.Minute)
	m.Register(TaskDaily, config.DailyJobInterval+time.Hour)

	return &Scheduler{
		cfg:     cfg,
		monitor: m,
		clock:   cfg.Clock,
		log:     cfg.Logger.With("component", "scheduler"),
	}
}

// Run starts every periodic task and blocks until ctx is cancelled and all
// tasks have returned. The trailing 5-minute and hourly windows plus
// retention run once at startup.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	start := func(name string, interval time.Duration, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.every(ctx, name, interval, fn)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.log.Info("Running startup catch-up (5min, hourly, retention)")
		s.record(TaskStartup, s.cfg.Compactor.CompactAndCleanup(ctx))
	}()

	if s.cfg.Syncer != nil {
		start(TaskSync, s.cfg.SyncInterval, s.RunSync)
	}
	start(Task5m, config.Compact5mInterval, s.Run5m)
	start(TaskHourly, config.Compact1hInterval, s.RunHourly)
	start(TaskDaily, config.DailyJobInterval, s.RunDaily)
	if s.cfg.GC != nil {
		start(TaskStorageGC, config.BadgerGCInterval, s.RunGC)
	}

	s.log.Info("Scheduler started", "sync_interval", s.cfg.SyncInterval, "sync_enabled", s.cfg.Syncer != nil)
	wg.Wait()
	s.log.Info("Scheduler stopped")
}

func (s *Scheduler) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.record(name, fn(ctx))
		}
	}
}

func (s *Scheduler) record(name string, err error) {
	if err == nil {
		s.monitor.RecordSuccess(name)
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	s.monitor.RecordFailure(name, err)
	s.log.Error("Task failed", "task", name, "error", err, "consecutive_errors", s.monitor.ConsecutiveErrors(name))
}

// RunSync pulls the latest value of every active sensor. Upstream calls are
// retried by the client's RetryPolicy, so a failed cycle is not repeated here;
// the next tick tries again.
func (s *Scheduler) RunSync(ctx context.Context) error {
	if s.cfg.Syncer == nil {
		return nil
	}
	if _, err := s.cfg.Syncer.SyncLatest(ctx, 0); err != nil {
		return fmt.Errorf("latest sync failed: %w", err)
	}
	return nil
}

// Run5m aggregates the trailing 15 minutes of raw samples.
func (s *Scheduler) Run5m(ctx context.Context) error {
	start, end := s.cfg.Compactor.TrailingWindow(storage.Tier5m, s.clock.Now())
	_, err := s.cfg.Compactor.RunJob(ctx, storage.Tier5m, start, end, nil)
	return err
}

// RunHourly aggregates the trailing two closed hours.
func (s *Scheduler) RunHourly(ctx context.Context) error {
	start, end := s.cfg.Compactor.TrailingWindow(storage.TierHourly, s.clock.Now())
	_, err := s.cfg.Compactor.RunJob(ctx, storage.TierHourly, start, end, nil)
	return err
}

// RunDaily finalizes yesterday: hourly buckets for the whole day, the daily
// roll-up, quality records, then retention. A failing step stops the rest so
// the daily bucket is never built from a partial hourly tier.
func (s *Scheduler) RunDaily(ctx context.Context) error {
	now := s.clock.Now()
	start, end := s.cfg.Compactor.TrailingWindow(storage.TierDaily, now)

	if _, err := s.cfg.Compactor.RunJob(ctx, storage.TierHourly, start, end, nil); err != nil {
		return fmt.Errorf("hourly aggregation for %s failed: %w", start.Format(time.DateOnly), err)
	}
	if _, err := s.cfg.Compactor.RunJob(ctx, storage.TierDaily, start, end, nil); err != nil {
		return fmt.Errorf("daily aggregation for %s failed: %w", start.Format(time.DateOnly), err)
	}
	if _, err := s.cfg.Scorer.UpdateDaily(ctx, nil, start); err != nil {
		return fmt.Errorf("quality update for %s failed: %w", start.Format(time.DateOnly), err)
	}
	if _, err := s.cfg.Compactor.Cleanup(ctx, now); err != nil {
		return fmt.Errorf("retention cleanup failed: %w", err)
	}
	return nil
}

// RunGC reclaims value log space once half of a log file is garbage.
func (s *Scheduler) RunGC(ctx context.Context) error {
	began := s.clock.Now()
	if err := s.cfg.GC.RunGC(0.5); err != nil {
		return fmt.Errorf("storage gc failed: %w", err)
	}
	s.log.Debug("Storage GC completed", "duration", s.clock.Since(began).Round(time.Millisecond))
	return nil
}
