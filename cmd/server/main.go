package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"

	"github.com/nicktill/tinyfarm/pkg/server"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 60 * time.Second // history requests may fall back to the upstream API
	shutdownTimeout    = 30 * time.Second
	drainTimeout       = 5 * time.Second
)

func main() {
	cfg, err := server.LoadConfig()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	if level == "debug" {
		lvl = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      lvl,
		TimeFormat: time.DateTime,
	}))
}

func run(cfg server.Config, log *slog.Logger) error {
	log.Info("Starting tinyfarm server",
		"version", server.Version,
		"data_dir", cfg.DataDir,
		"storage_limit_gb", cfg.MaxStorageGB,
		"timezone", cfg.Location.String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, err := server.InitializeRegistry(cfg, log)
	if err != nil {
		return err
	}

	store, err := server.InitializeStorage(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	c, err := server.InitializeCache(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()

	clock := clockwork.NewRealClock()
	services := server.InitializeServices(cfg, store, registry, c, clock, log)

	// Background work stops when ctx is cancelled
	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup

	services.Batcher.Start(bgCtx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		services.Hub.Run(bgCtx)
	}()

	if cfg.DisableScheduler {
		log.Warn("Scheduler disabled, no sync or aggregation will run")
	} else {
		scheduler := server.NewScheduler(server.SchedulerConfig{
			Compactor:    services.Compactor,
			Scorer:       services.Scorer,
			Syncer:       services.Syncer,
			GC:           store,
			Monitor:      services.TaskMonitor,
			SyncInterval: cfg.SyncInterval,
			Clock:        clock,
			Logger:       log,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			scheduler.Run(bgCtx)
		}()
	}

	router := mux.NewRouter()
	server.SetupRoutes(router, services, clock, cfg.Port)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case runErr = <-serveErr:
	}

	// Stop background tasks first so nothing writes after the store closes
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown incomplete", "error", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		log.Warn("Background tasks did not stop in time")
	}

	if err := services.Close(); err != nil {
		log.Error("Failed to stop services", "error", err)
	}

	log.Info("Server stopped")
	return runErr
}
