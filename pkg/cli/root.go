package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/nicktill/tinyfarm/pkg/cache"
	"github.com/nicktill/tinyfarm/pkg/sensor"
	"github.com/nicktill/tinyfarm/pkg/server"
	"github.com/nicktill/tinyfarm/pkg/storage"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

// ErrNoUpstream is returned by commands that need the upstream sensor API
// when UPSTREAM_BASE_URL is unset.
var ErrNoUpstream = errors.New("UPSTREAM_BASE_URL is not configured")

// StoreOpener opens the store a command operates on.
type StoreOpener func(cfg server.Config, log *slog.Logger) (storage.Storage, error)

// App holds the dependencies shared by every command.
type App struct {
	Out   io.Writer
	Err   io.Writer
	Clock clockwork.Clock

	// OpenStore defaults to the Badger store in the data directory
	OpenStore StoreOpener
}

func openBadger(cfg server.Config, log *slog.Logger) (storage.Storage, error) {
	store, err := server.InitializeStorage(cfg, log)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// Run executes farmctl with the process arguments.
func Run() ExitCode {
	app := &App{Out: os.Stdout, Err: os.Stderr}
	if err := app.NewRootCmd().Execute(); err != nil {
		return exitCodeError
	}
	return exitCodeSuccess
}

// NewRootCmd builds the farmctl command tree.
func (a *App) NewRootCmd() *cobra.Command {
	if a.Out == nil {
		a.Out = os.Stdout
	}
	if a.Err == nil {
		a.Err = os.Stderr
	}
	if a.Clock == nil {
		a.Clock = clockwork.NewRealClock()
	}
	if a.OpenStore == nil {
		a.OpenStore = openBadger
	}

	rootCmd := &cobra.Command{
		Use:          "farmctl",
		Short:        "Operator CLI for the tinyfarm sensor store.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Help(); err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}
	rootCmd.SetOut(a.Out)
	rootCmd.SetErr(a.Err)

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "set debug logging level")
	rootCmd.PersistentFlags().String("data-dir", "", "data directory (default $DATA_DIR or ./data)")
	rootCmd.PersistentFlags().String("registry", "", "sensor registry file (default $SENSOR_REGISTRY)")

	rootCmd.AddCommand(
		NewBackfillCmd(a).Command(),
		NewAggregateCmd(a).Command(),
		NewQualityCmd(a).Command(),
		NewCleanupCmd(a).Command(),
		NewSyncCmd(a).Command(),
		NewSensorsCmd(a).Command(),
	)
	return rootCmd
}

func (a *App) newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(a.Err, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

// session is everything a command run needs, opened from flags and the
// environment.
type session struct {
	cfg      server.Config
	log      *slog.Logger
	registry *sensor.Registry
	store    storage.Storage
	cache    cache.Cache
	services *server.Services
}

// loadConfig reads the environment and applies the persistent flag overrides.
func (a *App) loadConfig(cmd *cobra.Command) (server.Config, *slog.Logger, error) {
	verbose, err := cmd.Root().PersistentFlags().GetBool("verbose")
	if err != nil {
		return server.Config{}, nil, fmt.Errorf("failed to get verbose flag: %w", err)
	}
	log := a.newLogger(verbose)

	cfg, err := server.LoadConfig()
	if err != nil {
		return server.Config{}, nil, err
	}
	if dir, _ := cmd.Root().PersistentFlags().GetString("data-dir"); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return server.Config{}, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		cfg.DataDir = dir
	}
	if path, _ := cmd.Root().PersistentFlags().GetString("registry"); path != "" {
		cfg.RegistryPath = path
	}
	return cfg, log, nil
}

// openRegistry loads only the registry, for commands that never touch the store.
func (a *App) openRegistry(cmd *cobra.Command) (*sensor.Registry, error) {
	cfg, log, err := a.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return server.InitializeRegistry(cfg, log)
}

// open loads the registry, opens the store and wires the services around it.
func (a *App) open(cmd *cobra.Command) (*session, error) {
	cfg, log, err := a.loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	registry, err := server.InitializeRegistry(cfg, log)
	if err != nil {
		return nil, err
	}

	store, err := a.OpenStore(cfg, log)
	if err != nil {
		return nil, err
	}

	// Commands are one-shot, so the read cache stays in-process
	c := cache.NewMemory(0)

	return &session{
		cfg:      cfg,
		log:      log,
		registry: registry,
		store:    store,
		cache:    c,
		services: server.InitializeServices(cfg, store, registry, c, a.Clock, log),
	}, nil
}

// Close flushes buffered samples and closes the store.
func (s *session) Close() error {
	err := s.services.Close()
	s.cache.Close()
	if cerr := s.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// flush writes samples still sitting in the ingest batcher.
func (s *session) flush(ctx context.Context) error {
	if err := s.services.Batcher.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush samples: %w", err)
	}
	return nil
}
