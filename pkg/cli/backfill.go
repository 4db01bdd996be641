package cli

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nicktill/tinyfarm/pkg/config"
	"github.com/nicktill/tinyfarm/pkg/storage"
)

type BackfillCmd struct {
	app *App

	dates           dateFlags
	sensorID        []string
	farmID          int
	batchSize       int
	dryRun          bool
	skipAggregation bool
	skipQuality     bool
}

func NewBackfillCmd(app *App) *BackfillCmd {
	return &BackfillCmd{app: app}
}

func (c *BackfillCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Load sensor history from the upstream API",
		Long: `Fetches raw history one day at a time for each sensor, then builds
the roll-up tiers and quality records for the same days.`,
		RunE: c.run,
	}
	c.dates.register(cmd)
	cmd.Flags().StringSliceVar(&c.sensorID, "sensor-id", nil, "backfill only these sensors (default all active)")
	cmd.Flags().IntVar(&c.farmID, "farm-id", 0, "backfill only this farm's sensors")
	cmd.Flags().IntVar(&c.batchSize, "batch-size", 10, "sensors to fetch between sample flushes")
	cmd.Flags().BoolVar(&c.dryRun, "dry-run", false, "fetch and classify without writing")
	cmd.Flags().BoolVar(&c.skipAggregation, "skip-aggregation", false, "do not build roll-up tiers afterwards")
	cmd.Flags().BoolVar(&c.skipQuality, "skip-quality", false, "do not compute quality records afterwards")
	return cmd
}

func (c *BackfillCmd) run(cmd *cobra.Command, args []string) error {
	if c.batchSize <= 0 {
		return fmt.Errorf("--batch-size must be positive, got %d", c.batchSize)
	}

	s, err := c.app.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	if s.services.Syncer == nil {
		return ErrNoUpstream
	}

	start, end, err := c.dates.resolve(c.app.Clock.Now(), s.cfg.Location)
	if err != nil {
		return err
	}
	sensors, err := selectSensors(s.registry, c.sensorID, c.farmID)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s.log.Info("Starting backfill",
		"start", start.Format(time.DateOnly),
		"end", end.Format(time.DateOnly),
		"sensors", len(sensors),
		"dry_run", c.dryRun,
	)

	table := newTable(c.app.Out, "Sensor", "Chunks", "Records", "Good", "Suspect", "Bad", "Missing", "Errors")
	failed := 0
	for i, sn := range sensors {
		stats, err := s.services.Syncer.Backfill(ctx, sn.ID, start, end, config.BackfillChunk, c.dryRun)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			s.log.Error("Backfill failed", "sensor_id", sn.ID, "error", err)
			continue
		}
		if stats.Errors > 0 {
			failed++
		}
		table.Append([]string{
			sn.ID,
			itoa(stats.Chunks),
			itoa(stats.Records),
			itoa(stats.Samples.Good),
			itoa(stats.Samples.Suspect),
			itoa(stats.Samples.Bad),
			itoa(stats.Samples.Missing),
			itoa(stats.Errors),
		})

		if (i+1)%c.batchSize == 0 {
			if err := s.flush(ctx); err != nil {
				return err
			}
		}
	}
	table.Render()

	if c.dryRun {
		fmt.Fprintln(c.app.Out, "Dry run, nothing was written")
		return nil
	}
	if err := s.flush(ctx); err != nil {
		return err
	}

	ids := sensorIDs(sensors)
	if !c.skipAggregation {
		if err := runAggregation(ctx, s.services.Compactor, c.app.Out, storage.AggregateTiers, start, end, ids); err != nil {
			return err
		}
	}
	if !c.skipQuality {
		err := eachDay(start, end, func(day time.Time) error {
			_, err := s.services.Scorer.UpdateDaily(ctx, ids, day)
			return err
		})
		if err != nil {
			return fmt.Errorf("quality update failed: %w", err)
		}
	}

	if failed > 0 {
		return fmt.Errorf("backfill incomplete for %d of %d sensors", failed, len(sensors))
	}
	return nil
}
