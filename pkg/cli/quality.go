package cli

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nicktill/tinyfarm/pkg/storage"
)

type QualityCmd struct {
	app *App

	dates    dateFlags
	sensorID []string
	dryRun   bool
}

func NewQualityCmd(app *App) *QualityCmd {
	return &QualityCmd{app: app}
}

func (c *QualityCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quality",
		Short: "Recompute daily data quality records",
		RunE:  c.run,
	}
	c.dates.register(cmd)
	cmd.Flags().StringSliceVar(&c.sensorID, "sensor-id", nil, "restrict to these sensors (default all active)")
	cmd.Flags().BoolVar(&c.dryRun, "dry-run", false, "print scores without saving them")
	return cmd
}

func (c *QualityCmd) run(cmd *cobra.Command, args []string) error {
	s, err := c.app.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	start, end, err := c.dates.resolve(c.app.Clock.Now(), s.cfg.Location)
	if err != nil {
		return err
	}
	sensors, err := selectSensors(s.registry, c.sensorID, 0)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	table := newTable(c.app.Out, "Sensor", "Date", "Expected", "Actual", "Good", "Suspect", "Bad", "Missing", "Gaps", "Score")
	defer table.Render()

	errs := 0
	err = eachDay(start, end, func(day time.Time) error {
		for _, sn := range sensors {
			rec, err := s.services.Scorer.Score(ctx, sn.ID, day)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				errs++
				s.log.Error("Quality scoring failed", "sensor_id", sn.ID, "date", day.Format(time.DateOnly), "error", err)
				continue
			}
			if !c.dryRun {
				if _, err := s.store.UpsertQuality(ctx, rec); err != nil {
					return fmt.Errorf("failed to save quality for %s on %s: %w", sn.ID, day.Format(time.DateOnly), err)
				}
			}
			appendQuality(table.Append, rec)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if errs > 0 {
		return fmt.Errorf("quality scoring failed for %d sensor-days", errs)
	}
	return nil
}

func appendQuality(add func([]string), rec storage.QualityRecord) {
	add([]string{
		rec.SensorID,
		rec.Date.Format(time.DateOnly),
		itoa(rec.ExpectedCount),
		itoa(rec.ActualCount),
		itoa(rec.GoodSamples),
		itoa(rec.SuspectSamples),
		itoa(rec.BadSamples),
		itoa(rec.MissingSamples),
		itoa(len(rec.MissingPeriods)),
		fmt.Sprintf("%.1f", rec.QualityScore),
	})
}
