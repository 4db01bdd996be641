package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nicktill/tinyfarm/pkg/compaction"
	"github.com/nicktill/tinyfarm/pkg/storage"
)

type AggregateCmd struct {
	app *App

	dates    dateFlags
	tier     string
	sensorID []string
	dryRun   bool
}

func NewAggregateCmd(app *App) *AggregateCmd {
	return &AggregateCmd{app: app}
}

func (c *AggregateCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Build roll-up tiers for a range of days",
		Long: `Runs tracked aggregation jobs over whole days. With --tier all the
5min tier is built first, then hourly from 5min, then daily from hourly.`,
		RunE: c.run,
	}
	c.dates.register(cmd)
	cmd.Flags().StringVar(&c.tier, "tier", "all", "tier to build: 5min, hourly, daily or all")
	cmd.Flags().StringSliceVar(&c.sensorID, "sensor-id", nil, "restrict to these sensors (default all active)")
	cmd.Flags().BoolVar(&c.dryRun, "dry-run", false, "print the jobs without running them")
	return cmd
}

// parseTiers maps --tier to the tiers to build, finest first.
func parseTiers(s string) ([]storage.Tier, error) {
	if s == "all" {
		return storage.AggregateTiers, nil
	}
	tier, ok := storage.ParseTier(s)
	if !ok || tier == storage.TierRaw {
		return nil, fmt.Errorf("invalid --tier %q (want 5min, hourly, daily or all)", s)
	}
	return []storage.Tier{tier}, nil
}

func (c *AggregateCmd) run(cmd *cobra.Command, args []string) error {
	tiers, err := parseTiers(c.tier)
	if err != nil {
		return err
	}

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

	if c.dryRun {
		printPlan(c.app.Out, tiers, start, end, len(sensors))
		return nil
	}
	return runAggregation(ctx, s.services.Compactor, c.app.Out, tiers, start, end, sensorIDs(sensors))
}

func printPlan(w io.Writer, tiers []storage.Tier, start, end time.Time, sensors int) {
	fmt.Fprintln(w, "Dry run, no jobs were started")
	table := newTable(w, "Tier", "Start", "End", "Sensors")
	for _, tier := range tiers {
		table.Append([]string{string(tier), start.Format(time.DateTime), end.Format(time.DateTime), itoa(sensors)})
	}
	table.Render()
}

// runAggregation runs one job per tier and prints them. It stops at the first
// failed job since coarser tiers read the finer ones.
func runAggregation(ctx context.Context, compactor *compaction.Compactor, w io.Writer, tiers []storage.Tier, start, end time.Time, ids []string) error {
	table := newTable(w, "Job", "Tier", "Status", "Sensors", "Records", "Errors", "DLI")
	defer table.Render()

	for _, tier := range tiers {
		job, err := compactor.RunJob(ctx, tier, start, end, ids)
		table.Append([]string{
			job.ID,
			string(tier),
			string(job.Status),
			fmt.Sprintf("%d/%d", job.ProcessedSensors, job.TotalSensors),
			itoa(job.RecordsCreated),
			itoa(job.Errors),
			itoa(job.DLICalculated),
		})
		if err != nil {
			return fmt.Errorf("%s aggregation failed: %w", tier, err)
		}
	}
	return nil
}
