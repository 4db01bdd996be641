package cli

import (
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nicktill/tinyfarm/pkg/compaction"
	"github.com/nicktill/tinyfarm/pkg/sensor"
	"github.com/nicktill/tinyfarm/pkg/storage"
)

type CleanupCmd struct {
	app    *App
	dryRun bool
}

func NewCleanupCmd(app *App) *CleanupCmd {
	return &CleanupCmd{app: app}
}

func (c *CleanupCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete records past their tier's retention",
		RunE:  c.run,
	}
	cmd.Flags().BoolVar(&c.dryRun, "dry-run", false, "print the cutoffs without deleting")
	return cmd
}

func (c *CleanupCmd) run(cmd *cobra.Command, args []string) error {
	s, err := c.app.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	now := c.app.Clock.Now()
	cutoffs := compaction.DefaultRetention().Cutoffs(now)

	if c.dryRun {
		table := newTable(c.app.Out, "Tier", "Delete before")
		for _, tier := range []storage.Tier{storage.TierRaw, storage.Tier5m, storage.TierHourly, storage.TierDaily} {
			before := "never"
			if t, ok := cutoffs[tier]; ok {
				before = t.In(s.cfg.Location).Format(time.DateTime)
			}
			table.Append([]string{string(tier), before})
		}
		table.Render()
		return nil
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	deleted, err := s.services.Compactor.Cleanup(ctx, now)
	table := newTable(c.app.Out, "Tier", "Deleted")
	for _, tier := range []storage.Tier{storage.TierRaw, storage.Tier5m, storage.TierHourly} {
		table.Append([]string{string(tier), itoa(deleted[tier])})
	}
	table.Render()
	return err
}

type SyncCmd struct {
	app    *App
	farmID int
}

func NewSyncCmd(app *App) *SyncCmd {
	return &SyncCmd{app: app}
}

func (c *SyncCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch the latest value of every active sensor once",
		RunE:  c.run,
	}
	cmd.Flags().IntVar(&c.farmID, "farm-id", 0, "sync only this farm's sensors")
	return cmd
}

func (c *SyncCmd) run(cmd *cobra.Command, args []string) error {
	s, err := c.app.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	if s.services.Syncer == nil {
		return ErrNoUpstream
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stats, err := s.services.Syncer.SyncLatest(ctx, c.farmID)
	fmt.Fprintf(c.app.Out, "Synced %d/%d sensors (%d updated, %d errors)\n",
		stats.Success, stats.TotalSensors, stats.Updated, stats.Errors)
	return err
}

type SensorsCmd struct {
	app    *App
	farmID int
	all    bool
}

func NewSensorsCmd(app *App) *SensorsCmd {
	return &SensorsCmd{app: app}
}

func (c *SensorsCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sensors",
		Short: "List the sensor registry",
		RunE:  c.run,
	}
	cmd.Flags().IntVar(&c.farmID, "farm-id", 0, "list only this farm's sensors")
	cmd.Flags().BoolVar(&c.all, "all", false, "include inactive sensors")
	return cmd
}

func (c *SensorsCmd) run(cmd *cobra.Command, args []string) error {
	registry, err := c.app.openRegistry(cmd)
	if err != nil {
		return err
	}

	sensors := registry.List(sensor.Filter{Farm: c.farmID, ActiveOnly: !c.all})
	table := newTable(c.app.Out, "ID", "Name", "Type", "Unit", "Farm", "Location", "Upstream", "Key", "Active")
	for _, sn := range sensors {
		table.Append([]string{
			sn.ID,
			sn.Name,
			sn.Type.Code,
			sn.Type.Unit,
			itoa(sn.Farm),
			sn.Location,
			sn.APISensorID,
			sn.APIValueKey,
			strconv.FormatBool(sn.Active),
		})
	}
	table.Render()
	fmt.Fprintf(c.app.Out, "%d sensors\n", len(sensors))
	return nil
}
