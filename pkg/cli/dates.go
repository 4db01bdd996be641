package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// dateFlags selects a range of whole local days. End is exclusive.
type dateFlags struct {
	start string
	end   string
	days  int
}

func (d *dateFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&d.start, "start-date", "", "first day to process (YYYY-MM-DD)")
	cmd.Flags().StringVar(&d.end, "end-date", "", "last day to process, inclusive (YYYY-MM-DD, default yesterday)")
	cmd.Flags().IntVar(&d.days, "days", 0, "process the last N days ending yesterday (default 1)")
	cmd.MarkFlagsMutuallyExclusive("days", "start-date")
	cmd.MarkFlagsMutuallyExclusive("days", "end-date")
}

// resolve turns the flags into [start, end) midnights in loc. Today is never
// included since it is still being written.
func (d *dateFlags) resolve(now time.Time, loc *time.Location) (time.Time, time.Time, error) {
	now = now.In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	if d.start == "" && d.end == "" {
		days := d.days
		if days == 0 {
			days = 1
		}
		if days < 0 {
			return time.Time{}, time.Time{}, fmt.Errorf("--days must be positive, got %d", days)
		}
		return today.AddDate(0, 0, -days), today, nil
	}

	end := today
	if d.end != "" {
		last, err := time.ParseInLocation(time.DateOnly, d.end, loc)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --end-date %q: %w", d.end, err)
		}
		end = last.AddDate(0, 0, 1)
	}

	if d.start == "" {
		return end.AddDate(0, 0, -1), end, nil
	}
	start, err := time.ParseInLocation(time.DateOnly, d.start, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --start-date %q: %w", d.start, err)
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, errors.New("--start-date must not be after --end-date")
	}
	if start.After(today) {
		return time.Time{}, time.Time{}, errors.New("--start-date is in the future")
	}
	return start, end, nil
}

// eachDay calls fn with the midnight of every day in [start, end).
func eachDay(start, end time.Time, fn func(day time.Time) error) error {
	for day := start; day.Before(end); day = day.AddDate(0, 0, 1) {
		if err := fn(day); err != nil {
			return err
		}
	}
	return nil
}
