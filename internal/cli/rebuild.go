package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"skinmarket-ingest/internal/app"
)

var (
	rebuildFrom string
	rebuildTo   string
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild-rollups",
	Short: "Recompute daily rollups and market insights from stored listings",
	RunE: func(cmd *cobra.Command, args []string) error {
		if rebuildFrom == "" || rebuildTo == "" {
			return fmt.Errorf("--from and --to must be provided")
		}

		from, err := parseDay("--from", rebuildFrom)
		if err != nil {
			return err
		}
		to, err := parseDay("--to", rebuildTo)
		if err != nil {
			return err
		}
		if !from.Before(to) {
			return fmt.Errorf("--from must be before --to")
		}

		return getApp().RebuildRollups(cmd.Context(), app.RebuildOptions{From: from, To: to})
	},
}

func init() {
	rebuildCmd.Flags().StringVar(&rebuildFrom, "from", "", "Start day (YYYY-MM-DD or RFC3339, inclusive)")
	rebuildCmd.Flags().StringVar(&rebuildTo, "to", "", "End day (YYYY-MM-DD or RFC3339, exclusive)")
}

// parseDay accepts a bare UTC date or a full RFC3339 timestamp.
func parseDay(flag, value string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, value); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s value: %w", flag, err)
	}
	return t, nil
}
