package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"skinmarket-ingest/internal/app"
)

var (
	showLimit    int
	showInsights bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent listings or market insights",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:    showLimit,
			Insights: showInsights,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().BoolVar(&showInsights, "insights", false, "Show daily market insights instead of listings")
}
