package cli

import (
	"github.com/spf13/cobra"

	"skinmarket-ingest/internal/app"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run scheduled collection until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var (
	collectSources []string
	collectDryRun  bool
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run one collection now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Collect(cmd.Context(), app.CollectOptions{
			Sources: collectSources,
			DryRun:  collectDryRun,
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}

func init() {
	collectCmd.Flags().StringSliceVar(&collectSources, "source", nil, "Restrict the run to these source ids (repeatable)")
	collectCmd.Flags().BoolVar(&collectDryRun, "dry-run", false, "Print reconciled results without writing to storage")
}
