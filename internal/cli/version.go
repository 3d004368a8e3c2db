package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"skinmarket-ingest/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information and the default User-Agent sent to sources",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "skiningest %s\n", version.Version)
		fmt.Fprintf(out, "commit:     %s\n", version.Commit)
		fmt.Fprintf(out, "built:      %s\n", version.BuildDate)
		fmt.Fprintf(out, "user-agent: %s\n", version.UserAgent())
	},
}
