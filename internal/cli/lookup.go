package cli

import (
	"github.com/spf13/cobra"

	"skinmarket-ingest/internal/app"
)

var (
	lookupSource string
	lookupItem   string
)

var lookupCmd = &cobra.Command{
	Use:   "lookup [item]",
	Short: "Look up one item's price through a price_lookup source",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		item := lookupItem
		if len(args) == 1 {
			item = args[0]
		}
		return getApp().Lookup(cmd.Context(), app.LookupOptions{Source: lookupSource, Item: item})
	},
}

func init() {
	lookupCmd.Flags().StringVar(&lookupSource, "source", "", "price_lookup source id (defaults to the first configured)")
	lookupCmd.Flags().StringVar(&lookupItem, "item", "", "Item name as listed by the source")
}
