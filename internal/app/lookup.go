package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"skinmarket-ingest/internal/config"
	"skinmarket-ingest/internal/market"
	"skinmarket-ingest/internal/normalize"
	"skinmarket-ingest/internal/source"
)

// Lookup queries one item through a price_lookup source and prints the answer.
func (a *App) Lookup(ctx context.Context, opts LookupOptions) error {
	item := strings.TrimSpace(opts.Item)
	if item == "" {
		return errors.New("--item is required")
	}

	sc, err := a.lookupSource(opts.Source)
	if err != nil {
		return err
	}
	namer, err := a.newNamer()
	if err != nil {
		return err
	}
	src, err := source.New(sc, namer)
	if err != nil {
		return err
	}

	client := a.newFetchClient([]*source.Source{src})
	payload, err := client.Fetch(ctx, src.Lookup(item))
	if err != nil {
		return fmt.Errorf("lookup %q via %s: %w", item, src.ID(), err)
	}

	summary, err := normalize.DecodeLookup(payload.Body)
	if err != nil {
		return fmt.Errorf("lookup %q via %s: %w", item, src.ID(), err)
	}
	batch, err := src.NormalizeItem(item, payload, a.Clock.Now())
	if err != nil {
		return err
	}
	if len(batch.Listings) == 0 {
		return fmt.Errorf("lookup %q via %s: %w", item, src.ID(), errors.Join(batch.Problems...))
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Item\tCanonical\tCondition\tLowest\tMedian\tVolume\tPrice")
	for _, l := range batch.Listings {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			item, l.CanonicalName, l.Condition,
			optionalPrice(summary.Lowest), optionalPrice(summary.Median), summary.Volume,
			market.MinorToMajor(l.PriceMinor))
	}
	return writer.Flush()
}

// lookupSource resolves the named price_lookup source, or the first one configured.
func (a *App) lookupSource(id string) (config.SourceConfig, error) {
	for _, sc := range a.Config.Sources {
		if sc.Kind != config.KindPriceLookup {
			continue
		}
		if id == "" || sc.ID == id {
			return sc, nil
		}
	}
	if id == "" {
		return config.SourceConfig{}, errors.New("no price_lookup source configured")
	}
	return config.SourceConfig{}, fmt.Errorf("source %q is not a configured price_lookup source", id)
}

func optionalPrice(minor int64) string {
	if minor < 0 {
		return "-"
	}
	return market.MinorToMajor(minor)
}
