package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"skinmarket-ingest/internal/market"
	"skinmarket-ingest/internal/storage"
)

// Show prints recent listings, or recent market insights.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show listings")
	}
	defer closeStore()

	if opts.Insights {
		insights, err := store.ListRecentInsights(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return a.printInsights(insights)
	}

	listings, err := store.ListRecentListings(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return a.printListings(listings)
}

func (a *App) printListings(listings []storage.StoredListing) error {
	if len(listings) == 0 {
		fmt.Fprintln(a.Out, "no listings found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Observed (UTC)\tItem\tCondition\tFloat\tPrice\tSource\tConfidence\tBest")
	for _, l := range listings {
		float := "-"
		if l.FloatValue != nil {
			float = strconv.FormatFloat(*l.FloatValue, 'f', 4, 64)
		}
		best := ""
		if l.Best {
			best = "*"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			l.ObservedAt.UTC().Format(time.RFC3339),
			l.CanonicalName,
			l.Condition,
			float,
			market.MinorToMajor(l.PriceMinor),
			l.Source,
			l.Confidence,
			best,
		)
	}
	return writer.Flush()
}

func (a *App) printInsights(insights []storage.MarketInsight) error {
	if len(insights) == 0 {
		fmt.Fprintln(a.Out, "no insights found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Day\tListings\tTotal Value\tAvg Price\tVolatility")
	for _, in := range insights {
		fmt.Fprintf(writer, "%s\t%d\t%s\t%s\t%.4f\n",
			in.Day.Format(time.DateOnly),
			in.TotalListings,
			market.MinorToMajor(in.TotalValueMinor),
			in.AvgPriceMinor.Shift(-2).StringFixed(2),
			in.Volatility,
		)
	}
	return writer.Flush()
}
