package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"skinmarket-ingest/internal/market"
	"skinmarket-ingest/internal/persistence"
	"skinmarket-ingest/internal/pipeline"
	"skinmarket-ingest/internal/reconcile"
	"skinmarket-ingest/internal/report"
)

// Collect performs one run now. An interrupt stops fetching but still writes
// what was gathered.
func (a *App) Collect(ctx context.Context, opts CollectOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sources, err := a.newSources(opts.Sources)
	if err != nil {
		return err
	}

	var persister pipeline.Persister
	if opts.DryRun {
		a.Logger.Warn().Msg("collect dry-run：不会写入数据库")
		persister = printPersister{out: a.Out}
	} else {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("database.dsn 未配置，无法写入；可使用 --dry-run")
		}
		defer closeStore()
		persister = persistence.NewGateway(store, a.Logger)
	}

	rep, err := a.newPipeline(sources, persister, nil).RunOnce(ctx, opts.Sources)
	if err != nil {
		return err
	}
	return writeReport(a.Out, rep)
}

// printPersister shows the reconciled groups of a dry run.
type printPersister struct {
	out io.Writer
}

func (p printPersister) Persist(_ context.Context, listings []market.Listing) persistence.Counts {
	writer := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Item\tObservations\tSources\tBest Source\tBest Price")
	for _, g := range reconcile.Summarise(listings) {
		fmt.Fprintf(writer, "%s\t%d\t%d\t%s\t%s\n",
			g.Canonical, g.Observations, len(g.Sources), g.Best.Source, market.MinorToMajor(g.Best.PriceMinor))
	}
	writer.Flush()
	return persistence.Counts{}
}

func writeReport(out io.Writer, rep report.Report) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Source\tState\tReason\tFetches\tPages\tItems\tListings")
	for _, s := range rep.Sources {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			s.Source, s.State, s.Reason, s.Fetches, s.PagesFetched, s.Items, s.Listings)
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprint(out, report.Render(rep))
	return err
}
