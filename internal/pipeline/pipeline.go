package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/rs/zerolog"

	"skinmarket-ingest/internal/clock"
	"skinmarket-ingest/internal/collector"
	"skinmarket-ingest/internal/market"
	"skinmarket-ingest/internal/persistence"
	"skinmarket-ingest/internal/reconcile"
	"skinmarket-ingest/internal/report"
	"skinmarket-ingest/internal/scheduler"
)

// ErrNoSources is returned when a run filter matches no configured source.
var ErrNoSources = errors.New("no source selected")

// Collector walks one source to completion.
type Collector interface {
	Collect(ctx context.Context, src collector.Source) collector.Result
}

// Persister writes a reconciled batch.
type Persister interface {
	Persist(ctx context.Context, listings []market.Listing) persistence.Counts
}

// Options tune a run.
type Options struct {
	// Concurrency bounds the sources collected at once.
	Concurrency int
	// PersistTimeout bounds the write of a cancelled run's partial results.
	PersistTimeout time.Duration
}

// Pipeline orchestrates collection, reconciliation and persistence.
type Pipeline struct {
	sources   []collector.Source
	collector Collector
	persister Persister
	notifier  report.Notifier
	scheduler *scheduler.Scheduler
	opts      Options
	clock     clock.Clock
	logger    zerolog.Logger
}

// New constructs the pipeline. notifier and sched may be nil.
func New(sources []collector.Source, coll Collector, persister Persister, notifier report.Notifier, sched *scheduler.Scheduler, opts Options, clk clock.Clock, logger zerolog.Logger) *Pipeline {
	if opts.Concurrency <= 0 {
		opts.Concurrency = len(sources)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 30 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Pipeline{
		sources:   sources,
		collector: coll,
		persister: persister,
		notifier:  notifier,
		scheduler: sched,
		opts:      opts,
		clock:     clk,
		logger:    logger.With().Str("component", "pipeline").Logger(),
	}
}

// Run begins the scheduled collection loop.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return p.scheduler.Run(ctx, func(ctx context.Context, _ time.Time) error {
		_, err := p.RunOnce(ctx, nil)
		return err
	})
}

// RunOnce collects every selected source concurrently, reconciles the
// gathered listings across sources and persists them. only restricts the
// run to the given source ids; empty means all.
func (p *Pipeline) RunOnce(ctx context.Context, only []string) (report.Report, error) {
	selected, err := p.selectSources(only)
	if err != nil {
		return report.Report{}, err
	}

	rep := report.New(p.clock.Now())
	results := p.collect(ctx, selected)

	var gathered []market.Listing
	for _, res := range results {
		rep.Sources = append(rep.Sources, sourceReport(res))
		rep.PagesFetched += res.PagesFetched
		rep.ItemsNormalized += res.Items
		rep.Errors[report.ErrTransport] += res.Counts.Transport
		rep.Errors[report.ErrThrottled] += res.Counts.Throttled
		rep.Errors[report.ErrRequest] += res.Counts.Request
		rep.Errors[report.ErrParse] += res.Counts.Parse
		gathered = append(gathered, res.Listings...)
	}

	// A cancelled run still writes what it gathered.
	writeCtx := ctx
	if ctx.Err() != nil {
		rep.Cancelled = true
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), p.opts.PersistTimeout)
		defer cancel()
	}

	if len(gathered) > 0 {
		counts := p.persister.Persist(writeCtx, reconcile.Reconcile(gathered))
		rep.ItemsPersisted = counts.Inserted
		rep.EntitiesCreated = counts.EntitiesCreated
		rep.Errors[report.ErrPersistence] += counts.Errors
	}
	rep.Finished = p.clock.Now()

	p.logReport(rep)
	p.notify(writeCtx, rep)
	return rep, nil
}

// collect runs one pool task per source. Results keep source order.
func (p *Pipeline) collect(ctx context.Context, sources []collector.Source) []collector.Result {
	pool := pond.NewPool(min(p.opts.Concurrency, len(sources)))
	defer pool.StopAndWait()

	results := make([]collector.Result, len(sources))
	tasks := make([]pond.Task, len(sources))
	for i, src := range sources {
		i, src := i, src
		tasks[i] = pool.Submit(func() {
			results[i] = p.collector.Collect(ctx, src)
		})
	}
	for i, task := range tasks {
		if err := task.Wait(); err != nil {
			p.logger.Error().Err(err).Str("source", sources[i].ID()).Msg("source task failed")
			results[i] = collector.Result{
				Source: sources[i].ID(),
				State:  collector.StateAborted,
				Reason: "task failed",
				Err:    err,
				Counts: collector.Counts{Request: 1},
			}
		}
	}
	return results
}

func (p *Pipeline) selectSources(only []string) ([]collector.Source, error) {
	if len(only) == 0 {
		if len(p.sources) == 0 {
			return nil, ErrNoSources
		}
		return p.sources, nil
	}
	want := make(map[string]bool, len(only))
	for _, id := range only {
		want[id] = true
	}
	var out []collector.Source
	for _, src := range p.sources {
		if want[src.ID()] {
			out = append(out, src)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoSources, only)
	}
	return out, nil
}

func (p *Pipeline) logReport(rep report.Report) {
	event := p.logger.Info()
	if rep.TotalErrors() > 0 || rep.Cancelled {
		event = p.logger.Warn()
	}
	dict := zerolog.Dict()
	for _, c := range report.Categories {
		dict = dict.Int(c, rep.Errors[c])
	}
	event.
		Time("started", rep.Started).
		Dur("elapsed", rep.Finished.Sub(rep.Started)).
		Bool("cancelled", rep.Cancelled).
		Int("sources", len(rep.Sources)).
		Strs("aborted", rep.Aborted()).
		Int("pages_fetched", rep.PagesFetched).
		Int("items_normalized", rep.ItemsNormalized).
		Int("items_persisted", rep.ItemsPersisted).
		Int("entities_created", rep.EntitiesCreated).
		Dict("errors", dict).
		Msg("run finished")
}

func (p *Pipeline) notify(ctx context.Context, rep report.Report) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Notify(ctx, rep); err != nil {
		p.logger.Error().Err(err).Msg("report delivery failed")
	}
}

func sourceReport(res collector.Result) report.SourceReport {
	sr := report.SourceReport{
		Source:       res.Source,
		State:        res.State.String(),
		Reason:       res.Reason,
		Fetches:      res.Fetches,
		PagesFetched: res.PagesFetched,
		Items:        res.Items,
		Listings:     len(res.Listings),
	}
	if res.Err != nil {
		sr.Error = res.Err.Error()
	}
	return sr
}
