package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"skinmarket-ingest/internal/api"
	"skinmarket-ingest/internal/clock"
	"skinmarket-ingest/internal/collector"
	"skinmarket-ingest/internal/config"
	"skinmarket-ingest/internal/fetcher"
	"skinmarket-ingest/internal/market"
	"skinmarket-ingest/internal/persistence"
	"skinmarket-ingest/internal/pipeline"
	"skinmarket-ingest/internal/ratelimit"
	"skinmarket-ingest/internal/report"
	"skinmarket-ingest/internal/scheduler"
	"skinmarket-ingest/internal/source"
	"skinmarket-ingest/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output; logs go to the configured logger.
	Out   io.Writer
	Clock clock.Clock
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config: cfg,
		Logger: logger.With().Str("component", "app").Logger(),
		Out:    os.Stdout,
		Clock:  clock.New(),
	}
}

func (a *App) newNamer() (*market.Namer, error) {
	return market.NewNamer(a.Config.Reconcile.StripPatterns)
}

func (a *App) newSources(only []string) ([]*source.Source, error) {
	namer, err := a.newNamer()
	if err != nil {
		return nil, err
	}
	return source.FromConfig(a.Config, only, namer)
}

// newFetchClient builds the shared client with one limiter over every source.
func (a *App) newFetchClient(sources []*source.Source) *fetcher.Client {
	limiter := ratelimit.New(source.Budgets(sources), a.Clock, a.Logger)
	h := a.Config.HTTP
	return fetcher.NewClient(fetcher.Options{
		ConnectTimeout:   h.ConnectTimeout,
		RequestTimeout:   h.RequestTimeout,
		PoolSize:         h.PoolSize,
		PerSourceConns:   h.PerSourceConns,
		UserAgent:        h.UserAgent,
		ThrottleStatuses: h.ThrottleStatuses,
		Cooldown:         h.Cooldown,
		MaxBodyLog:       h.MaxBodyLog,
	}, limiter, a.Clock, a.Logger)
}

func (a *App) newCollector(f fetcher.Fetcher) *collector.Collector {
	c := a.Config.Collector
	return collector.New(f, collector.Options{
		MaxRetries:                  c.MaxRetries,
		BackoffBase:                 c.BackoffBase,
		BackoffCap:                  c.BackoffCap,
		BackoffJitter:               c.BackoffJitter,
		MaxConsecutiveParseFailures: c.MaxConsecutiveParseFailures,
	}, a.Clock, a.Logger)
}

func (a *App) newNotifier() report.Notifier {
	if a.Config.Report.Enabled && a.Config.Report.Telegram.Enabled {
		cfg := a.Config.Report.Telegram
		return report.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// newPipeline wires every collaborator of a run. sched may be nil.
func (a *App) newPipeline(sources []*source.Source, persister pipeline.Persister, sched *scheduler.Scheduler, extra ...report.Notifier) *pipeline.Pipeline {
	client := a.newFetchClient(sources)
	srcs := make([]collector.Source, len(sources))
	for i, s := range sources {
		srcs[i] = s
	}

	var notifier report.Notifier
	if n := a.newNotifier(); n != nil {
		extra = append(extra, n)
	}
	if len(extra) > 0 {
		notifier = report.Multi(extra)
	}

	return pipeline.New(srcs, a.newCollector(client), persister, notifier, sched, pipeline.Options{
		Concurrency:    len(sources),
		PersistTimeout: a.Config.Persistence.Timeout,
	}, a.Clock, a.Logger)
}

// Run executes scheduled collection runs until SIGINT or SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，无法运行采集服务")
	}
	defer closeStore()

	sources, err := a.newSources(nil)
	if err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Clock, a.Logger)

	latest := &report.Latest{}
	p := a.newPipeline(sources, persistence.NewGateway(store, a.Logger), sched, latest)

	var apiDone chan struct{}
	if a.Config.API.Enabled {
		namer, err := a.newNamer()
		if err != nil {
			return err
		}
		apiDone = make(chan struct{})
		srv := api.NewServer(store, latest, namer, a.Logger)
		go func() {
			defer close(apiDone)
			if err := srv.ListenAndServe(ctx, a.Config.API.Addr); err != nil {
				a.Logger.Error().Err(err).Msg("status api stopped with error")
			}
		}()
	}

	a.Logger.Info().Int("sources", len(sources)).Msg("starting ingestion service")
	err = p.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		cancel()
	}
	if apiDone != nil {
		<-apiDone
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	a.Logger.Info().Msg("ingestion service stopped")
	return nil
}

// ExportOptions hold parameters for exporting one item's daily rollups.
type ExportOptions struct {
	Item      string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	XLSXPath  string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit    int
	Insights bool
}

// CollectOptions configure a single collection run.
type CollectOptions struct {
	Sources []string
	// DryRun prints the reconciled groups instead of writing them.
	DryRun bool
}

// LookupOptions configure a one-off price lookup.
type LookupOptions struct {
	Source string
	Item   string
}

// RebuildOptions bound a rollup recomputation.
type RebuildOptions struct {
	From time.Time
	To   time.Time
}
