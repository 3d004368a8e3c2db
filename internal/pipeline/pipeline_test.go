package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skinmarket-ingest/internal/clock"
	"skinmarket-ingest/internal/collector"
	"skinmarket-ingest/internal/config"
	"skinmarket-ingest/internal/fetcher"
	"skinmarket-ingest/internal/market"
	"skinmarket-ingest/internal/normalize"
	"skinmarket-ingest/internal/persistence"
	"skinmarket-ingest/internal/ratelimit"
	"skinmarket-ingest/internal/report"
	"skinmarket-ingest/internal/source"
)

type recordingPersister struct {
	mu       sync.Mutex
	batches  [][]market.Listing
	ctxErr   error
	failures int
}

func (r *recordingPersister) Persist(ctx context.Context, listings []market.Listing) persistence.Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, listings)
	r.ctxErr = ctx.Err()
	return persistence.Counts{Inserted: len(listings) - r.failures, EntitiesCreated: 1, Errors: r.failures}
}

type recordingNotifier struct {
	reports []report.Report
	err     error
}

func (n *recordingNotifier) Notify(_ context.Context, r report.Report) error {
	n.reports = append(n.reports, r)
	return n.err
}

// marketServer serves a listings API whose second page is throttled once and
// an HTML marketplace with one embedded listing.
func marketServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var throttled atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("page") {
		case "0":
			_, _ = w.Write([]byte(`[
				{"market_hash_name":"AK-47 | Redline (Field-Tested)","price":480},
				{"market_hash_name":"AWP | Asiimov (Field-Tested)","price":9000}
			]`))
		case "1":
			if throttled.Add(1) == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			_, _ = w.Write([]byte(`{"data":[{"market_hash_name":"Glock-18 | Fade (Factory New)","price":"$3.00"}]}`))
		default:
			_, _ = w.Write([]byte(`[]`))
		}
	})
	mux.HandleFunc("/shop", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		listings := `[]`
		if r.URL.Query().Get("page") == "0" {
			listings = `[{"market_hash_name":"AK-47 | Redline (Field-Tested)","price":"$5.00"}]`
		}
		_, _ = w.Write([]byte(`<html><body><script id="__M__" type="application/json">{"listings":` + listings + `}</script></body></html>`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &throttled
}

func buildSources(t *testing.T, baseURL string) []*source.Source {
	t.Helper()
	cfg := &config.Config{Sources: []config.SourceConfig{
		{ID: "api", Kind: config.KindListingsAPI, BaseURL: baseURL, Path: "/api", MaxPages: 10},
		{ID: "shop", Kind: config.KindMarketplaceHTML, BaseURL: baseURL, Path: "/shop", Marker: "__M__"},
	}}
	srcs, err := source.FromConfig(cfg, nil, market.MustNamer(nil))
	require.NoError(t, err)
	return srcs
}

func asCollectorSources(in []*source.Source) []collector.Source {
	out := make([]collector.Source, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func TestRunOnceEndToEnd(t *testing.T) {
	srv, throttled := marketServer(t)
	srcs := buildSources(t, srv.URL)

	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	limiter := ratelimit.New(source.Budgets(srcs), clk, zerolog.Nop())
	client := fetcher.NewClient(fetcher.Options{RequestTimeout: 5 * time.Second}, limiter, clk, zerolog.Nop())
	coll := collector.New(client, collector.Options{MaxRetries: 3, BackoffBase: time.Second, BackoffCap: 4 * time.Second}, clk, zerolog.Nop())

	persister := &recordingPersister{}
	notifier := &recordingNotifier{}
	p := New(asCollectorSources(srcs), coll, persister, notifier, nil, Options{Concurrency: 2}, clk, zerolog.Nop())

	rep, err := p.RunOnce(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, int32(2), throttled.Load(), "page 1 is retried after the throttle")
	assert.Equal(t, 3, rep.PagesFetched)
	assert.Equal(t, 4, rep.ItemsNormalized)
	assert.Equal(t, 4, rep.ItemsPersisted)
	assert.Equal(t, 1, rep.Errors[report.ErrThrottled])
	assert.Equal(t, 1, rep.TotalErrors())
	assert.False(t, rep.Cancelled)
	assert.Empty(t, rep.Aborted())

	require.Len(t, rep.Sources, 2)
	assert.Equal(t, "api", rep.Sources[0].Source)
	assert.Equal(t, "done", rep.Sources[0].State)
	assert.Equal(t, "empty page", rep.Sources[0].Reason)
	assert.Equal(t, 4, rep.Sources[0].Fetches)
	assert.Equal(t, "shop", rep.Sources[1].Source)
	assert.Equal(t, 1, rep.Sources[1].Listings)

	require.Len(t, persister.batches, 1)
	var best []market.Listing
	for _, l := range persister.batches[0] {
		if l.CanonicalName == "AK-47 | Redline" {
			best = append(best, l)
		}
	}
	require.Len(t, best, 2)
	for _, l := range best {
		assert.Equal(t, "api", l.BestSource)
		assert.Equal(t, int64(480), l.BestPrice)
		assert.Equal(t, l.Source == "api", l.Best)
		assert.Equal(t, "Field-Tested", l.Condition)
	}

	require.Len(t, notifier.reports, 1)
	assert.Equal(t, rep.ItemsPersisted, notifier.reports[0].ItemsPersisted)
}

func TestRunOnceFilter(t *testing.T) {
	srv, _ := marketServer(t)
	srcs := buildSources(t, srv.URL)
	clk := clock.NewFake(time.Now())
	client := fetcher.NewClient(fetcher.Options{}, ratelimit.New(source.Budgets(srcs), clk, zerolog.Nop()), clk, zerolog.Nop())
	coll := collector.New(client, collector.Options{MaxRetries: 1}, clk, zerolog.Nop())
	persister := &recordingPersister{}
	p := New(asCollectorSources(srcs), coll, persister, nil, nil, Options{}, clk, zerolog.Nop())

	rep, err := p.RunOnce(context.Background(), []string{"shop"})
	require.NoError(t, err)
	require.Len(t, rep.Sources, 1)
	assert.Equal(t, "shop", rep.Sources[0].Source)
	assert.Equal(t, 1, rep.ItemsPersisted)

	_, err = p.RunOnce(context.Background(), []string{"nope"})
	assert.ErrorIs(t, err, ErrNoSources)
}

// stubCollector returns canned results and can cancel the run mid-way.
type stubCollector struct {
	cancel  context.CancelFunc
	results map[string]collector.Result
	panicOn string
}

func (s *stubCollector) Collect(_ context.Context, src collector.Source) collector.Result {
	if src.ID() == s.panicOn {
		panic("collector bug")
	}
	if s.cancel != nil {
		s.cancel()
	}
	return s.results[src.ID()]
}

type namedSource string

func (n namedSource) ID() string { return string(n) }
func (n namedSource) MaxPages() int { return 0 }
func (n namedSource) Request(int) (fetcher.Request, bool) { return fetcher.Request{}, false }
func (n namedSource) Normalize(int, fetcher.Payload, time.Time) (normalize.Batch, error) {
	return normalize.Batch{}, nil
}

func TestRunOncePersistsPartialResultsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listing := market.Listing{CanonicalName: "AK-47 | Redline", Name: "AK-47 | Redline", PriceMinor: 480, Source: "api", ObservedAt: time.Now()}
	coll := &stubCollector{
		cancel: cancel,
		results: map[string]collector.Result{
			"api": {Source: "api", State: collector.StateAborted, Reason: "cancelled", Err: context.Canceled, PagesFetched: 1, Items: 1, Listings: []market.Listing{listing}},
		},
	}
	persister := &recordingPersister{}
	notifier := &recordingNotifier{err: errors.New("chat down")}
	p := New([]collector.Source{namedSource("api")}, coll, persister, notifier, nil, Options{PersistTimeout: time.Second}, nil, zerolog.Nop())

	rep, err := p.RunOnce(ctx, nil)
	require.NoError(t, err)
	assert.True(t, rep.Cancelled)
	assert.Equal(t, 1, rep.ItemsPersisted)
	assert.NoError(t, persister.ctxErr, "writes use a context detached from the cancelled run")
	assert.Equal(t, []string{"api"}, rep.Aborted())
	assert.Equal(t, "context canceled", rep.Sources[0].Error)
	assert.Len(t, notifier.reports, 1)
}

func TestRunOnceSurvivesTaskPanic(t *testing.T) {
	coll := &stubCollector{
		panicOn: "bad",
		results: map[string]collector.Result{
			"good": {Source: "good", State: collector.StateDone, Reason: "empty page"},
		},
	}
	persister := &recordingPersister{}
	p := New([]collector.Source{namedSource("good"), namedSource("bad")}, coll, persister, nil, nil, Options{}, nil, zerolog.Nop())

	rep, err := p.RunOnce(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, rep.Sources, 2)
	assert.Equal(t, "done", rep.Sources[0].State)
	assert.Equal(t, "aborted", rep.Sources[1].State)
	assert.Equal(t, "task failed", rep.Sources[1].Reason)
	assert.Equal(t, 1, rep.Errors[report.ErrRequest])
	assert.Empty(t, persister.batches, "nothing gathered, nothing written")
}

func TestRunOncePersistenceErrorsAreCounted(t *testing.T) {
	l := market.Listing{CanonicalName: "A", Name: "A", PriceMinor: 1, Source: "s", ObservedAt: time.Now()}
	coll := &stubCollector{results: map[string]collector.Result{
		"s": {Source: "s", State: collector.StateDone, Listings: []market.Listing{l, l}},
	}}
	persister := &recordingPersister{failures: 1}
	p := New([]collector.Source{namedSource("s")}, coll, persister, nil, nil, Options{}, nil, zerolog.Nop())

	rep, err := p.RunOnce(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.ItemsPersisted)
	assert.Equal(t, 1, rep.Errors[report.ErrPersistence])
}

func TestRunWithoutScheduler(t *testing.T) {
	p := New(nil, &stubCollector{}, &recordingPersister{}, nil, nil, Options{}, nil, zerolog.Nop())
	assert.Error(t, p.Run(context.Background()))
	_, err := p.RunOnce(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoSources)
}
