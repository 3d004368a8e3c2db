package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"skinmarket-ingest/internal/clock"
	"skinmarket-ingest/internal/fetcher"
	"skinmarket-ingest/internal/market"
	"skinmarket-ingest/internal/normalize"
)

// Source is what the collector needs from a configured endpoint.
type Source interface {
	ID() string
	// MaxPages bounds a run; zero means until an empty page.
	MaxPages() int
	Request(page int) (fetcher.Request, bool)
	Normalize(page int, payload fetcher.Payload, observedAt time.Time) (normalize.Batch, error)
}

// itemSource is implemented by sources whose pages are separate items rather
// than slices of one listing, so an unusable page says nothing about the next.
type itemSource interface {
	IndependentPages() bool
}

// State is a step of one source's collection run.
type State int

const (
	StateStart State = iota
	StateFetchingPage
	StateBackoff
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateFetchingPage:
		return "fetching_page"
	case StateBackoff:
		return "backoff"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options bound retries and backoff.
type Options struct {
	MaxRetries                  int
	BackoffBase                 time.Duration
	BackoffCap                  time.Duration
	BackoffJitter               float64
	MaxConsecutiveParseFailures int
}

// ErrRetriesExhausted wraps the last retryable error once a page ran out of attempts.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Counts tallies recovered and fatal errors by category.
type Counts struct {
	Transport int
	Throttled int
	Request   int
	Parse     int
}

// Add accumulates another tally.
func (c *Counts) Add(o Counts) {
	c.Transport += o.Transport
	c.Throttled += o.Throttled
	c.Request += o.Request
	c.Parse += o.Parse
}

// Page is one successfully fetched page.
type Page struct {
	Index     int
	Status    int
	Batch     normalize.Batch
	FetchedAt time.Time
}

// Result summarises a source run. Pages gathered before an abort are kept.
type Result struct {
	Source       string
	State        State
	Reason       string
	Err          error
	Fetches      int
	PagesFetched int
	Items        int
	Listings     []market.Listing
	Counts       Counts
}

// Collector walks sources page by page.
type Collector struct {
	fetcher fetcher.Fetcher
	opts    Options
	clock   clock.Clock
	logger  zerolog.Logger
}

// New builds a collector over the shared fetch client.
func New(f fetcher.Fetcher, opts Options, clk clock.Clock, logger zerolog.Logger) *Collector {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.BackoffCap < opts.BackoffBase {
		opts.BackoffCap = opts.BackoffBase
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Collector{
		fetcher: f,
		opts:    opts,
		clock:   clk,
		logger:  logger.With().Str("component", "collector").Logger(),
	}
}

// Collect runs one source to completion and gathers its listings.
func (c *Collector) Collect(ctx context.Context, src Source) Result {
	var listings []market.Listing
	res := c.Walk(ctx, src, func(p Page) {
		listings = append(listings, p.Batch.Listings...)
	})
	res.Listings = listings
	return res
}

// Walk drives the page state machine, handing every non-empty page to visit
// in page order. A fresh call always starts at page 0.
func (c *Collector) Walk(ctx context.Context, src Source, visit func(Page)) Result {
	log := c.logger.With().Str("source", src.ID()).Logger()
	res := Result{Source: src.ID(), State: StateStart}

	bo := c.newBackOff()
	page, attempt, parseFailures := 0, 0, 0
	var lastErr *fetcher.FetchError

	finish := func(state State, reason string, err error) Result {
		res.State, res.Reason, res.Err = state, reason, err
		if state == StateAborted {
			log.Warn().Err(err).Str("reason", reason).Int("page", page).Msg("source aborted")
		}
		return res
	}

	res.State = StateFetchingPage
	for {
		switch res.State {
		case StateFetchingPage:
			if limit := src.MaxPages(); limit > 0 && page >= limit {
				return finish(StateDone, "max pages reached", nil)
			}
			req, ok := src.Request(page)
			if !ok {
				return finish(StateDone, "no more requests", nil)
			}

			payload, err := c.fetcher.Fetch(ctx, req)
			res.Fetches++
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return finish(StateAborted, "cancelled", ctxErr)
				}
				fe, ok := fetcher.AsFetchError(err)
				if !ok {
					res.Counts.Request++
					return finish(StateAborted, "request failed", err)
				}
				switch fe.Kind {
				case fetcher.KindTransport:
					res.Counts.Transport++
				case fetcher.KindThrottled:
					res.Counts.Throttled++
				default:
					res.Counts.Request++
				}
				if !fe.Retryable() {
					return finish(StateAborted, "non-retryable response", fe)
				}
				lastErr = fe
				res.State = StateBackoff
				continue
			}

			attempt = 0
			bo.Reset()

			batch, perr := src.Normalize(page, payload, c.clock.Now())
			if perr != nil {
				res.Counts.Parse++
				parseFailures++
				log.Warn().Err(perr).Int("page", page).Msg("parse failure")
				if limit := c.parseFailureLimit(src); limit > 0 && parseFailures >= limit {
					return finish(StateDone, "consecutive parse failures", nil)
				}
				page++
				continue
			}
			parseFailures = 0

			res.Counts.Parse += batch.Skipped
			for _, problem := range batch.Problems {
				log.Debug().Err(problem).Int("page", page).Msg("item skipped")
			}
			log.Info().
				Int("page", page).
				Int("items", batch.Items).
				Int("listings", len(batch.Listings)).
				Int("status", payload.Status).
				Msg("page fetched")

			if batch.Items == 0 {
				return finish(StateDone, "empty page", nil)
			}

			res.PagesFetched++
			res.Items += batch.Items
			if visit != nil {
				visit(Page{Index: page, Status: payload.Status, Batch: batch, FetchedAt: c.clock.Now()})
			}
			page++

		case StateBackoff:
			attempt++
			if attempt > c.opts.MaxRetries {
				return finish(StateAborted, "retries exhausted", fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr))
			}

			// Throttled responses already sat out the client's cooldown.
			var delay time.Duration
			if lastErr.Kind != fetcher.KindThrottled {
				delay = c.nextDelay(bo)
			}
			log.Info().
				Int("page", page).
				Int("attempt", attempt).
				Dur("delay", delay).
				Str("kind", string(lastErr.Kind)).
				Msg("page backoff")

			if err := clock.Sleep(ctx, c.clock, delay); err != nil {
				return finish(StateAborted, "cancelled", err)
			}
			res.State = StateFetchingPage

		default:
			return finish(StateAborted, "invalid state", fmt.Errorf("unexpected state %s", res.State))
		}
	}
}

func (c *Collector) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.BackoffBase
	bo.MaxInterval = c.opts.BackoffCap
	bo.RandomizationFactor = c.opts.BackoffJitter
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Clock = c.clock
	bo.Reset()
	return bo
}

func (c *Collector) nextDelay(bo *backoff.ExponentialBackOff) time.Duration {
	d := bo.NextBackOff()
	if d == backoff.Stop || d > c.opts.BackoffCap {
		return c.opts.BackoffCap
	}
	return d
}

// parseFailureLimit only guards unbounded paginated sources, where a run of
// unusable pages would otherwise walk forever. A page ceiling already bounds
// the rest, and independent item pages must all be tried.
func (c *Collector) parseFailureLimit(src Source) int {
	if src.MaxPages() > 0 {
		return 0
	}
	if is, ok := src.(itemSource); ok && is.IndependentPages() {
		return 0
	}
	return c.opts.MaxConsecutiveParseFailures
}
