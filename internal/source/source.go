package source

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"skinmarket-ingest/internal/config"
	"skinmarket-ingest/internal/fetcher"
	"skinmarket-ingest/internal/market"
	"skinmarket-ingest/internal/normalize"
	"skinmarket-ingest/internal/ratelimit"
)

const defaultPageSize = 50

// Source binds one configured endpoint to its request shape and normalizer.
type Source struct {
	cfg        config.SourceConfig
	target     string
	confidence market.Confidence
	normalizer normalize.Normalizer
}

// New builds a source from configuration.
func New(cfg config.SourceConfig, namer *market.Namer) (*Source, error) {
	confidence, err := resolveConfidence(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}

	opts := normalize.Options{Source: cfg.ID, Confidence: confidence, Namer: namer}

	var n normalize.Normalizer
	switch cfg.Kind {
	case config.KindListingsAPI:
		n = normalize.NewStructured(opts)
	case config.KindMarketplaceHTML:
		n = normalize.NewEmbedded(opts, cfg.Marker, normalize.NewFallback(opts))
	case config.KindPriceLookup:
		n = normalize.NewPriceLookup(opts)
	default:
		return nil, fmt.Errorf("source %q: unknown kind %q", cfg.ID, cfg.Kind)
	}

	return &Source{
		cfg:        cfg,
		target:     strings.TrimRight(cfg.BaseURL, "/") + cfg.Path,
		confidence: confidence,
		normalizer: n,
	}, nil
}

func resolveConfidence(cfg config.SourceConfig) (market.Confidence, error) {
	if strings.TrimSpace(cfg.Confidence) != "" {
		c, err := market.ParseConfidence(cfg.Confidence)
		if err != nil {
			return 0, fmt.Errorf("source %q: %w", cfg.ID, err)
		}
		return c, nil
	}
	switch cfg.Kind {
	case config.KindListingsAPI:
		return market.ConfidenceStructured, nil
	case config.KindMarketplaceHTML:
		return market.ConfidenceDocument, nil
	default:
		return market.ConfidenceLookup, nil
	}
}

func (s *Source) ID() string { return s.cfg.ID }

func (s *Source) Kind() string { return s.cfg.Kind }

func (s *Source) Confidence() market.Confidence { return s.confidence }

// IndependentPages reports whether every page is its own item, as with
// price lookups walking a configured item list.
func (s *Source) IndependentPages() bool { return s.cfg.Kind == config.KindPriceLookup }

// MaxPages is the configured page ceiling; zero means unbounded.
func (s *Source) MaxPages() int { return s.cfg.MaxPages }

// Budget converts the source's politeness settings into a limiter budget.
func (s *Source) Budget() ratelimit.Budget {
	return ratelimit.Budget{
		RequestsPerWindow: s.cfg.RequestsPerMinute,
		MinDelay:          s.cfg.MinDelay,
		Window:            time.Minute,
	}
}

// Request builds the request for a zero-based page index. It reports false
// once a lookup source has run out of configured items.
func (s *Source) Request(page int) (fetcher.Request, bool) {
	req := fetcher.Request{Source: s.cfg.ID, Target: s.target, Params: map[string]string{}}

	switch s.cfg.Kind {
	case config.KindListingsAPI:
		req.Accept = "application/json"
		req.Params["page"] = strconv.Itoa(page)
		req.Params["limit"] = strconv.Itoa(s.cfg.PageSize)
		setIf(req.Params, "sort_by", s.cfg.Sort)
		setIf(req.Params, "category", s.cfg.Category)
	case config.KindMarketplaceHTML:
		req.Accept = "text/html"
		req.Params["page"] = strconv.Itoa(page)
		setIf(req.Params, "sort", s.cfg.Sort)
	case config.KindPriceLookup:
		item, ok := s.item(page)
		if !ok {
			return fetcher.Request{}, false
		}
		req.Accept = "application/json"
		req.Params["market_hash_name"] = item
		setIf(req.Params, "currency", s.cfg.Currency)
	}
	return req, true
}

// Lookup builds a single price-lookup request for an arbitrary item.
func (s *Source) Lookup(item string) fetcher.Request {
	req := fetcher.Request{
		Source: s.cfg.ID,
		Target: s.target,
		Accept: "application/json",
		Params: map[string]string{"market_hash_name": item},
	}
	setIf(req.Params, "currency", s.cfg.Currency)
	return req
}

// Normalize maps the payload fetched for page.
func (s *Source) Normalize(page int, payload fetcher.Payload, observedAt time.Time) (normalize.Batch, error) {
	in := normalize.Input{Body: payload.Body, ObservedAt: observedAt}
	if item, ok := s.item(page); ok {
		in.Item = item
	}
	return s.normalizer.Normalize(in)
}

// NormalizeItem maps a payload fetched through Lookup.
func (s *Source) NormalizeItem(item string, payload fetcher.Payload, observedAt time.Time) (normalize.Batch, error) {
	return s.normalizer.Normalize(normalize.Input{Body: payload.Body, ObservedAt: observedAt, Item: item})
}

func (s *Source) item(page int) (string, bool) {
	if s.cfg.Kind != config.KindPriceLookup || page < 0 || page >= len(s.cfg.Items) {
		return "", false
	}
	return s.cfg.Items[page], true
}

func setIf(params map[string]string, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		params[key] = value
	}
}

// FromConfig builds every enabled source, optionally restricted to ids.
func FromConfig(cfg *config.Config, only []string, namer *market.Namer) ([]*Source, error) {
	var out []*Source
	for _, sc := range cfg.EnabledSources(only) {
		src, err := New(sc, namer)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no enabled source matches %v", only)
	}
	return out, nil
}

// Budgets collects the limiter budget of every source.
func Budgets(sources []*Source) map[string]ratelimit.Budget {
	out := make(map[string]ratelimit.Budget, len(sources))
	for _, s := range sources {
		out[s.ID()] = s.Budget()
	}
	return out
}
