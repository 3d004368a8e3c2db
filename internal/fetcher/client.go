package fetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"skinmarket-ingest/internal/clock"
	"skinmarket-ingest/internal/version"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultRequestTimeout = 20 * time.Second
	defaultPoolSize       = 5
	defaultPerSource      = 2
	defaultCooldown       = 90 * time.Second
	defaultMaxBodyLog     = 512
)

// Options parameterise the pooled client.
type Options struct {
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	PoolSize         int
	PerSourceConns   int
	UserAgent        string
	ThrottleStatuses []int
	Cooldown         time.Duration
	MaxBodyLog       int
}

// Client wraps a pooled resty client behind the rate limiter. It never
// retries; callers decide what to do with a retryable FetchError.
type Client struct {
	opts     Options
	logger   zerolog.Logger
	http     *resty.Client
	limiter  Acquirer
	clock    clock.Clock
	throttle map[int]struct{}

	global    *semaphore.Weighted
	mu        sync.Mutex
	perSource map[string]*semaphore.Weighted
}

// NewClient constructs the shared fetch client.
func NewClient(opts Options, limiter Acquirer, clk clock.Clock, logger zerolog.Logger) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = defaultPoolSize
	}
	if opts.PerSourceConns <= 0 {
		opts.PerSourceConns = defaultPerSource
	}
	if opts.PerSourceConns > opts.PoolSize {
		opts.PerSourceConns = opts.PoolSize
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = defaultCooldown
	}
	if opts.MaxBodyLog <= 0 {
		opts.MaxBodyLog = defaultMaxBodyLog
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = version.UserAgent()
	}
	if len(opts.ThrottleStatuses) == 0 {
		opts.ThrottleStatuses = []int{http.StatusTooManyRequests}
	}
	if clk == nil {
		clk = clock.New()
	}

	throttle := make(map[int]struct{}, len(opts.ThrottleStatuses))
	for _, code := range opts.ThrottleStatuses {
		throttle[code] = struct{}{}
	}

	log := logger.With().Str("component", "fetch_client").Logger()

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout: opts.ConnectTimeout,
		MaxIdleConns:        opts.PoolSize,
		MaxIdleConnsPerHost: opts.PerSourceConns,
		MaxConnsPerHost:     opts.PoolSize,
		IdleConnTimeout:     90 * time.Second,
	}

	rc := resty.New().
		SetTransport(transport).
		SetTimeout(opts.RequestTimeout).
		SetHeader("User-Agent", opts.UserAgent).
		SetLogger(restyLogger{log})

	return &Client{
		opts:      opts,
		logger:    log,
		http:      rc,
		limiter:   limiter,
		clock:     clk,
		throttle:  throttle,
		global:    semaphore.NewWeighted(int64(opts.PoolSize)),
		perSource: make(map[string]*semaphore.Weighted),
	}
}

// Fetch waits for the source's rate budget and a connection slot, then issues
// a GET. Context cancellation is returned as the context's error.
func (c *Client) Fetch(ctx context.Context, req Request) (Payload, error) {
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx, req.Source); err != nil {
			return Payload{}, err
		}
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Payload{}, ctxErr
		}
		return Payload{}, &FetchError{Source: req.Source, Kind: KindTransport, Err: err}
	}

	status := resp.StatusCode()
	if _, ok := c.throttle[status]; ok {
		c.logger.Warn().
			Str("source", req.Source).
			Int("status", status).
			Dur("cooldown", c.opts.Cooldown).
			Msg("throttled")
		if err := clock.Sleep(ctx, c.clock, c.opts.Cooldown); err != nil {
			return Payload{}, err
		}
		return Payload{}, &FetchError{Source: req.Source, Kind: KindThrottled, Status: status}
	}

	if status < 200 || status > 299 {
		return Payload{}, &FetchError{
			Source: req.Source,
			Kind:   KindStatus,
			Status: status,
			Body:   truncate(resp.Body(), c.opts.MaxBodyLog),
		}
	}

	return Payload{
		Body:        resp.Body(),
		Status:      status,
		ContentType: resp.Header().Get("Content-Type"),
	}, nil
}

// do holds a per-source slot and a pool slot only for the request itself, so
// cooldown waits never pin a connection.
func (c *Client) do(ctx context.Context, req Request) (*resty.Response, error) {
	sourceSlots := c.sourceSemaphore(req.Source)
	if err := sourceSlots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer sourceSlots.Release(1)

	if err := c.global.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.global.Release(1)

	r := c.http.R().SetContext(ctx)
	if len(req.Params) > 0 {
		r.SetQueryParams(req.Params)
	}
	if req.Accept != "" {
		r.SetHeader("Accept", req.Accept)
	}

	resp, err := r.Get(req.Target)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", req.Target, err)
	}
	return resp, nil
}

func (c *Client) sourceSemaphore(source string) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	sem, ok := c.perSource[source]
	if !ok {
		sem = semaphore.NewWeighted(int64(c.opts.PerSourceConns))
		c.perSource[source] = sem
	}
	return sem
}

func truncate(body []byte, limit int) string {
	if len(body) > limit {
		body = body[:limit]
		for i := 0; i < utf8.UTFMax && len(body) > 0 && !utf8.Valid(body); i++ {
			body = body[:len(body)-1]
		}
	}
	return strings.TrimSpace(string(body))
}

type restyLogger struct {
	logger zerolog.Logger
}

func (l restyLogger) Errorf(format string, v ...interface{}) {
	l.logger.Error().Msgf(format, v...)
}

func (l restyLogger) Warnf(format string, v ...interface{}) {
	l.logger.Warn().Msgf(format, v...)
}

func (l restyLogger) Debugf(format string, v ...interface{}) {
	l.logger.Debug().Msgf(format, v...)
}

var _ Fetcher = (*Client)(nil)
