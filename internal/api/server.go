package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"skinmarket-ingest/internal/market"
	"skinmarket-ingest/internal/report"
	"skinmarket-ingest/internal/storage"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// Reader is the read side of the store the API serves from.
type Reader interface {
	ListRecentListings(ctx context.Context, limit int) ([]storage.StoredListing, error)
	ListRecentInsights(ctx context.Context, limit int) ([]storage.MarketInsight, error)
	FindEntity(ctx context.Context, canonical string) (market.Entity, error)
	ListDailyRollups(ctx context.Context, entityID int64, from, to time.Time, limit int) ([]storage.DailyRollup, error)
}

// Server is the read-only status API.
type Server struct {
	store  Reader
	latest *report.Latest
	namer  *market.Namer
	logger zerolog.Logger
	engine *gin.Engine
}

// NewServer builds the router. latest may be nil when no runs are scheduled.
func NewServer(store Reader, latest *report.Latest, namer *market.Namer, logger zerolog.Logger) *Server {
	if namer == nil {
		namer = market.MustNamer(nil)
	}
	s := &Server{
		store:  store,
		latest: latest,
		namer:  namer,
		logger: logger.With().Str("component", "api").Logger(),
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api")
	{
		v1.GET("/runs/last", s.lastRun)
		v1.GET("/listings", s.listings)
		v1.GET("/insights", s.insights)
		v1.GET("/items/rollups", s.rollups)
	}
	s.engine = r
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("status api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug().
		Str("method", c.Request.Method).
		Str("path", c.FullPath()).
		Int("status", c.Writer.Status()).
		Dur("elapsed", time.Since(start)).
		Msg("request served")
}

func (s *Server) lastRun(c *gin.Context) {
	if s.latest == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no scheduled runs in this process"})
		return
	}
	rep, ok := s.latest.Get()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no run finished yet"})
		return
	}
	c.JSON(http.StatusOK, runJSON(rep))
}

func (s *Server) listings(c *gin.Context) {
	limit, ok := s.limit(c)
	if !ok {
		return
	}
	rows, err := s.store.ListRecentListings(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, l := range rows {
		out = append(out, gin.H{
			"id":          l.ID,
			"item":        l.CanonicalName,
			"condition":   l.Condition,
			"float_value": l.FloatValue,
			"watchers":    l.Watchers,
			"price":       market.MinorToMajor(l.PriceMinor),
			"price_minor": l.PriceMinor,
			"source":      l.Source,
			"confidence":  l.Confidence.String(),
			"best":        l.Best,
			"observed_at": l.ObservedAt.UTC(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"listings": out})
}

func (s *Server) insights(c *gin.Context) {
	limit, ok := s.limit(c)
	if !ok {
		return
	}
	rows, err := s.store.ListRecentInsights(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, in := range rows {
		out = append(out, gin.H{
			"day":               in.Day.Format(time.DateOnly),
			"total_listings":    in.TotalListings,
			"total_value_minor": in.TotalValueMinor,
			"avg_price_minor":   in.AvgPriceMinor.String(),
			"volatility":        in.Volatility,
		})
	}
	c.JSON(http.StatusOK, gin.H{"insights": out})
}

// rollups serves one item's daily rollups for ?name=&from=&to= (dates, to exclusive).
func (s *Server) rollups(c *gin.Context) {
	canonical, _ := s.namer.Canonical(c.Query("name"))
	if canonical == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	to := storage.Day(time.Now()).AddDate(0, 0, 1)
	if v := c.Query("to"); v != "" {
		parsed, err := time.Parse(time.DateOnly, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be YYYY-MM-DD"})
			return
		}
		to = parsed
	}
	from := to.AddDate(0, 0, -30)
	if v := c.Query("from"); v != "" {
		parsed, err := time.Parse(time.DateOnly, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be YYYY-MM-DD"})
			return
		}
		from = parsed
	}
	if !from.Before(to) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be before to"})
		return
	}

	entity, err := s.store.FindEntity(c.Request.Context(), canonical)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown item"})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}

	rows, err := s.store.ListDailyRollups(c.Request.Context(), entity.ID, from, to, maxLimit)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, r := range rows {
		out = append(out, gin.H{
			"day":         r.Day.Format(time.DateOnly),
			"volume":      r.Volume,
			"price":       market.MinorToMajor(r.PriceMinor),
			"price_minor": r.PriceMinor,
		})
	}
	c.JSON(http.StatusOK, gin.H{"item": entity.CanonicalName, "rollups": out})
}

func (s *Server) limit(c *gin.Context) (int, bool) {
	raw := c.DefaultQuery("limit", strconv.Itoa(defaultLimit))
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	return min(n, maxLimit), true
}

func (s *Server) fail(c *gin.Context, err error) {
	s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func runJSON(r report.Report) gin.H {
	sources := make([]gin.H, 0, len(r.Sources))
	for _, s := range r.Sources {
		sources = append(sources, gin.H{
			"source":        s.Source,
			"state":         s.State,
			"reason":        s.Reason,
			"error":         s.Error,
			"fetches":       s.Fetches,
			"pages_fetched": s.PagesFetched,
			"items":         s.Items,
			"listings":      s.Listings,
		})
	}
	return gin.H{
		"started":          r.Started.UTC(),
		"finished":         r.Finished.UTC(),
		"cancelled":        r.Cancelled,
		"pages_fetched":    r.PagesFetched,
		"items_normalized": r.ItemsNormalized,
		"items_persisted":  r.ItemsPersisted,
		"entities_created": r.EntitiesCreated,
		"errors":           r.Errors,
		"sources":          sources,
	}
}

var _ Reader = (*storage.Store)(nil)
