package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skinmarket-ingest/internal/market"
	"skinmarket-ingest/internal/report"
	"skinmarket-ingest/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeReader struct {
	listings  []storage.StoredListing
	insights  []storage.MarketInsight
	rollups   []storage.DailyRollup
	err       error
	lastLimit int
	lastName  string
	lastFrom  time.Time
	lastTo    time.Time
}

func (f *fakeReader) ListRecentListings(_ context.Context, limit int) ([]storage.StoredListing, error) {
	f.lastLimit = limit
	return f.listings, f.err
}

func (f *fakeReader) ListRecentInsights(_ context.Context, limit int) ([]storage.MarketInsight, error) {
	f.lastLimit = limit
	return f.insights, f.err
}

func (f *fakeReader) FindEntity(_ context.Context, canonical string) (market.Entity, error) {
	f.lastName = canonical
	if canonical != "AK-47 | Redline" {
		return market.Entity{}, storage.ErrNotFound
	}
	return market.Entity{ID: 7, CanonicalName: canonical}, nil
}

func (f *fakeReader) ListDailyRollups(_ context.Context, _ int64, from, to time.Time, _ int) ([]storage.DailyRollup, error) {
	f.lastFrom, f.lastTo = from, to
	return f.rollups, f.err
}

func get(t *testing.T, s *Server, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec, body
}

func TestHealth(t *testing.T) {
	rec, body := get(t, NewServer(&fakeReader{}, nil, nil, zerolog.Nop()), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestListings(t *testing.T) {
	fv := 0.15
	reader := &fakeReader{listings: []storage.StoredListing{{
		ID:       1,
		EntityID: 7,
		Listing: market.Listing{
			CanonicalName: "AK-47 | Redline",
			PriceMinor:    480,
			FloatValue:    &fv,
			Source:        "api",
			Confidence:    market.ConfidenceStructured,
			Best:          true,
			ObservedAt:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		},
	}}}
	s := NewServer(reader, nil, nil, zerolog.Nop())

	rec, body := get(t, s, "/api/listings?limit=5000")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxLimit, reader.lastLimit)
	rows := body["listings"].([]any)
	require.Len(t, rows, 1)
	row := rows[0].(map[string]any)
	assert.Equal(t, "4.80", row["price"])
	assert.Equal(t, true, row["best"])

	rec, _ = get(t, s, "/api/listings?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	reader.err = errors.New("db down")
	rec, _ = get(t, s, "/api/listings")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, defaultLimit, reader.lastLimit)
}

func TestInsights(t *testing.T) {
	reader := &fakeReader{insights: []storage.MarketInsight{{
		Day:             time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		TotalListings:   6,
		TotalValueMinor: 10305,
		AvgPriceMinor:   decimal.RequireFromString("1717.5"),
		Volatility:      1.9,
	}}}
	rec, body := get(t, NewServer(reader, nil, nil, zerolog.Nop()), "/api/insights?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	row := body["insights"].([]any)[0].(map[string]any)
	assert.Equal(t, "2026-03-01", row["day"])
	assert.Equal(t, "1717.5", row["avg_price_minor"])
}

func TestRollups(t *testing.T) {
	reader := &fakeReader{rollups: []storage.DailyRollup{
		{EntityID: 7, Day: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), Volume: 2, PriceMinor: 480},
	}}
	s := NewServer(reader, nil, nil, zerolog.Nop())

	rec, body := get(t, s, "/api/items/rollups?name=AK-47+%7C+Redline+%28Field-Tested%29&from=2026-02-01&to=2026-03-02")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "AK-47 | Redline", reader.lastName, "wear decoration is stripped")
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), reader.lastFrom)
	assert.Equal(t, "AK-47 | Redline", body["item"])
	assert.Len(t, body["rollups"].([]any), 1)

	rec, _ = get(t, s, "/api/items/rollups?name=Unknown")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = get(t, s, "/api/items/rollups")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = get(t, s, "/api/items/rollups?name=AK-47+%7C+Redline&from=2026-03-05&to=2026-03-01")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLastRun(t *testing.T) {
	rec, _ := get(t, NewServer(&fakeReader{}, nil, nil, zerolog.Nop()), "/api/runs/last")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	latest := &report.Latest{}
	s := NewServer(&fakeReader{}, latest, nil, zerolog.Nop())
	rec, _ = get(t, s, "/api/runs/last")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	r := report.New(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	r.ItemsPersisted = 12
	r.Errors[report.ErrThrottled] = 1
	r.Sources = []report.SourceReport{{Source: "api", State: "done", Reason: "empty page"}}
	require.NoError(t, latest.Notify(context.Background(), r))

	rec, body := get(t, s, "/api/runs/last")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(12), body["items_persisted"])
	assert.Equal(t, float64(1), body["errors"].(map[string]any)["throttled"])
	assert.True(t, strings.Contains(rec.Body.String(), `"reason":"empty page"`))
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	s := NewServer(&fakeReader{}, nil, nil, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
