package source

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skinmarket-ingest/internal/config"
	"skinmarket-ingest/internal/fetcher"
	"skinmarket-ingest/internal/market"
)

func TestListingsAPIRequest(t *testing.T) {
	src, err := New(config.SourceConfig{
		ID:       "api",
		Kind:     config.KindListingsAPI,
		BaseURL:  "https://api.example.test/",
		Path:     "/v1/listings",
		PageSize: 25,
		Sort:     "price_asc",
		Category: "rifle",
	}, nil)
	require.NoError(t, err)

	req, ok := src.Request(3)
	require.True(t, ok)
	assert.Equal(t, "https://api.example.test/v1/listings", req.Target)
	assert.Equal(t, map[string]string{"page": "3", "limit": "25", "sort_by": "price_asc", "category": "rifle"}, req.Params)
	assert.Equal(t, market.ConfidenceStructured, src.Confidence())
}

func TestMarketplaceHTMLDefaults(t *testing.T) {
	src, err := New(config.SourceConfig{ID: "shop", Kind: config.KindMarketplaceHTML, BaseURL: "https://shop.test", Marker: "__M__"}, nil)
	require.NoError(t, err)

	req, ok := src.Request(0)
	require.True(t, ok)
	assert.Equal(t, "0", req.Params["page"])
	_, hasSort := req.Params["sort"]
	assert.False(t, hasSort)
	assert.Equal(t, market.ConfidenceDocument, src.Confidence())

	batch, err := src.Normalize(0, fetcher.Payload{Body: []byte(`<script id="__M__">{"listings":[]}</script>`)}, time.Now())
	require.NoError(t, err)
	assert.Zero(t, batch.Items)
}

func TestPriceLookupWalksItems(t *testing.T) {
	src, err := New(config.SourceConfig{
		ID:         "steam",
		Kind:       config.KindPriceLookup,
		BaseURL:    "https://lookup.test",
		Currency:   "1",
		Items:      []string{"AK-47 | Redline (Field-Tested)", "AWP | Asiimov (Field-Tested)"},
		Confidence: "document",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, market.ConfidenceDocument, src.Confidence())

	req, ok := src.Request(1)
	require.True(t, ok)
	assert.Equal(t, "AWP | Asiimov (Field-Tested)", req.Params["market_hash_name"])
	assert.Equal(t, "1", req.Params["currency"])

	_, ok = src.Request(2)
	assert.False(t, ok)

	batch, err := src.Normalize(0, fetcher.Payload{Body: []byte(`{"success":true,"lowest_price":"$4.10"}`)}, time.Now())
	require.NoError(t, err)
	require.Len(t, batch.Listings, 1)
	assert.Equal(t, "AK-47 | Redline", batch.Listings[0].CanonicalName)
}

func TestNewRejectsBadConfidence(t *testing.T) {
	_, err := New(config.SourceConfig{ID: "x", Kind: config.KindListingsAPI, Confidence: "platinum"}, nil)
	assert.Error(t, err)
}

func TestBudgets(t *testing.T) {
	src, err := New(config.SourceConfig{ID: "api", Kind: config.KindListingsAPI, RequestsPerMinute: 30, MinDelay: time.Second}, nil)
	require.NoError(t, err)
	b := Budgets([]*Source{src})["api"]
	assert.Equal(t, 30, b.RequestsPerWindow)
	assert.Equal(t, time.Second, b.MinDelay)
	assert.Equal(t, time.Minute, b.Window)
}
