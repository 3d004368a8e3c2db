package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skinmarket-ingest/internal/market"
)

var observed = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func apiOpts() Options {
	return Options{Source: "api", Confidence: market.ConfidenceStructured}
}

func TestStructuredArray(t *testing.T) {
	body := `[
		{"market_hash_name":"AK-47 | Redline (Field-Tested)","price":1250,"float_value":0.23,"watchers":4,"rarity":3},
		{"market_hash_name":"StatTrak™ AWP | Asiimov","price":0,"wear_name":"Battle-Scarred","float_value":1.0},
		{"market_hash_name":"Glock-18 | Fade","price":-5},
		{"price":100}
	]`
	batch, err := NewStructured(apiOpts()).Normalize(Input{Body: []byte(body), ObservedAt: observed})
	require.NoError(t, err)

	assert.Equal(t, 4, batch.Items)
	assert.Equal(t, 2, batch.Skipped)
	require.Len(t, batch.Listings, 2)

	first := batch.Listings[0]
	assert.Equal(t, "AK-47 | Redline", first.CanonicalName)
	assert.Equal(t, "Field-Tested", first.Condition)
	assert.Equal(t, int64(1250), first.PriceMinor)
	require.NotNil(t, first.FloatValue)
	assert.InDelta(t, 0.23, *first.FloatValue, 1e-9)
	assert.Equal(t, 4, first.Watchers)
	assert.Equal(t, 3, first.Rarity)
	assert.Equal(t, "api", first.Source)
	assert.Equal(t, market.ConfidenceStructured, first.Confidence)
	assert.Equal(t, observed, first.ObservedAt)

	second := batch.Listings[1]
	assert.Equal(t, int64(0), second.PriceMinor)
	assert.True(t, second.Special)
	assert.Equal(t, 0, second.Watchers)
	assert.Equal(t, "Battle-Scarred", second.Condition)
}

func TestStructuredEnvelopeAndEmptyPage(t *testing.T) {
	n := NewStructured(apiOpts())

	batch, err := n.Normalize(Input{Body: []byte(`{"data":[{"market_hash_name":"P250 | Sand Dune","price":3}]}`), ObservedAt: observed})
	require.NoError(t, err)
	require.Len(t, batch.Listings, 1)
	assert.Nil(t, batch.Listings[0].FloatValue)

	for _, body := range []string{`[]`, `{"data":[]}`, ``} {
		batch, err = n.Normalize(Input{Body: []byte(body), ObservedAt: observed})
		require.NoError(t, err, body)
		assert.Zero(t, batch.Items, body)
	}
}

func TestStructuredMalformedPayload(t *testing.T) {
	_, err := NewStructured(apiOpts()).Normalize(Input{Body: []byte(`<html>oops</html>`), ObservedAt: observed})
	assert.Error(t, err)
}

const scriptPage = `<!doctype html><html><head><title>Market</title></head><body>
<script id="__MARKET__" type="application/json">
{"listings":[
  {"market_hash_name":"M4A1-S | Hyper Beast (Minimal Wear)","price":"$12.50","watchers":2},
  {"market_hash_name":"USP-S | Kill Confirmed","price":"1 234,56 €","float_value":0.0}
]}
</script></body></html>`

const assignedPage = `<html><body><script>
window.__MARKET__ = {"listings":[{"market_hash_name":"Desert Eagle | Blaze","price":"$450.00"}]};
window.other = {};
</script></body></html>`

func TestEmbeddedScriptBlock(t *testing.T) {
	opts := Options{Source: "html", Confidence: market.ConfidenceDocument}
	n := NewEmbedded(opts, "__MARKET__", NewFallback(opts))

	batch, err := n.Normalize(Input{Body: []byte(scriptPage), ObservedAt: observed})
	require.NoError(t, err)
	require.Len(t, batch.Listings, 2)
	assert.Equal(t, "M4A1-S | Hyper Beast", batch.Listings[0].CanonicalName)
	assert.Equal(t, int64(1250), batch.Listings[0].PriceMinor)
	assert.Equal(t, market.ConfidenceDocument, batch.Listings[0].Confidence)
	assert.Equal(t, int64(123456), batch.Listings[1].PriceMinor)
	require.NotNil(t, batch.Listings[1].FloatValue)
	assert.Zero(t, *batch.Listings[1].FloatValue)
}

func TestEmbeddedAssignedBlock(t *testing.T) {
	n := NewEmbedded(Options{Source: "html", Confidence: market.ConfidenceDocument}, "__MARKET__", nil)
	batch, err := n.Normalize(Input{Body: []byte(assignedPage), ObservedAt: observed})
	require.NoError(t, err)
	require.Len(t, batch.Listings, 1)
	assert.Equal(t, int64(45000), batch.Listings[0].PriceMinor)
}

func TestEmbeddedEmptyBlockIsEmptyPage(t *testing.T) {
	page := `<html><body><script id="__MARKET__">{"listings":[]}</script></body></html>`
	n := NewEmbedded(Options{Source: "html"}, "__MARKET__", nil)
	batch, err := n.Normalize(Input{Body: []byte(page), ObservedAt: observed})
	require.NoError(t, err)
	assert.Zero(t, batch.Items)
}

func TestEmbeddedFallsThroughWithoutMarker(t *testing.T) {
	page := `<html><head><title>Shop</title></head><body>
		<h1>Karambit | Doppler (Factory New)</h1><p>Only 1 left</p><span class="p">$1,049.99</span>
	</body></html>`
	opts := Options{Source: "html", Confidence: market.ConfidenceDocument}
	n := NewEmbedded(opts, "__MARKET__", NewFallback(opts))

	batch, err := n.Normalize(Input{Body: []byte(page), ObservedAt: observed})
	require.NoError(t, err)
	require.Len(t, batch.Listings, 1)
	l := batch.Listings[0]
	assert.Equal(t, "Karambit | Doppler", l.CanonicalName)
	assert.Equal(t, "Factory New", l.Condition)
	assert.Equal(t, int64(104999), l.PriceMinor)
	assert.Equal(t, market.ConfidenceFallback, l.Confidence)
}

func TestEmbeddedWithoutMarkerOrFallback(t *testing.T) {
	n := NewEmbedded(Options{Source: "html"}, "__MARKET__", nil)
	_, err := n.Normalize(Input{Body: []byte(`<html><body>nothing</body></html>`), ObservedAt: observed})
	assert.ErrorIs(t, err, ErrNoMarker)
}

func TestFallbackNeedsPrice(t *testing.T) {
	n := NewFallback(Options{Source: "html"})
	_, err := n.Normalize(Input{Body: []byte(`<html><body><h1>Sticker | Crown</h1>sold out</body></html>`), ObservedAt: observed})
	assert.ErrorIs(t, err, ErrNoListing)
}

func TestFallbackSuffixCurrency(t *testing.T) {
	page := `<html><head><meta property="og:title" content="Butterfly Knife | Fade"></head><body>Preis: 1 234,50 €</body></html>`
	batch, err := NewFallback(Options{Source: "html"}).Normalize(Input{Body: []byte(page), ObservedAt: observed})
	require.NoError(t, err)
	require.Len(t, batch.Listings, 1)
	assert.Equal(t, int64(123450), batch.Listings[0].PriceMinor)
}

func TestFallbackTakesEarliestCurrencyAmount(t *testing.T) {
	page := `<html><body><h1>Glock-18 | Fade</h1><p>Preis: 12,50 € (ca. $13.40)</p></body></html>`
	batch, err := NewFallback(Options{Source: "html"}).Normalize(Input{Body: []byte(page), ObservedAt: observed})
	require.NoError(t, err)
	require.Len(t, batch.Listings, 1)
	assert.Equal(t, int64(1250), batch.Listings[0].PriceMinor)

	page = `<html><body><h1>Glock-18 | Fade</h1><p>$13.40 (12,50 €)</p></body></html>`
	batch, err = NewFallback(Options{Source: "html"}).Normalize(Input{Body: []byte(page), ObservedAt: observed})
	require.NoError(t, err)
	assert.Equal(t, int64(1340), batch.Listings[0].PriceMinor)
}

func TestPriceLookup(t *testing.T) {
	n := NewPriceLookup(Options{Source: "lookup", Confidence: market.ConfidenceLookup})

	batch, err := n.Normalize(Input{
		Body:       []byte(`{"success":true,"lowest_price":"$1.23","median_price":"$1.30","volume":"1,024"}`),
		ObservedAt: observed,
		Item:       "Sawed-Off | Orange DDPAT (Well-Worn)",
	})
	require.NoError(t, err)
	require.Len(t, batch.Listings, 1)
	assert.Equal(t, int64(123), batch.Listings[0].PriceMinor)
	assert.Equal(t, "Sawed-Off | Orange DDPAT", batch.Listings[0].CanonicalName)
	assert.Equal(t, market.ConfidenceLookup, batch.Listings[0].Confidence)

	batch, err = n.Normalize(Input{Body: []byte(`{"success":true,"median_price":"$2.00"}`), ObservedAt: observed, Item: "x"})
	require.NoError(t, err)
	assert.Equal(t, int64(200), batch.Listings[0].PriceMinor)

	batch, err = n.Normalize(Input{Body: []byte(`{"success":false}`), ObservedAt: observed, Item: "x"})
	require.NoError(t, err, "失败标记只跳过该物品")
	assert.Equal(t, 1, batch.Items)
	assert.Equal(t, 1, batch.Skipped)
	assert.Empty(t, batch.Listings)
	require.Len(t, batch.Problems, 1)
	assert.True(t, errors.Is(batch.Problems[0], ErrLookupFailed))

	batch, err = n.Normalize(Input{Body: []byte(`{"success":true,"volume":"3"}`), ObservedAt: observed, Item: "x"})
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Skipped)
	assert.True(t, errors.Is(batch.Problems[0], ErrNoListing))

	_, err = n.Normalize(Input{Body: []byte(`<html>`), ObservedAt: observed, Item: "x"})
	assert.Error(t, err)
}

func TestDecodeLookupVolume(t *testing.T) {
	summary, err := DecodeLookup([]byte(`{"success":true,"lowest_price":"$0.03","volume":"12,345"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.Lowest)
	assert.Equal(t, int64(-1), summary.Median)
	assert.Equal(t, 12345, summary.Volume)
}
