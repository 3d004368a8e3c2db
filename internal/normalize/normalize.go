package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"skinmarket-ingest/internal/market"
)

var (
	// ErrNoMarker means the document carried no embedded data block.
	ErrNoMarker = errors.New("embedded data marker not found")
	// ErrNoListing means nothing usable could be salvaged from a payload.
	ErrNoListing = errors.New("no listing found")
	// ErrLookupFailed means a price lookup answered with its failure flag.
	ErrLookupFailed = errors.New("lookup reported failure")
)

// Input is one raw payload plus the context needed to map it.
type Input struct {
	Body       []byte
	ObservedAt time.Time
	// Item names the requested item for single-item endpoints.
	Item string
}

// Batch is the result of normalizing one payload. Items counts the raw
// records found, so a zero Items with a nil error is an empty page.
type Batch struct {
	Listings []market.Listing
	Items    int
	Skipped  int
	Problems []error
}

func (b *Batch) skip(err error) {
	b.Skipped++
	b.Problems = append(b.Problems, err)
}

// Normalizer converts a raw payload into canonical listings. A returned error
// means the whole payload was unusable; per-record failures are skipped.
type Normalizer interface {
	Normalize(in Input) (Batch, error)
}

// Options are shared by every normalizer variant.
type Options struct {
	Source     string
	Confidence market.Confidence
	Namer      *market.Namer
}

func (o Options) namer() *market.Namer {
	if o.Namer == nil {
		return market.MustNamer(nil)
	}
	return o.Namer
}

// record is the listing shape shared by the listings API and the embedded
// marketplace block. Price is minor units as a number or a display string.
type record struct {
	MarketHashName string          `json:"market_hash_name"`
	Price          json.RawMessage `json:"price"`
	WearName       string          `json:"wear_name"`
	FloatValue     *float64        `json:"float_value"`
	Watchers       *int            `json:"watchers"`
	Rarity         int             `json:"rarity"`
	StatTrak       bool            `json:"stattrak"`
	Souvenir       bool            `json:"souvenir"`
}

func (r record) toListing(opts Options, observedAt time.Time) (market.Listing, error) {
	if strings.TrimSpace(r.MarketHashName) == "" {
		return market.Listing{}, errors.New("record without market_hash_name")
	}
	price, err := parseRawPrice(r.Price)
	if err != nil {
		return market.Listing{}, fmt.Errorf("%s: %w", r.MarketHashName, err)
	}

	l := market.Listing{
		Name:       r.MarketHashName,
		Rarity:     r.Rarity,
		Special:    r.StatTrak || r.Souvenir,
		PriceMinor: price,
		Condition:  strings.TrimSpace(r.WearName),
		FloatValue: r.FloatValue,
		Source:     opts.Source,
		Confidence: opts.Confidence,
		ObservedAt: observedAt,
	}
	if r.Watchers != nil {
		l.Watchers = *r.Watchers
	}
	opts.namer().Apply(&l)

	if err := l.Validate(); err != nil {
		return market.Listing{}, err
	}
	return l, nil
}

func mapRecords(records []record, opts Options, observedAt time.Time) Batch {
	batch := Batch{Items: len(records), Listings: make([]market.Listing, 0, len(records))}
	for _, rec := range records {
		l, err := rec.toListing(opts, observedAt)
		if err != nil {
			batch.skip(err)
			continue
		}
		batch.Listings = append(batch.Listings, l)
	}
	return batch
}

func parseRawPrice(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, errors.New("missing price")
	}
	if raw[0] == '"' {
		var display string
		if err := json.Unmarshal(raw, &display); err != nil {
			return 0, fmt.Errorf("decode price: %w", err)
		}
		return market.ParsePriceMinor(display)
	}

	var minor float64
	if err := json.Unmarshal(raw, &minor); err != nil {
		return 0, fmt.Errorf("decode price: %w", err)
	}
	if minor != math.Trunc(minor) || minor > math.MaxInt64 || minor < math.MinInt64 {
		return 0, fmt.Errorf("price %v is not whole minor units", minor)
	}
	return int64(minor), nil
}
