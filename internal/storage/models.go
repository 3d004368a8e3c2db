package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"skinmarket-ingest/internal/market"
)

// StoredListing is a persisted fact row joined with its entity name.
type StoredListing struct {
	ID       int64
	EntityID int64
	market.Listing
	CreatedAt time.Time
}

// DailyRollup aggregates one entity's distinct facts for one UTC day.
type DailyRollup struct {
	EntityID      int64
	CanonicalName string
	Day           time.Time
	Volume        int
	PriceMinor    int64
	UpdatedAt     time.Time
}

// MarketInsight aggregates every distinct fact of one UTC day.
type MarketInsight struct {
	Day             time.Time
	TotalListings   int
	TotalValueMinor int64
	AvgPriceMinor   decimal.Decimal
	Volatility      float64
	UpdatedAt       time.Time
}

// RollupKey addresses one daily rollup row.
type RollupKey struct {
	EntityID int64
	Day      time.Time
}

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
