package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// PriceLookup maps a single-item price summary such as
// {"success":true,"lowest_price":"$1.23","median_price":"$1.30","volume":"1,024"}.
type PriceLookup struct {
	opts Options
}

// NewPriceLookup builds the price-lookup normalizer.
func NewPriceLookup(opts Options) *PriceLookup {
	return &PriceLookup{opts: opts}
}

type lookupResponse struct {
	Success     bool   `json:"success"`
	LowestPrice string `json:"lowest_price"`
	MedianPrice string `json:"median_price"`
	Volume      string `json:"volume"`
}

// LookupSummary is the decoded lookup answer, kept for the lookup command.
type LookupSummary struct {
	Lowest int64
	Median int64
	Volume int
}

// Normalize maps one lookup answer. Each answer covers exactly one item, so a
// failure flag or a missing price skips that item instead of failing the
// payload; only an undecodable body is a payload error.
func (p *PriceLookup) Normalize(in Input) (Batch, error) {
	var batch Batch
	if strings.TrimSpace(in.Item) == "" {
		return Batch{}, fmt.Errorf("%w: lookup without item name", ErrNoListing)
	}

	summary, err := DecodeLookup(in.Body)
	if errors.Is(err, ErrLookupFailed) || errors.Is(err, ErrNoListing) {
		batch.Items = 1
		batch.skip(fmt.Errorf("%s: %w", in.Item, err))
		return batch, nil
	}
	if err != nil {
		return Batch{}, fmt.Errorf("%s: %w", in.Item, err)
	}

	price := summary.Lowest
	if price < 0 {
		price = summary.Median
	}
	rec := record{MarketHashName: in.Item, Price: json.RawMessage(strconv.FormatInt(price, 10))}
	return mapRecords([]record{rec}, p.opts, in.ObservedAt), nil
}

// DecodeLookup parses a price summary. Missing prices are reported as -1.
func DecodeLookup(body []byte) (LookupSummary, error) {
	var resp lookupResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return LookupSummary{}, fmt.Errorf("decode lookup: %w", err)
	}
	if !resp.Success {
		return LookupSummary{}, ErrLookupFailed
	}

	summary := LookupSummary{Lowest: -1, Median: -1}
	if v, err := parseDisplay(resp.LowestPrice); err == nil {
		summary.Lowest = v
	}
	if v, err := parseDisplay(resp.MedianPrice); err == nil {
		summary.Median = v
	}
	if summary.Lowest < 0 && summary.Median < 0 {
		return LookupSummary{}, fmt.Errorf("%w: no price in lookup", ErrNoListing)
	}
	if vol := strings.NewReplacer(",", "", " ", "").Replace(resp.Volume); vol != "" {
		if n, err := strconv.Atoi(vol); err == nil {
			summary.Volume = n
		}
	}
	return summary, nil
}

func parseDisplay(s string) (int64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, ErrNoListing
	}
	return parseRawPrice(json.RawMessage(strconv.Quote(s)))
}

var _ Normalizer = (*PriceLookup)(nil)
