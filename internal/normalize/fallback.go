package normalize

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"skinmarket-ingest/internal/market"
)

var (
	currencyPrefixRe = regexp.MustCompile(`(?:[$€£¥]|\b(?:USD|EUR|GBP|CNY|RUB)\b)\s?\d[\d,.]*`)
	currencySuffixRe = regexp.MustCompile(`\d[\d,.\s]*?\s?(?:[$€£¥]|\b(?:USD|EUR|GBP|CNY|RUB)\b)`)
)

// Fallback salvages a single listing from a document: a title-like field and
// the first currency-looking token. Its output is always tagged fallback.
type Fallback struct {
	opts Options
}

// NewFallback builds the last-resort normalizer.
func NewFallback(opts Options) *Fallback {
	opts.Confidence = market.ConfidenceFallback
	return &Fallback{opts: opts}
}

func (f *Fallback) Normalize(in Input) (Batch, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(in.Body))
	if err != nil {
		return Batch{}, fmt.Errorf("parse document: %w", err)
	}

	title := documentTitle(doc)
	if title == "" {
		title = strings.TrimSpace(in.Item)
	}
	if title == "" {
		return Batch{}, fmt.Errorf("%w: no title", ErrNoListing)
	}

	doc.Find("script, style, noscript").Remove()
	token := firstCurrencyToken(doc.Find("body").Text())
	if token == "" {
		return Batch{}, fmt.Errorf("%w: no price in %q", ErrNoListing, title)
	}
	price, err := market.ParsePriceMinor(token)
	if err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrNoListing, err)
	}

	l := market.Listing{
		Name:       title,
		PriceMinor: price,
		Source:     f.opts.Source,
		Confidence: f.opts.Confidence,
		ObservedAt: in.ObservedAt,
	}
	f.opts.namer().Apply(&l)
	if err := l.Validate(); err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrNoListing, err)
	}
	return Batch{Listings: []market.Listing{l}, Items: 1}, nil
}

// firstCurrencyToken returns whichever currency amount starts first, symbol-led
// or symbol-trailed. On a shared start the symbol-led match wins.
func firstCurrencyToken(text string) string {
	prefix := currencyPrefixRe.FindStringIndex(text)
	suffix := currencySuffixRe.FindStringIndex(text)
	switch {
	case prefix == nil && suffix == nil:
		return ""
	case suffix == nil || (prefix != nil && prefix[0] <= suffix[0]):
		return text[prefix[0]:prefix[1]]
	default:
		return text[suffix[0]:suffix[1]]
	}
}

func documentTitle(doc *goquery.Document) string {
	if og, ok := doc.Find("meta[property='og:title']").First().Attr("content"); ok {
		if og = strings.TrimSpace(og); og != "" {
			return og
		}
	}
	if h1 := strings.TrimSpace(doc.Find("h1").First().Text()); h1 != "" {
		return h1
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

var _ Normalizer = (*Fallback)(nil)
