package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Embedded extracts the JSON data block a marketplace page embeds behind a
// marker, either as <script id="marker"> or as "window.marker = {...}".
// Pages without the block are handed to the fallback normalizer.
type Embedded struct {
	opts     Options
	marker   string
	fallback Normalizer
}

// NewEmbedded builds the embedded-data normalizer. A nil fallback disables salvage.
func NewEmbedded(opts Options, marker string, fallback Normalizer) *Embedded {
	return &Embedded{opts: opts, marker: strings.TrimSpace(marker), fallback: fallback}
}

func (e *Embedded) Normalize(in Input) (Batch, error) {
	block, err := e.extract(in.Body)
	if err != nil {
		if e.fallback == nil {
			return Batch{}, err
		}
		batch, ferr := e.fallback.Normalize(in)
		if ferr != nil {
			return Batch{}, fmt.Errorf("%w; fallback: %w", err, ferr)
		}
		return batch, nil
	}

	var payload struct {
		Listings []json.RawMessage `json:"listings"`
	}
	if err := json.Unmarshal(block, &payload); err != nil {
		return Batch{}, fmt.Errorf("decode embedded block: %w", err)
	}
	return mapRecords(decodeElements(payload.Listings), e.opts, in.ObservedAt), nil
}

func (e *Embedded) extract(body []byte) ([]byte, error) {
	if e.marker == "" {
		return nil, ErrNoMarker
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	var block string
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if id, ok := s.Attr("id"); ok && id == e.marker {
			block = strings.TrimSpace(s.Text())
			return false
		}
		return true
	})
	if block != "" {
		return []byte(block), nil
	}

	return e.assignedBlock(string(body))
}

// assignedBlock finds "window.<marker> = " and decodes the object that follows.
func (e *Embedded) assignedBlock(doc string) ([]byte, error) {
	token := "window." + e.marker
	idx := strings.Index(doc, token)
	if idx < 0 {
		return nil, ErrNoMarker
	}
	rest := strings.TrimLeft(doc[idx+len(token):], " \t\r\n")
	if !strings.HasPrefix(rest, "=") {
		return nil, ErrNoMarker
	}
	rest = strings.TrimLeft(rest[1:], " \t\r\n")

	var raw json.RawMessage
	if err := json.NewDecoder(strings.NewReader(rest)).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode assigned block: %w", err)
	}
	return raw, nil
}

var _ Normalizer = (*Embedded)(nil)
