package market

import (
	"fmt"
	"time"
)

// Confidence ranks how much a source's observations can be trusted.
type Confidence int

const (
	ConfidenceUnknown    Confidence = 0
	ConfidenceFallback   Confidence = 1
	ConfidenceLookup     Confidence = 2
	ConfidenceDocument   Confidence = 3
	ConfidenceStructured Confidence = 4
)

// String renders the confidence tag stored alongside listings.
func (c Confidence) String() string {
	switch c {
	case ConfidenceFallback:
		return "fallback"
	case ConfidenceLookup:
		return "lookup"
	case ConfidenceDocument:
		return "document"
	case ConfidenceStructured:
		return "structured"
	default:
		return "unknown"
	}
}

// ParseConfidence maps a configured tag back to its rank.
func ParseConfidence(tag string) (Confidence, error) {
	switch tag {
	case "fallback":
		return ConfidenceFallback, nil
	case "lookup":
		return ConfidenceLookup, nil
	case "document":
		return ConfidenceDocument, nil
	case "structured":
		return ConfidenceStructured, nil
	default:
		return ConfidenceUnknown, fmt.Errorf("unknown confidence tag %q", tag)
	}
}

// Entity is a logical tradable item definition.
type Entity struct {
	ID            int64
	CanonicalName string
	Rarity        int
	Special       bool
	CreatedAt     time.Time
}

// Listing is one observed price point for an item from one source.
type Listing struct {
	// Name is the item name as the source reported it.
	Name string
	// CanonicalName identifies the Entity across sources.
	CanonicalName string
	Rarity        int
	Special       bool

	// PriceMinor is the price in minor currency units (cents).
	PriceMinor int64
	Condition  string
	FloatValue *float64
	Watchers   int

	Source     string
	Confidence Confidence
	ObservedAt time.Time

	// Best marks the observation picked for its item within one run.
	Best       bool
	BestSource string
	BestPrice  int64
}

// Validate enforces the listing invariants before persistence.
func (l Listing) Validate() error {
	if l.CanonicalName == "" {
		return fmt.Errorf("listing from %s has empty canonical name", l.Source)
	}
	if l.PriceMinor < 0 {
		return fmt.Errorf("listing %q has negative price %d", l.CanonicalName, l.PriceMinor)
	}
	if l.FloatValue != nil && (*l.FloatValue < 0 || *l.FloatValue > 1) {
		return fmt.Errorf("listing %q float value %f outside [0,1]", l.CanonicalName, *l.FloatValue)
	}
	if l.ObservedAt.IsZero() {
		return fmt.Errorf("listing %q has no observation time", l.CanonicalName)
	}
	return nil
}

// Key returns the case-folded match key for reconciliation.
func (l Listing) Key() string {
	return MatchKey(l.CanonicalName)
}
