package market

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrNoPrice is returned when a string holds no currency-looking token.
	ErrNoPrice = errors.New("no price token")
	// ErrAmbiguousPrice is returned when separators cannot be read as either
	// grouping or a two-place fraction.
	ErrAmbiguousPrice = errors.New("ambiguous price separators")
)

var hundred = decimal.NewFromInt(100)

// priceTokenRe matches digit groups joined by "." "," or "'"; whitespace only
// joins a following three-digit group, as in "1 234,56".
var priceTokenRe = regexp.MustCompile(`\d+(?:[.,']\d+|[\s\x{00A0}\x{202F}]\d{3}\b)*`)

var groupSpaces = strings.NewReplacer(" ", "", "\u00a0", "", "\u202f", "", "\t", "", "'", "")

// ParsePriceMinor converts a display price such as "$1,234.56", "1.234,56 €"
// or "1 234,56 €" into minor units. The last separator is the decimal point
// when one or two digits follow it; three digits make it a grouping
// separator.
func ParsePriceMinor(display string) (int64, error) {
	token := priceTokenRe.FindString(display)
	if token == "" {
		return 0, fmt.Errorf("%w in %q", ErrNoPrice, display)
	}

	plain, err := canonicalAmount(groupSpaces.Replace(token))
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", display, err)
	}
	amount, err := decimal.NewFromString(plain)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", display, err)
	}
	return MajorToMinor(amount), nil
}

// canonicalAmount rewrites digits with "." and "," separators as a plain
// decimal string such as "1234.56".
func canonicalAmount(token string) (string, error) {
	last := strings.LastIndexAny(token, ".,")
	if last < 0 {
		return token, nil
	}
	sep := token[last]
	frac := token[last+1:]
	whole := token[:last]

	other := byte(',')
	if sep == ',' {
		other = '.'
	}

	decimalSep := false
	switch {
	case strings.IndexByte(whole, other) >= 0:
		// Both kinds present: the last one is the decimal point.
		decimalSep = true
	case strings.IndexByte(whole, sep) >= 0:
		// Repeated single kind: grouping only.
	case len(frac) == 3:
	default:
		decimalSep = true
	}

	if decimalSep {
		if len(frac) == 0 || len(frac) > 2 {
			return "", fmt.Errorf("%w: %d fraction digits in %q", ErrAmbiguousPrice, len(frac), token)
		}
		intPart, err := ungroup(whole, other)
		if err != nil {
			return "", err
		}
		return intPart + "." + frac, nil
	}
	return ungroup(token, sep)
}

// ungroup strips a grouping separator, requiring three-digit groups after the first.
func ungroup(s string, sep byte) (string, error) {
	groups := strings.Split(s, string(sep))
	for i, g := range groups {
		if g == "" || strings.ContainsAny(g, ".,") || (i > 0 && len(g) != 3) {
			return "", fmt.Errorf("%w: bad grouping in %q", ErrAmbiguousPrice, s)
		}
	}
	return strings.Join(groups, ""), nil
}

// MajorToMinor rounds a major-unit amount to minor units.
func MajorToMinor(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

// MinorToMajor renders minor units as a fixed two-place major amount.
func MinorToMajor(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}
