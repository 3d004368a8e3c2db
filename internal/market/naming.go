package market

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultStripPatterns removes the wear suffix marketplaces append to item names.
var DefaultStripPatterns = []string{
	`\s*\((Factory New|Minimal Wear|Field-Tested|Well-Worn|Battle-Scarred)\)\s*$`,
}

var (
	whitespaceRe    = regexp.MustCompile(`\s+`)
	specialPrefixes = []string{"StatTrak™", "StatTrak", "Souvenir"}
)

// Namer derives canonical names from source-decorated item names.
type Namer struct {
	patterns []*regexp.Regexp
}

// NewNamer compiles the configured decoration patterns. An empty list uses the defaults.
func NewNamer(patterns []string) (*Namer, error) {
	if len(patterns) == 0 {
		patterns = DefaultStripPatterns
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile strip pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return &Namer{patterns: compiled}, nil
}

// MustNamer is NewNamer for static pattern lists.
func MustNamer(patterns []string) *Namer {
	n, err := NewNamer(patterns)
	if err != nil {
		panic(err)
	}
	return n
}

// Canonical strips decorations and returns the canonical name plus the
// first captured decoration, which is the wear condition for the defaults.
func (n *Namer) Canonical(raw string) (string, string) {
	name := whitespaceRe.ReplaceAllString(strings.TrimSpace(raw), " ")
	var decoration string
	for _, re := range n.patterns {
		m := re.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		if decoration == "" && len(m) > 1 {
			decoration = m[1]
		}
		name = strings.TrimSpace(re.ReplaceAllString(name, ""))
	}
	return name, decoration
}

// Apply fills the canonical fields of a listing from its raw name.
func (n *Namer) Apply(l *Listing) {
	canonical, condition := n.Canonical(l.Name)
	l.CanonicalName = canonical
	if l.Condition == "" {
		l.Condition = condition
	}
	if !l.Special {
		l.Special = IsSpecial(canonical)
	}
}

// IsSpecial reports whether the name denotes a StatTrak or Souvenir variant.
func IsSpecial(name string) bool {
	for _, prefix := range specialPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// MatchKey case-folds a canonical name for cross-source grouping.
func MatchKey(canonical string) string {
	return strings.ToLower(canonical)
}
