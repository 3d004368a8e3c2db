package reconcile

import (
	"skinmarket-ingest/internal/market"
)

// Group summarises the observations of one logical item within a run.
type Group struct {
	Key          string
	Canonical    string
	Observations int
	Sources      []string
	Best         market.Listing
}

// Reconcile groups listings by match key and marks one best observation per
// group: highest confidence, then lowest price, then source id, then earliest
// observation, then input order. Every input is returned, in input order,
// with the group's pick recorded on each member.
func Reconcile(in []market.Listing) []market.Listing {
	out := make([]market.Listing, len(in))
	copy(out, in)

	best := make(map[string]int, len(out))
	order := make([]string, 0)
	for i := range out {
		out[i].Best = false
		key := out[i].Key()
		cur, ok := best[key]
		if !ok {
			best[key] = i
			order = append(order, key)
			continue
		}
		if better(out[i], out[cur]) {
			best[key] = i
		}
	}

	for _, key := range order {
		out[best[key]].Best = true
	}
	for i := range out {
		pick := out[best[out[i].Key()]]
		out[i].BestSource = pick.Source
		out[i].BestPrice = pick.PriceMinor
	}
	return out
}

// better reports whether a outranks b. Ties fall to the earlier input, which
// is the incumbent.
func better(a, b market.Listing) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.PriceMinor != b.PriceMinor {
		return a.PriceMinor < b.PriceMinor
	}
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	return a.ObservedAt.Before(b.ObservedAt)
}

// Summarise returns one group per item in first-seen order. The input is
// expected to be Reconcile output.
func Summarise(reconciled []market.Listing) []Group {
	index := make(map[string]int)
	var groups []Group
	for _, l := range reconciled {
		key := l.Key()
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, Group{Key: key, Canonical: l.CanonicalName})
		}
		g := &groups[i]
		g.Observations++
		if !contains(g.Sources, l.Source) {
			g.Sources = append(g.Sources, l.Source)
		}
		if l.Best {
			g.Best = l
		}
	}
	return groups
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
