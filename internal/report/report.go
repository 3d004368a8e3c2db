package report

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Error categories counted in a run report.
const (
	ErrTransport   = "transport"
	ErrThrottled   = "throttled"
	ErrRequest     = "request"
	ErrParse       = "parse"
	ErrPersistence = "persistence"
)

// Categories lists every error category in report order.
var Categories = []string{ErrTransport, ErrThrottled, ErrRequest, ErrParse, ErrPersistence}

// SourceReport is the outcome of one source inside a run.
type SourceReport struct {
	Source       string
	State        string
	Reason       string
	Error        string
	Fetches      int
	PagesFetched int
	Items        int
	Listings     int
}

// Report summarises one collection run.
type Report struct {
	Started         time.Time
	Finished        time.Time
	Cancelled       bool
	Sources         []SourceReport
	PagesFetched    int
	ItemsNormalized int
	ItemsPersisted  int
	EntitiesCreated int
	Errors          map[string]int
}

// New returns an empty report with every error category present.
func New(started time.Time) Report {
	errs := make(map[string]int, len(Categories))
	for _, c := range Categories {
		errs[c] = 0
	}
	return Report{Started: started, Errors: errs}
}

// TotalErrors sums every category.
func (r Report) TotalErrors() int {
	total := 0
	for _, n := range r.Errors {
		total += n
	}
	return total
}

// Aborted lists the sources that ended before completing.
func (r Report) Aborted() []string {
	var out []string
	for _, s := range r.Sources {
		if s.State == "aborted" {
			out = append(out, s.Source)
		}
	}
	return out
}

// Render formats the report as plain text for chat delivery.
func Render(r Report) string {
	var b strings.Builder
	b.WriteString("[Skin Market Ingest]\n")
	fmt.Fprintf(&b, "Run: %s -> %s UTC\n", r.Started.UTC().Format(time.RFC3339), r.Finished.UTC().Format(time.RFC3339))
	if r.Cancelled {
		b.WriteString("Status: cancelled\n")
	}
	fmt.Fprintf(&b, "Pages: %d  Items: %d  Persisted: %d  New entities: %d\n",
		r.PagesFetched, r.ItemsNormalized, r.ItemsPersisted, r.EntitiesCreated)

	keys := make([]string, 0, len(r.Errors))
	for k, n := range r.Errors {
		if n > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if len(keys) > 0 {
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s=%d", k, r.Errors[k])
		}
		fmt.Fprintf(&b, "Errors: %s\n", strings.Join(parts, " "))
	}

	for _, s := range r.Sources {
		fmt.Fprintf(&b, "- %s: %s (%s) pages=%d items=%d\n", s.Source, s.State, s.Reason, s.PagesFetched, s.Items)
	}
	return b.String()
}
