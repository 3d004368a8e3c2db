package report

import (
	"context"
	"errors"
	"sync"
)

// Latest keeps the most recent report in memory for the status API.
type Latest struct {
	mu     sync.RWMutex
	report Report
	seen   bool
}

func (l *Latest) Notify(_ context.Context, r Report) error {
	l.mu.Lock()
	l.report, l.seen = r, true
	l.mu.Unlock()
	return nil
}

// Get returns the last report, if any run has finished.
func (l *Latest) Get() (Report, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.report, l.seen
}

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, r Report) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Notifier = (*Latest)(nil)
	_ Notifier = Multi(nil)
)
