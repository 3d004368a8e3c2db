package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"skinmarket-ingest/internal/clock"
)

// DefaultWindow is the rolling budget window applied when a source sets none.
const DefaultWindow = time.Minute

// Budget describes one source's request allowance.
type Budget struct {
	// RequestsPerWindow caps requests inside one window; zero disables the cap.
	RequestsPerWindow int
	// MinDelay is the minimum spacing between consecutive requests.
	MinDelay time.Duration
	Window   time.Duration
}

// Limiter schedules requests per source. It only delays, never rejects.
type Limiter struct {
	clock  clock.Clock
	logger zerolog.Logger

	mu      sync.Mutex
	sources map[string]*sourceState
	budgets map[string]Budget
}

type sourceState struct {
	budget      Budget
	windowStart time.Time
	count       int
	spacing     *rate.Limiter
}

// New builds a limiter with the given per-source budgets.
func New(budgets map[string]Budget, clk clock.Clock, logger zerolog.Logger) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	copied := make(map[string]Budget, len(budgets))
	for id, b := range budgets {
		copied[id] = b
	}
	return &Limiter{
		clock:   clk,
		logger:  logger.With().Str("component", "rate_limiter").Logger(),
		sources: make(map[string]*sourceState),
		budgets: copied,
	}
}

// Acquire waits until a request to sourceID is permitted. The only error it
// returns is the context's, when ctx ends before the slot opens; a slot booked
// by a cancelled wait is handed back.
func (l *Limiter) Acquire(ctx context.Context, sourceID string) error {
	for {
		slot, wait, granted := l.reserve(sourceID)
		if granted {
			if err := clock.Sleep(ctx, l.clock, wait); err != nil {
				l.release(sourceID, slot)
				return err
			}
			return nil
		}

		l.logger.Debug().Str("source", sourceID).Dur("wait", wait).Msg("request budget exhausted, waiting for window")
		if err := clock.Sleep(ctx, l.clock, wait); err != nil {
			return err
		}
	}
}

// booking is a slot taken by reserve, kept so it can be returned.
type booking struct {
	windowStart time.Time
	spacing     *rate.Reservation
}

// reserve either books a slot and returns the spacing delay, or returns how
// long to wait for the current window to roll over.
func (l *Limiter) reserve(sourceID string) (booking, time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.state(sourceID)
	now := l.clock.Now()

	if st.windowStart.IsZero() || now.Sub(st.windowStart) >= st.budget.Window {
		st.windowStart = now
		st.count = 0
	}

	if st.budget.RequestsPerWindow > 0 && st.count >= st.budget.RequestsPerWindow {
		return booking{}, st.windowStart.Add(st.budget.Window).Sub(now), false
	}

	st.count++
	b := booking{windowStart: st.windowStart}
	if st.spacing == nil {
		return b, 0, true
	}
	b.spacing = st.spacing.ReserveN(now, 1)
	return b, b.spacing.DelayFrom(now), true
}

// release returns a slot whose request was never made. A window that has
// rolled over since the booking is left alone.
func (l *Limiter) release(sourceID string, b booking) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.state(sourceID)
	if b.spacing != nil {
		b.spacing.CancelAt(l.clock.Now())
	}
	if st.windowStart.Equal(b.windowStart) && st.count > 0 {
		st.count--
	}
}

func (l *Limiter) state(sourceID string) *sourceState {
	if st, ok := l.sources[sourceID]; ok {
		return st
	}
	b := l.budgets[sourceID]
	if b.Window <= 0 {
		b.Window = DefaultWindow
	}
	st := &sourceState{budget: b}
	if b.MinDelay > 0 {
		st.spacing = rate.NewLimiter(rate.Every(b.MinDelay), 1)
	}
	l.sources[sourceID] = st
	return st
}

// Used reports how many requests were booked in the source's current window.
func (l *Limiter) Used(sourceID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.sources[sourceID]; ok {
		return st.count
	}
	return 0
}
