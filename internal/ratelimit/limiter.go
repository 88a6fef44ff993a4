// Package ratelimit bounds weighted request rates against exchange-imposed
// budgets over a rolling window.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

const (
	window = 60 * time.Second
	// margin keeps a retry from landing just inside the window of the entry
	// it is waiting out.
	margin = time.Second
)

type entry struct {
	at     time.Time
	weight int
}

// Limiter admits weighted requests so that the total weight inside any
// trailing 60-second window never exceeds the budget. It keeps an ordered log
// of (timestamp, weight) entries rather than a token bucket: exchange weight
// budgets are per-endpoint and must be accounted exactly, not averaged.
type Limiter struct {
	name   string
	budget int
	clock  clock.Clock

	mu      sync.Mutex
	entries []entry
}

// New creates a limiter with the given per-minute weight budget.
func New(name string, budget int) *Limiter {
	return NewWithClock(name, budget, clock.New())
}

// NewWithClock creates a limiter on an injected clock. Tests use a mock clock
// to exercise window expiry without real waiting.
func NewWithClock(name string, budget int, clk clock.Clock) *Limiter {
	return &Limiter{
		name:   name,
		budget: budget,
		clock:  clk,
	}
}

// Acquire blocks until admitting weight would not exceed the budget over the
// trailing window, then records the grant and returns. Check-and-record is a
// single critical section so concurrent callers can never both pass on the
// same remaining headroom. Waiting happens outside the lock.
func (l *Limiter) Acquire(ctx context.Context, weight int) error {
	for {
		wait, admitted := l.tryAcquire(weight)
		if admitted {
			return nil
		}

		logrus.WithFields(logrus.Fields{
			"limiter": l.name,
			"weight":  weight,
			"wait":    wait.String(),
		}).Debug("Rate limit reached, waiting")

		timer := l.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire prunes expired entries and either records the grant or returns
// how long to wait before the oldest entry leaves the window.
func (l *Limiter) tryAcquire(weight int) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()

	kept := l.entries[:0]
	for _, e := range l.entries {
		if now.Sub(e.at) < window {
			kept = append(kept, e)
		}
	}
	l.entries = kept

	used := 0
	for _, e := range l.entries {
		used += e.weight
	}

	if used+weight <= l.budget {
		l.entries = append(l.entries, entry{at: now, weight: weight})
		return 0, true
	}

	if len(l.entries) == 0 {
		// A single request heavier than the whole budget; waiting cannot
		// help, admit it alone.
		l.entries = append(l.entries, entry{at: now, weight: weight})
		return 0, true
	}

	wait := window - now.Sub(l.entries[0].at) + margin
	if wait < margin {
		wait = margin
	}
	return wait, false
}

// Used reports the weight currently counted inside the trailing window.
func (l *Limiter) Used() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	used := 0
	for _, e := range l.entries {
		if now.Sub(e.at) < window {
			used += e.weight
		}
	}
	return used
}
