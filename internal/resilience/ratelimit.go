package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/marcus-qen/watchtower/internal/clock"
)

// Limiter caps calls to one upstream at maxRequests per trailing window.
// Callers Wait before issuing a call; admission is first-come-first-served.
type Limiter struct {
	max    int
	window time.Duration
	clock  clock.Clock

	mu     sync.Mutex
	stamps []time.Time
}

// NewLimiter creates a limiter admitting maxRequests per window.
func NewLimiter(maxRequests int, window time.Duration, clk clock.Clock) *Limiter {
	if maxRequests <= 0 {
		maxRequests = 1
	}
	if window <= 0 {
		window = time.Second
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Limiter{max: maxRequests, window: window, clock: clk}
}

// Allow admits one call immediately if the window has room.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.prune(now)
	if len(l.stamps) >= l.max {
		return false
	}
	l.stamps = append(l.stamps, now)
	return true
}

// Wait blocks until a slot is free or ctx is done. The wait is the time for
// the oldest in-window stamp to age out, re-checked on wake.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.clock.Now()
		l.prune(now)
		if len(l.stamps) < l.max {
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.stamps[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// InFlightWindow returns the number of admissions in the current window.
func (l *Limiter) InFlightWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.clock.Now())
	return len(l.stamps)
}

func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = l.stamps[i:]
	}
}
