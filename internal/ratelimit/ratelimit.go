// Package ratelimit provides per-target token bucket limiting.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter keeps one token bucket per target. Targets without an explicit
// setting get the default limit, which may be unlimited.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// New creates a Limiter whose targets default to rps requests per second.
// A zero rps means no limit unless Set is called for a target.
func New(rps float64, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    normalizeBurst(rps, burst),
	}
}

// Set configures rate limiting for a target.
// A zero rps means no rate limit for that target.
func (l *Limiter) Set(target string, rps float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rps <= 0 {
		l.limiters[target] = nil
		return
	}
	l.limiters[target] = rate.NewLimiter(rate.Limit(rps), normalizeBurst(rps, burst))
}

// Wait blocks until a request for the given target may proceed or ctx is
// done.
func (l *Limiter) Wait(ctx context.Context, target string) error {
	lim := l.get(target)
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

func (l *Limiter) get(target string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[target]
	if ok {
		return lim
	}
	if l.rps > 0 {
		lim = rate.NewLimiter(rate.Limit(l.rps), l.burst)
	}
	l.limiters[target] = lim
	return lim
}

func normalizeBurst(rps float64, burst int) int {
	if burst > 0 {
		return burst
	}
	return max(int(rps), 1)
}
