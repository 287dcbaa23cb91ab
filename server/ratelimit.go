package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// helloRateLimit is the per-source token bucket the server places in front
// of cookie minting: a burst of spoofed 0x30 hellos from one address cannot
// exhaust CPU computing DH keypairs before the stateless-cookie defense even
// has a chance to work (SPEC_FULL.md DOMAIN STACK, golang.org/x/time/rate).
const (
	helloRatePerSecond = 20
	helloRateBurst     = 40
	limiterIdleTTL     = 5 * time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// sourceLimiter hands out a rate.Limiter per source address, built fresh on
// first sight and swept once idle long enough that a legitimate, bursty
// client wouldn't still be using it (manage tick, spec.md §5).
type sourceLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
}

func newSourceLimiter() *sourceLimiter {
	return &sourceLimiter{limiters: make(map[string]*limiterEntry)}
}

// Allow reports whether a hello from addr may proceed to cookie minting.
func (s *sourceLimiter) Allow(addr string, now time.Time) bool {
	s.mu.Lock()
	e, ok := s.limiters[addr]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(helloRatePerSecond), helloRateBurst)}
		s.limiters[addr] = e
	}
	e.lastSeen = now
	s.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// Sweep drops limiters that have seen no traffic for limiterIdleTTL, so the
// map doesn't grow unbounded under a wide scan (manage tick).
func (s *sourceLimiter) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for addr, e := range s.limiters {
		if now.Sub(e.lastSeen) > limiterIdleTTL {
			delete(s.limiters, addr)
		}
	}
}
