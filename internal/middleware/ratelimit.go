package middleware

import (
	"net/http"
	"sync"
	"time"
)

// RateLimiter is an in-memory sliding-window counter. Keys are arbitrary
// strings; the quicksign endpoints key on client IP. Per-address cooldown
// for magic links lives in the issuing service, not here.
type RateLimiter struct {
	mu      sync.Mutex
	hits    map[string][]time.Time
	window  time.Duration
	maxHits int
}

// NewRateLimiter creates a limiter allowing maxHits per key per window.
func NewRateLimiter(window time.Duration, maxHits int) *RateLimiter {
	rl := &RateLimiter{
		hits:    make(map[string][]time.Time),
		window:  window,
		maxHits: maxHits,
	}
	go rl.evictLoop()
	return rl
}

// Allow records a hit for key and reports whether it stays within budget.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	live := rl.hits[key][:0]
	for _, t := range rl.hits[key] {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	if len(live) >= rl.maxHits {
		rl.hits[key] = live
		return false
	}
	rl.hits[key] = append(live, now)
	return true
}

// evictLoop drops idle keys so the map does not grow without bound.
func (rl *RateLimiter) evictLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		cutoff := time.Now().Add(-rl.window)
		for key, hits := range rl.hits {
			idle := true
			for _, t := range hits {
				if t.After(cutoff) {
					idle = false
					break
				}
			}
			if idle {
				delete(rl.hits, key)
			}
		}
		rl.mu.Unlock()
	}
}

// IPKey builds the limiter key for the request's client address.
func IPKey(r *http.Request) string {
	return "ip:" + ClientIP(r)
}
