package broker

import (
	"sync"
	"time"
)

// RateLimiter is a token-bucket limiter, ported from the teacher's
// adapters.RateLimiter (internal/execution/adapters/binance.go) with one
// change: Acquire takes a deadline instead of sleeping unbounded, so a
// starved adapter call still respects spec §4.1's per-adapter deadline
// rather than blocking the orchestrator indefinitely.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
}

// NewRateLimiter creates a limiter that refills one token every refillRate.
func NewRateLimiter(maxTokens int, refillRate time.Duration) *RateLimiter {
	return &RateLimiter{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Acquire blocks until a token is available or deadline elapses, returning
// false on timeout.
func (rl *RateLimiter) Acquire(deadline time.Duration) bool {
	timeout := time.After(deadline)
	for {
		rl.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(rl.lastRefill)
		if refills := int(elapsed / rl.refillRate); refills > 0 {
			rl.tokens = min(rl.maxTokens, rl.tokens+refills)
			rl.lastRefill = now
		}
		if rl.tokens > 0 {
			rl.tokens--
			rl.mu.Unlock()
			return true
		}
		rl.mu.Unlock()

		select {
		case <-timeout:
			return false
		case <-time.After(rl.refillRate):
		}
	}
}
