// Package ratelimit provides the token bucket used to cap inbound signaling
// message rates per connection.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket refills at an integer rate of tokens/sec using the provided
// Clock. Balances are tracked in nanoseconds-worth of tokens so the refill
// math stays in integers; one token is time.Second nano-tokens.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity int64 // nano-tokens
	rate     int64 // tokens/sec == nano-tokens/ns

	available int64 // nano-tokens
	last      time.Time
}

const nanoPerToken = int64(time.Second)

// NewTokenBucket returns a bucket that starts full. Non-positive capacity or
// rate values are clamped to zero, which makes Allow reject every request.
func NewTokenBucket(clock Clock, capacityTokens, tokensPerSecond int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacityTokens < 0 {
		capacityTokens = 0
	}
	if tokensPerSecond < 0 {
		tokensPerSecond = 0
	}
	return &TokenBucket{
		clock:     clock,
		capacity:  capacityTokens * nanoPerToken,
		rate:      tokensPerSecond,
		available: capacityTokens * nanoPerToken,
		last:      clock.Now(),
	}
}

// Allow consumes tokens if available. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	cost := tokens * nanoPerToken
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Clock went backwards; move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now

	if b.rate <= 0 || elapsed <= 0 {
		return
	}

	// Clamp the elapsed window first so elapsed*rate cannot overflow: anything
	// at or past a full refill interval fills the bucket regardless.
	if elapsed >= b.capacity/b.rate {
		b.available = b.capacity
		return
	}
	b.available += elapsed * b.rate
	if b.available > b.capacity {
		b.available = b.capacity
	}
}
