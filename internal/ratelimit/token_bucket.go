package ratelimit

import (
	"sync"
	"time"
)

const nanoTokensPerToken int64 = int64(time.Second) // 1e9

const maxInt64 = int64(^uint64(0) >> 1)

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// TokenBucket is a deterministic token bucket that refills at an integer
// rate (tokens/sec) using a provided Clock.
//
// One token is represented as 1e9 nano-tokens, so a rate of X tokens/sec adds
// X nano-tokens per nanosecond elapsed.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // nano-tokens
	rate     int64 // tokens/sec == nano-tokens/ns

	available int64
	last      time.Time
}

// NewTokenBucket returns a full bucket holding burst tokens and refilling at
// perSecond tokens/sec. A nil clock uses wall time.
func NewTokenBucket(clock Clock, burst, perSecond int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if burst < 0 {
		burst = 0
	}
	if perSecond < 0 {
		perSecond = 0
	}
	capacity := toNano(burst)
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		rate:      perSecond,
		available: capacity,
		last:      clock.Now(),
	}
}

// NewPerSecond is the usual shape for per-connection frame limits: a burst of
// one second's worth of frames.
func NewPerSecond(clock Clock, perSecond int) *TokenBucket {
	return NewTokenBucket(clock, int64(perSecond), int64(perSecond))
}

// Allow consumes n tokens if available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := toNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

// Available reports whole tokens currently in the bucket.
func (b *TokenBucket) Available() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.available / nanoTokensPerToken
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards. Don't refill; just move the reference point.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.rate <= 0 || b.available >= b.capacity {
		if b.available > b.capacity {
			b.available = b.capacity
		}
		return
	}

	// Clamp before multiplying so elapsed*rate can't overflow.
	need := b.capacity - b.available
	if elapsed >= need/b.rate {
		b.available = b.capacity
		return
	}
	b.available += elapsed * b.rate
	if b.available > b.capacity {
		b.available = b.capacity
	}
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoTokensPerToken {
		return maxInt64
	}
	return tokens * nanoTokensPerToken
}
