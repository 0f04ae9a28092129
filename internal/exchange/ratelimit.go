// ratelimit.go implements token-bucket rate limiting for the Polymarket CLOB
// API.
//
// Polymarket publishes per-category limits measured in requests per 10-second
// window. The buckets refill continuously rather than in 10s steps so a burst
// of coalesced intents never slams into a hard limit:
//
//   - Order:  350 burst / 50 per sec (3500 per 10s window)
//   - Cancel: 300 burst / 30 per sec (3000 per 10s window)
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a rate limiter with continuous refill. Callers block in
// Wait until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	lastTime time.Time
}

// NewTokenBucket creates a bucket with the given burst capacity and refill
// rate, starting full.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RateLimiter groups buckets by CLOB endpoint category. Each request calls
// the matching bucket's Wait before going out.
type RateLimiter struct {
	Order  *TokenBucket // POST /order
	Cancel *TokenBucket // DELETE /cancel-all
}

// NewRateLimiter creates buckets tuned to Polymarket's published limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  NewTokenBucket(350, 50),
		Cancel: NewTokenBucket(300, 30),
	}
}
