// ratelimit.go implements token-bucket rate limiting for the Bithumb API.
//
// Bithumb enforces request limits per rolling window (the private API
// allows on the order of 20 requests per 60 seconds). A single shared
// bucket gates every outgoing call, public and private, refilling
// continuously rather than in window-sized bursts so the bot never trips
// the hard limit even when cycles cluster requests.
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// NewWindowBucket creates a bucket sized for `requests` per `window`,
// matching how the exchange documents its limits. The burst capacity is
// the full window allowance; refill is spread evenly across the window.
func NewWindowBucket(requests float64, window time.Duration) *TokenBucket {
	if requests <= 0 {
		requests = 20
	}
	if window <= 0 {
		window = time.Minute
	}
	return NewTokenBucket(requests, requests/window.Seconds())
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

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}
