// Package ratelimit implements the token-bucket limiters that keep the
// two venue REST clients inside their published request budgets. Both
// venues this module trades on meter requests as a sustained rate with
// a burst allowance on top (MEXC spot: 20 req/s on most endpoints,
// tighter on order placement; Gate.io futures: comparable), which is
// exactly the token-bucket shape: the bucket refills at a constant
// rate, holds at most burst tokens, and a parallel entry pair can
// therefore fire both legs at once without tripping a 429.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is one token bucket. Each request consumes one token;
// tokens refill continuously at rate per second up to burst. A drained
// bucket makes callers wait (Wait) or back off (Allow) until the
// refill catches up.
type RateLimiter struct {
	rate       float64 // tokens added per second
	burst      float64 // bucket capacity
	tokens     float64
	lastRefill time.Time
	mu         sync.Mutex
}

// NewRateLimiter builds a bucket that sustains rate requests per second
// and absorbs bursts up to burst. A non-positive rate falls back to
// 10 req/s; a non-positive burst defaults to twice the rate, and burst
// is never allowed below rate (a bucket smaller than one second of
// refill just stutters).
func NewRateLimiter(rate, burst float64) *RateLimiter {
	if rate <= 0 {
		rate = 10
	}
	if burst <= 0 {
		burst = rate * 2
	}
	if burst < rate {
		burst = rate
	}

	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     burst, // start full so the first actions after boot are not throttled
		lastRefill: time.Now(),
	}
}

// refill credits tokens for the time elapsed since the last refill.
// Callers must hold mu.
func (rl *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()

	rl.tokens += elapsed * rl.rate
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
	rl.lastRefill = now
}

// Wait blocks until a token is available or ctx is cancelled. This is
// the call sitting in front of every venue REST request: an order that
// cannot be sent inside its deadline surfaces ctx.Err() rather than
// being fired late into a moved market.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		rl.refill()

		if rl.tokens >= 1 {
			rl.tokens--
			rl.mu.Unlock()
			return nil
		}

		// Sleep exactly until the refill produces the next token, then
		// re-check (another goroutine may have taken it meanwhile).
		waitTime := time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
		rl.mu.Unlock()

		select {
		case <-time.After(waitTime):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Allow reports whether a token is available right now, consuming it if
// so. Non-blocking; used where deferring the request is better than
// queueing it.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()

	if rl.tokens >= 1 {
		rl.tokens--
		return true
	}
	return false
}

// AllowN consumes n tokens atomically, or none at all.
func (rl *RateLimiter) AllowN(n int) bool {
	if n <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()

	if rl.tokens >= float64(n) {
		rl.tokens -= float64(n)
		return true
	}
	return false
}

// Reserve commits a token now and tells the caller how long to hold
// the request before sending. Unlike Wait, the waiting stays in the
// caller's hands, so it can be combined with other delays (a signed
// request's timestamp window, for instance).
func (rl *RateLimiter) Reserve() *Reservation {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()

	res := &Reservation{
		limiter: rl,
		tokens:  1,
		ok:      true,
	}

	if rl.tokens >= 1 {
		rl.tokens--
		res.delay = 0
	} else {
		// Borrow against the refill; tokens goes negative and the
		// delay covers the deficit.
		res.delay = time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
		rl.tokens--
	}

	return res
}

// Tokens returns the currently available token count, after refill.
func (rl *RateLimiter) Tokens() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refill()
	return rl.tokens
}

// Rate returns the sustained refill rate in tokens per second.
func (rl *RateLimiter) Rate() float64 {
	return rl.rate
}

// Burst returns the bucket capacity.
func (rl *RateLimiter) Burst() float64 {
	return rl.burst
}

// Reservation is one token committed by Reserve.
type Reservation struct {
	limiter *RateLimiter
	tokens  float64
	ok      bool
	delay   time.Duration
}

// OK reports whether the reservation holds a token.
func (r *Reservation) OK() bool {
	return r.ok
}

// Delay is how long the caller must wait before acting on the
// reservation.
func (r *Reservation) Delay() time.Duration {
	return r.delay
}

// Cancel refunds the token, e.g. when the request it was reserved for
// is abandoned before sending.
func (r *Reservation) Cancel() {
	if !r.ok || r.limiter == nil {
		return
	}

	r.limiter.mu.Lock()
	defer r.limiter.mu.Unlock()

	r.limiter.tokens += r.tokens
	if r.limiter.tokens > r.limiter.burst {
		r.limiter.tokens = r.limiter.burst
	}
	r.ok = false
}

// MultiLimiter holds one bucket per endpoint category, because a venue
// does not meter all endpoints alike: both venue clients register a
// tight "order" bucket for placement/cancel and a looser "default"
// bucket for everything else, so a burst of market-data reads can
// never starve an exit order of its token.
type MultiLimiter struct {
	limiters map[string]*RateLimiter
	mu       sync.RWMutex
}

// NewMultiLimiter builds an empty category map.
func NewMultiLimiter() *MultiLimiter {
	return &MultiLimiter{
		limiters: make(map[string]*RateLimiter),
	}
}

// Add registers (or replaces) the bucket for one category.
func (ml *MultiLimiter) Add(category string, rate, burst float64) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	ml.limiters[category] = NewRateLimiter(rate, burst)
}

// Wait blocks for a token in category's bucket. A category nobody
// registered is unmetered.
func (ml *MultiLimiter) Wait(ctx context.Context, category string) error {
	ml.mu.RLock()
	limiter, ok := ml.limiters[category]
	ml.mu.RUnlock()

	if !ok {
		return nil
	}
	return limiter.Wait(ctx)
}

// Allow is the non-blocking check for one category.
func (ml *MultiLimiter) Allow(category string) bool {
	ml.mu.RLock()
	limiter, ok := ml.limiters[category]
	ml.mu.RUnlock()

	if !ok {
		return true
	}
	return limiter.Allow()
}
