// Package ratelimit implements a small token-bucket limiter used to
// keep the integrity checker's I/O from starving the protection
// engine's live encode traffic (spec.md §4.6: "I/O on this path uses a
// rate limit separate from the encoder's").
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is a token bucket: capacity tokens, refilled at rate tokens/interval.
type Limiter struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	last     time.Time
	now      func() time.Time
}

// New returns a Limiter allowing up to ratePerSecond operations per
// second on average, bursting up to capacity.
func New(ratePerSecond float64, capacity int) *Limiter {
	now := time.Now
	return &Limiter{
		tokens:   float64(capacity),
		capacity: float64(capacity),
		rate:     ratePerSecond,
		last:     now(),
		now:      now,
	}
}

func (l *Limiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.last).Seconds()
	l.last = now
	l.tokens += elapsed * l.rate
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		l.refill()
		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}
		deficit := 1 - l.tokens
		wait := time.Duration(deficit / l.rate * float64(time.Second))
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
