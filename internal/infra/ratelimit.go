package infra

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter used for per-provider
// RPM caps on the LLM and embedding clients.
type TokenBucket struct {
	mu sync.Mutex

	rate     float64 // tokens per second
	capacity int
	tokens   float64
	lastTime time.Time
}

// NewTokenBucket creates a token bucket refilling at rate tokens per second
// with the given burst capacity.
func NewTokenBucket(rate float64, capacity int) *TokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &TokenBucket{
		rate:     rate,
		capacity: capacity,
		tokens:   float64(capacity),
		lastTime: time.Now(),
	}
}

// PerMinute creates a token bucket admitting rpm requests per minute.
func PerMinute(rpm int) *TokenBucket {
	if rpm <= 0 {
		rpm = 60
	}
	return NewTokenBucket(float64(rpm)/60.0, rpm)
}

// Allow reports whether one request is admitted now.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Wait blocks until a request is admitted or ctx is done.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		tb.refill()
		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}
		deficit := 1 - tb.tokens
		tb.mu.Unlock()

		delay := time.Duration(deficit / tb.rate * float64(time.Second))
		if delay < time.Millisecond {
			delay = time.Millisecond
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastTime).Seconds()
	tb.lastTime = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > float64(tb.capacity) {
		tb.tokens = float64(tb.capacity)
	}
}

// Semaphore bounds in-flight concurrency (LLM provider concurrency caps).
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore creates a semaphore with n slots.
func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		n = 1
	}
	return &Semaphore{slots: make(chan struct{}, n)}
}

// Acquire takes a slot, blocking until one is free or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot.
func (s *Semaphore) Release() {
	select {
	case <-s.slots:
	default:
	}
}
