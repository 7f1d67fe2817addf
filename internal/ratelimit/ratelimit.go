// Package ratelimit implements the dual-bucket token-bucket rate limiting
// that guards each exchange's read and write REST budgets, plus the
// per-client mutex that serializes the body of a signed request so the
// limiter never merely queues tokens while a previous request is still in
// flight on a non-reentrant client.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Bucket is a floating-point token bucket with continuous, lazily
// computed refill. Capacity and refill rate (tokens/second) are set at
// construction; a call of cost c blocks in Wait until c tokens are
// available, then deducts them.
type Bucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	lastTime time.Time
}

// NewBucket creates a bucket that starts full.
func NewBucket(capacity, ratePerSecond float64) *Bucket {
	return &Bucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until cost tokens are available or ctx is cancelled. cost
// defaults to 1.0 when zero is passed by a caller that doesn't care.
func (b *Bucket) Wait(ctx context.Context, cost float64) error {
	if cost <= 0 {
		cost = 1.0
	}
	for {
		b.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(b.lastTime).Seconds()
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastTime = now

		if b.tokens >= cost {
			b.tokens -= cost
			b.mu.Unlock()
			return nil
		}

		wait := time.Duration((cost - b.tokens) / b.rate * float64(time.Second))
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// Limiter pairs a read and a write bucket for one venue and the mutex that
// serializes the body of each signed call on that venue's client.
type Limiter struct {
	Read  *Bucket
	Write *Bucket

	callMu sync.Mutex
}

// New creates a limiter for one venue with independent read/write buckets.
// Burst capacity equals the configured rate (refill rate is capacity per
// second), so a single rate value suffices for each bucket.
func New(readRate, writeRate float64) *Limiter {
	return &Limiter{
		Read:  NewBucket(readRate, readRate),
		Write: NewBucket(writeRate, writeRate),
	}
}

// AcquireRead blocks until a read token of the given cost is available.
func (l *Limiter) AcquireRead(ctx context.Context, cost float64) error {
	return l.Read.Wait(ctx, cost)
}

// AcquireWrite blocks until a write token of the given cost is available.
func (l *Limiter) AcquireWrite(ctx context.Context, cost float64) error {
	return l.Write.Wait(ctx, cost)
}

// WithCall acquires the per-client call mutex, runs fn, then releases it.
// Every REST wrapper method should acquire its rate token first and then
// call WithCall to run the actual signed HTTP request, so concurrent
// callers never interleave requests on the same client.
func (l *Limiter) WithCall(fn func() error) error {
	l.callMu.Lock()
	defer l.callMu.Unlock()
	return fn()
}
