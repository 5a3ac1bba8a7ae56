// Package ratelimit implements the dual-bucket (tokens/requests per minute)
// limiter that gates every call into an external embedding or LLM provider.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Tier is a named preset, mirroring the teacher's named-preset style for
// embedder configuration (internal/config.EmbeddingsConfig).
type Tier struct {
	Name string
	TPM  int // tokens per minute
	RPM  int // requests per minute
}

// Named presets per provider tier (§4.6).
var (
	Tier1 = Tier{Name: "tier-1", TPM: 1_000_000, RPM: 500}
	Tier2 = Tier{Name: "tier-2", TPM: 200_000, RPM: 100}
	Free  = Tier{Name: "free", TPM: 40_000, RPM: 20}
)

// Stats tracks cumulative waiting behavior for observability.
type Stats struct {
	WaitCount      int
	TotalWaitTime  time.Duration
	TotalTokens    int64
}

// bucket is a windowed token-bucket: Capacity refills to full every window.
type bucket struct {
	capacity   int
	remaining  int
	windowedAt time.Time
	window     time.Duration
}

func newBucket(capacity int, window time.Duration) *bucket {
	return &bucket{capacity: capacity, remaining: capacity, windowedAt: time.Now(), window: window}
}

func (b *bucket) refill(now time.Time) {
	if now.Sub(b.windowedAt) >= b.window {
		b.remaining = b.capacity
		b.windowedAt = now
	}
}

// Limiter enforces the §4.6 TPM/RPM dual-bucket admission rule. Acquire
// blocks until both buckets can admit the request; the caller must always
// call Release, on both success and error paths.
type Limiter struct {
	mu    sync.Mutex
	tpm   *bucket
	rpm   *bucket
	stats Stats
}

// New builds a Limiter from a Tier preset, refilling both buckets every
// minute (the unit TPM/RPM names imply).
func New(tier Tier) *Limiter {
	return &Limiter{
		tpm: newBucket(tier.TPM, time.Minute),
		rpm: newBucket(tier.RPM, time.Minute),
	}
}

// Acquire blocks until estimatedTokens can be admitted under both the TPM
// and RPM buckets, consuming one request and estimatedTokens tokens. The
// caller must pair every successful Acquire with a Release.
func (l *Limiter) Acquire(ctx context.Context, estimatedTokens int) error {
	for {
		l.mu.Lock()
		now := time.Now()
		l.tpm.refill(now)
		l.rpm.refill(now)

		if l.tpm.remaining >= estimatedTokens && l.rpm.remaining >= 1 {
			l.tpm.remaining -= estimatedTokens
			l.rpm.remaining--
			l.stats.TotalTokens += int64(estimatedTokens)
			l.mu.Unlock()
			return nil
		}

		wait := l.nextRefillWait(now)
		l.stats.WaitCount++
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			l.mu.Lock()
			l.stats.TotalWaitTime += wait
			l.mu.Unlock()
		}
	}
}

// nextRefillWait returns how long until either bucket's window rolls over.
func (l *Limiter) nextRefillWait(now time.Time) time.Duration {
	tpmWait := l.tpm.window - now.Sub(l.tpm.windowedAt)
	rpmWait := l.rpm.window - now.Sub(l.rpm.windowedAt)
	wait := tpmWait
	if rpmWait < wait {
		wait = rpmWait
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// Release is a no-op placeholder for symmetry with Acquire: the windowed
// buckets refill on a timer rather than on explicit release, but callers
// must still call it on every code path (success or error) so a future
// accounting scheme (e.g. actual-vs-estimated token reconciliation) has a
// single place to hook in.
func (l *Limiter) Release() {}

// Stats returns a snapshot of cumulative wait behavior.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}
