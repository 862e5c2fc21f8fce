package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// LocalBackend implements Backend with in-memory token buckets. It serves
// per-VM buckets directly and doubles as the fallback target when the
// distributed backend degrades.
type LocalBackend struct {
	mu      sync.Mutex
	buckets map[string]*localBucket
}

type localBucket struct {
	tokens     float64
	lastRefill time.Time
}

func NewLocalBackend() *LocalBackend {
	return &LocalBackend{buckets: make(map[string]*localBucket)}
}

func (b *LocalBackend) CheckRateLimit(_ context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	bk, ok := b.buckets[key]
	if !ok {
		bk = &localBucket{tokens: float64(maxTokens), lastRefill: now}
		b.buckets[key] = bk
	}

	elapsed := now.Sub(bk.lastRefill).Seconds()
	bk.tokens = math.Min(float64(maxTokens), bk.tokens+elapsed*refillRate)
	bk.lastRefill = now

	if bk.tokens >= float64(requested) {
		bk.tokens -= float64(requested)
		return true, int(bk.tokens), nil
	}
	return false, int(bk.tokens), nil
}

// Bucket binds a backend to one key and configuration, exposing a blocking
// Wait used by script host ops.
type Bucket struct {
	backend    Backend
	key        string
	maxTokens  int
	refillRate float64
}

func NewBucket(backend Backend, key string, maxTokens int, refillRate float64) *Bucket {
	return &Bucket{
		backend:    backend,
		key:        key,
		maxTokens:  maxTokens,
		refillRate: refillRate,
	}
}

// Allow consumes one token if available.
func (b *Bucket) Allow(ctx context.Context) bool {
	allowed, _, err := b.backend.CheckRateLimit(ctx, b.key, b.maxTokens, b.refillRate, 1)
	if err != nil {
		// availability beats strictness for per-VM buckets
		return true
	}
	return allowed
}

// Wait blocks until one token can be consumed or the context ends. The
// retry interval is derived from the refill rate so waiters wake close to
// when a token becomes available.
func (b *Bucket) Wait(ctx context.Context) error {
	interval := time.Duration(float64(time.Second) / b.refillRate)
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > time.Second {
		interval = time.Second
	}

	for {
		if b.Allow(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
