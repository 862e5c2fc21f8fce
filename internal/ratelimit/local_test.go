package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLocalBackendConsumesTokens(t *testing.T) {
	b := NewLocalBackend()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := b.CheckRateLimit(ctx, "k", 3, 1, 1)
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if !allowed {
			t.Fatalf("request %d should be within burst", i)
		}
	}

	allowed, _, _ := b.CheckRateLimit(ctx, "k", 3, 1, 1)
	if allowed {
		t.Fatal("burst exhausted, request should be denied")
	}
}

func TestLocalBackendRefills(t *testing.T) {
	b := NewLocalBackend()
	ctx := context.Background()

	// drain the bucket
	b.CheckRateLimit(ctx, "k", 1, 50, 1)
	if allowed, _, _ := b.CheckRateLimit(ctx, "k", 1, 50, 1); allowed {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(50 * time.Millisecond)

	if allowed, _, _ := b.CheckRateLimit(ctx, "k", 1, 50, 1); !allowed {
		t.Fatal("bucket should have refilled")
	}
}

func TestLocalBackendKeysIndependent(t *testing.T) {
	b := NewLocalBackend()
	ctx := context.Background()

	b.CheckRateLimit(ctx, "a", 1, 0.001, 1)
	if allowed, _, _ := b.CheckRateLimit(ctx, "b", 1, 0.001, 1); !allowed {
		t.Fatal("bucket b should be unaffected by bucket a")
	}
}

func TestBucketWaitBlocksUntilToken(t *testing.T) {
	b := NewBucket(NewLocalBackend(), "k", 1, 20)
	ctx := context.Background()

	if err := b.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	start := time.Now()
	if err := b.Wait(ctx); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("second wait should have blocked for a refill")
	}
}

func TestBucketWaitHonorsContext(t *testing.T) {
	b := NewBucket(NewLocalBackend(), "k", 1, 0.001)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	b.Wait(context.Background()) // drain

	if err := b.Wait(ctx); err == nil {
		t.Fatal("wait should fail when the context expires first")
	}
}
