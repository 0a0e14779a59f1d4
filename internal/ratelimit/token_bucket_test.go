package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	bucket := NewTokenBucket(client, "media:throttle:", capacity, refill, time.Minute)
	bucket.now = func() time.Time { return clock }
	return bucket, &clock
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)

	allowed, _, err := bucket.Allow(ctx, "analysis")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "analysis")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "analysis")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}
}

func TestTokenBucketRefill(t *testing.T) {
	ctx := context.Background()
	bucket, clock := newBucket(t, 1, 1)

	if allowed, _, _ := bucket.Allow(ctx, "analysis"); !allowed {
		t.Fatalf("expected first token allowed")
	}
	if allowed, _, _ := bucket.Allow(ctx, "analysis"); allowed {
		t.Fatalf("expected empty bucket")
	}
	*clock = clock.Add(1500 * time.Millisecond)
	if allowed, _, _ := bucket.Allow(ctx, "analysis"); !allowed {
		t.Fatalf("expected refilled token")
	}
}

func TestTakeGivesUpAfterMaxWait(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 1, 0.01)

	ok, err := bucket.Take(ctx, "analysis", time.Second)
	if err != nil || !ok {
		t.Fatalf("expected first take ok, got %v %v", ok, err)
	}
	// A token needs 100s to refill, well past the one second budget.
	ok, err = bucket.Take(ctx, "analysis", time.Second)
	if err != nil || ok {
		t.Fatalf("expected take to give up, got %v %v", ok, err)
	}
}
