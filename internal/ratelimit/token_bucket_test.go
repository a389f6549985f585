package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	bucket.SetClock(func() time.Time { return now })

	allowed, _, err := bucket.Allow(ctx, "tenant")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "tenant")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "tenant")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}

	allowed, _, _ = bucket.Allow(ctx, "other-tenant")
	if !allowed {
		t.Fatalf("expected a separate bucket per key")
	}

	// the script takes time from the caller, so the clock drives refill
	now = now.Add(1500 * time.Millisecond)
	allowed, _, _ = bucket.Allow(ctx, "tenant")
	if !allowed {
		t.Fatalf("expected refill after 1.5s")
	}

	if !mr.Exists(IntakeBucketKey("tenant")) || !mr.Exists("ratelimit:other-tenant:intake") {
		t.Fatalf("expected one bucket per client, got keys %v", mr.Keys())
	}
}

func TestTokenBucket_ReportsFractionalTokens(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 1, 0.5, time.Minute)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	bucket.SetClock(func() time.Time { return now })

	if ok, left, err := bucket.Allow(ctx, "c1"); err != nil || !ok || left != 0 {
		t.Fatalf("expected first token, got ok=%v left=%v err=%v", ok, left, err)
	}
	now = now.Add(time.Second)
	ok, left, err := bucket.Allow(ctx, "c1")
	if err != nil || ok {
		t.Fatalf("expected rejection at half a token, got ok=%v err=%v", ok, err)
	}
	if left != 0.5 {
		t.Fatalf("expected 0.5 tokens left, got %v", left)
	}
	if ttl := mr.TTL(IntakeBucketKey("c1")); ttl != time.Minute {
		t.Fatalf("expected idle expiry of 1m, got %v", ttl)
	}

	if _, _, err := bucket.Allow(ctx, ""); err == nil {
		t.Fatalf("expected an error for an empty client id")
	}
}

func TestLocalBucket(t *testing.T) {
	ctx := context.Background()
	b := NewLocalBucket(1, 2)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	b.SetClock(func() time.Time { return now })

	if ok, _, _ := b.Allow(ctx, "c1"); !ok {
		t.Fatalf("expected first request allowed")
	}
	if ok, _, _ := b.Allow(ctx, "c1"); ok {
		t.Fatalf("expected second request rejected")
	}
	now = now.Add(500 * time.Millisecond)
	if ok, _, _ := b.Allow(ctx, "c1"); !ok {
		t.Fatalf("expected refill after 500ms at 2/s")
	}
}
