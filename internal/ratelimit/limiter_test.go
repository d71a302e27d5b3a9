package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, burst int, refill float64, opts ...Option) *Limiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, burst, refill, time.Minute, opts...)
}

func TestLimiterBurstThenReject(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(t, 2, 1)

	for i := 0; i < 2; i++ {
		allowed, _, err := limiter.Allow(ctx, "10.0.0.1")
		if err != nil {
			t.Fatalf("Allow %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("request %d within burst was rejected", i)
		}
	}
	allowed, remaining, err := limiter.Allow(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if allowed {
		t.Fatal("request beyond burst was allowed")
	}
	if remaining >= 1 {
		t.Errorf("remaining = %f, want < 1", remaining)
	}
}

func TestLimiterRefillsOverTime(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	limiter := newTestLimiter(t, 1, 1, WithClock(func() time.Time { return now }))

	if allowed, _, _ := limiter.Allow(ctx, "client"); !allowed {
		t.Fatal("first request should pass")
	}
	if allowed, _, _ := limiter.Allow(ctx, "client"); allowed {
		t.Fatal("bucket should be empty")
	}

	now = now.Add(2 * time.Second)
	allowed, _, err := limiter.Allow(ctx, "client")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !allowed {
		t.Fatal("bucket should have refilled after 2s")
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(t, 1, 0.1)

	if allowed, _, _ := limiter.Allow(ctx, "a"); !allowed {
		t.Fatal("first caller should pass")
	}
	if allowed, _, _ := limiter.Allow(ctx, "a"); allowed {
		t.Fatal("first caller should now be limited")
	}
	if allowed, _, _ := limiter.Allow(ctx, "b"); !allowed {
		t.Fatal("second caller should have its own bucket")
	}
}
