package redis

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRateLimiterAllowsWithinLimit(t *testing.T) {
	client, _ := newTestClient(t)
	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  5,
		Window: time.Minute,
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := limiter.Allow(ctx, "tenant:acme")
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if want := 5 - i - 1; result.Remaining != want {
			t.Errorf("request %d: remaining = %d, want %d", i, result.Remaining, want)
		}
	}

	result, err := limiter.Allow(ctx, "tenant:acme")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if result.Allowed {
		t.Error("sixth request should be rejected")
	}
	if result.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", result.Remaining)
	}
	if result.ResetAt.Before(time.Now()) {
		t.Error("ResetAt should be in the future")
	}
}

func TestRateLimiterAllowN(t *testing.T) {
	client, _ := newTestClient(t)
	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  10,
		Window: time.Minute,
	})
	ctx := context.Background()

	result, err := limiter.AllowN(ctx, "tenant:acme", 8)
	if err != nil {
		t.Fatalf("AllowN() error = %v", err)
	}
	if !result.Allowed || result.Remaining != 2 {
		t.Errorf("result = %+v, want allowed with 2 remaining", result)
	}

	result, err = limiter.AllowN(ctx, "tenant:acme", 3)
	if err != nil {
		t.Fatalf("AllowN() error = %v", err)
	}
	if result.Allowed {
		t.Error("batch of 3 should not fit in remaining 2")
	}
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	client, _ := newTestClient(t)
	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  1,
		Window: time.Minute,
	})
	ctx := context.Background()

	if result, _ := limiter.Allow(ctx, "tenant:acme"); !result.Allowed {
		t.Fatal("first tenant request should be allowed")
	}
	if result, _ := limiter.Allow(ctx, "tenant:acme"); result.Allowed {
		t.Error("tenant acme should be exhausted")
	}
	if result, _ := limiter.Allow(ctx, "tenant:globex"); !result.Allowed {
		t.Error("tenant globex has its own window")
	}
}

func TestRateLimiterWindowSlides(t *testing.T) {
	client, mr := newTestClient(t)
	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  1,
		Window: time.Minute,
	})
	ctx := context.Background()

	if result, _ := limiter.Allow(ctx, "tenant:acme"); !result.Allowed {
		t.Fatal("first request should be allowed")
	}
	if result, _ := limiter.Allow(ctx, "tenant:acme"); result.Allowed {
		t.Fatal("second request should be rejected")
	}

	// miniredis TTLs only advance with FastForward. The sorted-set member
	// scores use real clock time, so the window entry is pruned once the
	// key itself expires.
	mr.FastForward(2 * time.Minute)

	result, err := limiter.Allow(ctx, "tenant:acme")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if !result.Allowed {
		t.Error("request after window expiry should be allowed")
	}
}
