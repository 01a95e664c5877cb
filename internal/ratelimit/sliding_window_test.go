package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestSlidingWindow(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewSlidingWindow(client, 3, time.Minute)

	allowed, _, err := limiter.Allow(ctx, "tenant", 2)
	if err != nil || !allowed {
		t.Fatalf("expected first slice allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = limiter.Allow(ctx, "tenant", 1)
	if !allowed {
		t.Fatalf("expected window to fit third send")
	}
	allowed, retry, _ := limiter.Allow(ctx, "tenant", 1)
	if allowed {
		t.Fatalf("expected fourth send to be rejected")
	}
	if retry <= 0 || retry > time.Minute {
		t.Fatalf("retry-after out of range: %s", retry)
	}

	// Another tenant has its own window.
	allowed, _, _ = limiter.Allow(ctx, "other", 3)
	if !allowed {
		t.Fatalf("expected independent window per tenant")
	}
}

func TestSlidingWindowOversizedRequest(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewSlidingWindow(client, 2, time.Minute)

	allowed, _, err := limiter.Allow(ctx, "tenant", 5)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed {
		t.Fatalf("request larger than the window limit must be rejected")
	}

	allowed, _, _ = limiter.Allow(ctx, "tenant", 0)
	if !allowed {
		t.Fatalf("zero-count request should be a no-op admit")
	}
}
