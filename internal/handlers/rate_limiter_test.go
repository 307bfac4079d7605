package handlers

import (
	"testing"
	"time"
)

func TestKeyedRateLimiter(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	limiter := newKeyedRateLimiter(2, time.Minute, func() time.Time { return now })

	if !limiter.Allow("donor:a") || !limiter.Allow("donor:a") {
		t.Fatalf("expected burst of two to pass")
	}
	if limiter.Allow("donor:a") {
		t.Fatalf("expected third call to be throttled")
	}
	if !limiter.Allow("donor:b") {
		t.Fatalf("buckets must be per key")
	}

	now = now.Add(time.Minute)
	if !limiter.Allow("donor:a") {
		t.Fatalf("expected tokens to refill")
	}
}

func TestKeyedRateLimiterDisabled(t *testing.T) {
	if newKeyedRateLimiter(0, time.Minute, nil) != nil {
		t.Fatalf("expected nil limiter for zero burst")
	}
}
