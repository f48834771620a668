package handlers

import (
	"testing"
	"time"
)

func TestKeyedRateLimiterRefillsOverWindow(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter := newKeyedRateLimiter(2, time.Minute, func() time.Time { return now })

	if !limiter.Allow("acct") || !limiter.Allow("acct") {
		t.Fatalf("expected burst of two to be allowed")
	}
	if limiter.Allow("acct") {
		t.Fatalf("expected third call to be limited")
	}
	if !limiter.Allow("other") {
		t.Fatalf("expected independent bucket per key")
	}

	now = now.Add(30 * time.Second)
	if !limiter.Allow("acct") {
		t.Fatalf("expected one token after half the window")
	}
	if limiter.Allow("acct") {
		t.Fatalf("expected bucket to be empty again")
	}
}

func TestKeyedRateLimiterPrunesIdleKeys(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter := newKeyedRateLimiter(1, time.Minute, func() time.Time { return now }).(*keyedRateLimiter)

	limiter.Allow("a")
	limiter.Allow("b")
	now = now.Add(2 * time.Minute)
	limiter.Allow("c")

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if len(limiter.store) != 1 {
		t.Fatalf("expected idle keys to be pruned, got %d entries", len(limiter.store))
	}
}

func TestNewKeyedRateLimiterDisabled(t *testing.T) {
	if newKeyedRateLimiter(0, time.Minute, nil) != nil {
		t.Fatalf("expected zero burst to disable limiting")
	}
	if newKeyedRateLimiter(5, 0, nil) != nil {
		t.Fatalf("expected zero window to disable limiting")
	}
}
