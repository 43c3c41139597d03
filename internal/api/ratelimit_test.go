package api

import (
	"testing"
	"time"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	now := time.Unix(1700000000, 0)
	rl.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if !rl.Allow("u1") {
			t.Fatalf("Request %d should be allowed", i+1)
		}
	}
	if rl.Allow("u1") {
		t.Error("Third request within the window should be rejected")
	}
	if !rl.Allow("u2") {
		t.Error("Limits should be tracked per key")
	}

	now = now.Add(61 * time.Second)
	if !rl.Allow("u1") {
		t.Error("Request after the window should be allowed")
	}
}

func TestRateLimiterEvict(t *testing.T) {
	rl := NewRateLimiter(5, time.Minute)
	now := time.Unix(1700000000, 0)
	rl.now = func() time.Time { return now }

	rl.Allow("old")
	now = now.Add(30 * time.Second)
	rl.Allow("recent")
	now = now.Add(45 * time.Second)

	rl.Evict()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.requests["old"]; ok {
		t.Error("Expected expired key to be evicted")
	}
	if _, ok := rl.requests["recent"]; !ok {
		t.Error("Expected recent key to be kept")
	}
}
