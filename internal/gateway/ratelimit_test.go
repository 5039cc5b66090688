package gateway

import (
	"testing"
	"time"
)

func TestRateLimitSlidingWindow(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	l := newRateLimiter(3)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !l.allow("u") {
			t.Fatalf("request %d denied under the limit", i)
		}
	}
	if l.allow("u") {
		t.Fatal("request over the limit allowed")
	}

	// 61 seconds later the window has slid past all three.
	now = now.Add(61 * time.Second)
	if !l.allow("u") {
		t.Error("request denied after the window slid")
	}
}

func TestRateLimitPartialSlide(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	l := newRateLimiter(2)
	l.now = func() time.Time { return now }

	l.allow("u")
	now = now.Add(40 * time.Second)
	l.allow("u")

	// First request is 40s old, second is fresh: still at the limit.
	if l.allow("u") {
		t.Fatal("allowed at the limit")
	}

	// 21s later only the second request remains in the window.
	now = now.Add(21 * time.Second)
	if !l.allow("u") {
		t.Error("denied after the oldest request aged out")
	}
}

func TestRateLimitPerClientIsolation(t *testing.T) {
	l := newRateLimiter(1)
	if !l.allow("a") {
		t.Fatal("first request for a denied")
	}
	if !l.allow("b") {
		t.Error("b throttled by a's traffic")
	}
	if l.allow("a") {
		t.Error("a allowed over its limit")
	}
}

func TestSweepDropsStaleClients(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	l := newRateLimiter(5)
	l.now = func() time.Time { return now }

	l.allow("old")
	now = now.Add(2 * time.Minute)
	l.allow("fresh")
	l.sweep()

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.clients["old"]; ok {
		t.Error("stale client survived the sweep")
	}
	if _, ok := l.clients["fresh"]; !ok {
		t.Error("fresh client swept")
	}
}
