package ratelimit

import "testing"

func TestLimiterBoundsKeyCount(t *testing.T) {
	l := NewLimiter(DefaultConfig(), 5)
	for i := 0; i < 1000; i++ {
		l.Allow(string(rune('a' + i%26)))
	}
	if l.Len() > 5 {
		t.Fatalf("limiter grew beyond cap: %d keys", l.Len())
	}
}

func TestLimiterDeniesOverBurst(t *testing.T) {
	l := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 2, Enabled: true}, 10)
	if !l.Allow("k") || !l.Allow("k") {
		t.Fatalf("expected first two requests to be allowed (burst)")
	}
	if l.Allow("k") {
		t.Fatalf("expected third immediate request to be denied")
	}
}
