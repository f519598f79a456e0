package relay

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsBurst(t *testing.T) {
	rl := NewRateLimiter(3, 60)

	for i := 0; i < 3; i++ {
		if !rl.Allow("chat") {
			t.Fatalf("call %d should be within the burst", i+1)
		}
	}
	if rl.Allow("chat") {
		t.Fatal("burst exhausted, expected refusal")
	}
}

func TestRateLimiterPerKeyIsolation(t *testing.T) {
	rl := NewRateLimiter(1, 1)

	if !rl.Allow("a") {
		t.Fatal("first call for a should pass")
	}
	if rl.Allow("a") {
		t.Fatal("a is out of tokens")
	}
	if !rl.Allow("b") {
		t.Fatal("b has its own bucket")
	}
}

func TestRateLimiterRefills(t *testing.T) {
	rl := NewRateLimiter(1, 60) // one token per second

	if !rl.Allow("chat") {
		t.Fatal("first call should pass")
	}
	if rl.Allow("chat") {
		t.Fatal("bucket should be empty")
	}

	// Backdate the bucket instead of sleeping.
	rl.mu.Lock()
	rl.buckets["chat"].lastTime = time.Now().Add(-2 * time.Second)
	rl.mu.Unlock()

	if !rl.Allow("chat") {
		t.Fatal("bucket should have refilled")
	}
}

func TestRateLimiterCapsAtBurst(t *testing.T) {
	rl := NewRateLimiter(2, 60)

	rl.Allow("chat")
	rl.mu.Lock()
	rl.buckets["chat"].lastTime = time.Now().Add(-time.Hour)
	rl.mu.Unlock()

	if !rl.Allow("chat") || !rl.Allow("chat") {
		t.Fatal("refill should restore the full burst")
	}
	if rl.Allow("chat") {
		t.Fatal("refill must not exceed the burst cap")
	}
}

func TestRateLimiterDefaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	if rl.max != 5 {
		t.Fatalf("expected default burst 5, got %v", rl.max)
	}
	if rl.rate != 20.0/60.0 {
		t.Fatalf("expected default rate, got %v", rl.rate)
	}
}
