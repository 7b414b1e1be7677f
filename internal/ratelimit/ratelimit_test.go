package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestBurstThenLimited(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if err := l.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
}

func TestCallersAreIsolated(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("alice"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("alice should be limited: %v", err)
	}
	if err := l.Allow("bob"); err != nil {
		t.Errorf("bob must not pay for alice's requests: %v", err)
	}
}

func TestRefillOverTime(t *testing.T) {
	l := New(Config{RequestsPerMinute: 6000, BurstSize: 1}) // 100 tokens/s.

	if err := l.Allow("alice"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("bucket should be empty: %v", err)
	}

	time.Sleep(20 * time.Millisecond) // ~2 tokens refilled, capped at burst 1.
	if err := l.Allow("alice"); err != nil {
		t.Errorf("bucket should have refilled: %v", err)
	}
}

func TestUnlimitedMode(t *testing.T) {
	l := New(Config{})

	for i := 0; i < 100; i++ {
		if err := l.Allow("anyone"); err != nil {
			t.Fatalf("unlimited mode rejected request %d: %v", i, err)
		}
	}
	if got := l.Remaining("anyone"); got != -1 {
		t.Errorf("Remaining in unlimited mode = %d, want -1", got)
	}
}

func TestRemaining(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 5})

	if got := l.Remaining("alice"); got != 5 {
		t.Errorf("fresh caller remaining = %d, want 5", got)
	}
	l.Allow("alice")
	l.Allow("alice")
	if got := l.Remaining("alice"); got != 3 {
		t.Errorf("remaining after 2 requests = %d, want 3", got)
	}
}

func TestPruneDropsIdleBuckets(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1})

	l.Allow("idle-caller")
	l.mu.Lock()
	l.buckets["idle-caller"].lastFill = time.Now().Add(-2 * pruneAge)
	l.ops = 1023 // Next Allow triggers the prune.
	l.mu.Unlock()

	l.Allow("active-caller")

	l.mu.Lock()
	_, ok := l.buckets["idle-caller"]
	l.mu.Unlock()
	if ok {
		t.Error("idle bucket survived the prune")
	}
}
