package ratelimit

import (
	"testing"
	"time"
)

// fakeClock is a hand-advanced time source for window tests.
type fakeClock struct {
	current time.Time
}

func (c *fakeClock) Now() time.Time { return c.current }

func (c *fakeClock) Advance(d time.Duration) { c.current = c.current.Add(d) }

func TestAllowExhaustsBudget(t *testing.T) {
	clock := &fakeClock{current: time.Unix(1000, 0)}
	limiter := NewLimiter(time.Minute, 3, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		if !limiter.Allow("conn-1") {
			t.Fatalf("attempt %d should be within budget", i+1)
		}
	}
	if limiter.Allow("conn-1") {
		t.Fatalf("attempt beyond the budget should be denied")
	}
	if got := limiter.Denied(); got != 1 {
		t.Fatalf("expected one denial recorded, got %d", got)
	}
}

func TestAllowResetsAfterWindow(t *testing.T) {
	clock := &fakeClock{current: time.Unix(1000, 0)}
	limiter := NewLimiter(time.Minute, 2, WithClock(clock.Now))

	limiter.Allow("conn-1")
	limiter.Allow("conn-1")
	if limiter.Allow("conn-1") {
		t.Fatalf("third attempt in the window should be denied")
	}

	clock.Advance(time.Minute)
	if !limiter.Allow("conn-1") {
		t.Fatalf("budget should reset once the window elapses")
	}
}

func TestBucketsAreIndependentPerConnection(t *testing.T) {
	clock := &fakeClock{current: time.Unix(1000, 0)}
	limiter := NewLimiter(time.Minute, 1, WithClock(clock.Now))

	if !limiter.Allow("conn-a") {
		t.Fatalf("first attempt for conn-a should pass")
	}
	if limiter.Allow("conn-a") {
		t.Fatalf("second attempt for conn-a should be denied")
	}
	if !limiter.Allow("conn-b") {
		t.Fatalf("conn-b must not share conn-a's bucket")
	}
}

func TestInfoReportsResetTime(t *testing.T) {
	start := time.Unix(1000, 0)
	clock := &fakeClock{current: start}
	limiter := NewLimiter(time.Minute, 5, WithClock(clock.Now))

	limiter.Allow("conn-1")
	clock.Advance(20 * time.Second)

	info := limiter.Info("conn-1")
	if info.MaxAttempts != 5 || info.Attempts != 1 {
		t.Fatalf("unexpected bucket state: %+v", info)
	}
	if want := start.Add(time.Minute); !info.ResetTime.Equal(want) {
		t.Fatalf("reset time = %v, want %v", info.ResetTime, want)
	}
}

func TestClearDropsBucket(t *testing.T) {
	limiter := NewLimiter(time.Minute, 1)

	limiter.Allow("conn-1")
	if limiter.Size() != 1 {
		t.Fatalf("expected one tracked bucket")
	}
	limiter.Clear("conn-1")
	if limiter.Size() != 0 {
		t.Fatalf("bucket should be discarded on clear")
	}
	if !limiter.Allow("conn-1") {
		t.Fatalf("cleared connection should start with a fresh budget")
	}
}

func TestZeroConfigurationAllowsEverything(t *testing.T) {
	limiter := NewLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !limiter.Allow("conn-1") {
			t.Fatalf("disabled limiter must never deny")
		}
	}
}
