package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestNewRateLimiter_DefaultsBurstToTwiceRate(t *testing.T) {
	rl := NewRateLimiter(10, 0)
	if rl.Burst() != 20 {
		t.Fatalf("Burst() = %v, want 20", rl.Burst())
	}
}

func TestNewRateLimiter_BurstNeverBelowRate(t *testing.T) {
	rl := NewRateLimiter(10, 5)
	if rl.Burst() != 10 {
		t.Fatalf("Burst() = %v, want clamped to rate (10)", rl.Burst())
	}
}

func TestAllow_StartsWithFullBucket(t *testing.T) {
	rl := NewRateLimiter(5, 5)
	for i := 0; i < 5; i++ {
		if !rl.Allow() {
			t.Fatalf("Allow() #%d = false, want true with a full bucket", i)
		}
	}
	if rl.Allow() {
		t.Fatal("Allow() after draining the bucket should be false")
	}
}

func TestAllowN_ConsumesMultipleTokensAtomically(t *testing.T) {
	rl := NewRateLimiter(10, 10)
	if !rl.AllowN(4) {
		t.Fatal("AllowN(4) should succeed against a full 10-token bucket")
	}
	if rl.Tokens() > 6.01 || rl.Tokens() < 5.9 {
		t.Fatalf("Tokens() = %v, want ~6 after consuming 4 of 10", rl.Tokens())
	}
	if rl.AllowN(100) {
		t.Fatal("AllowN(100) should fail when fewer tokens remain")
	}
}

func TestWait_ReturnsImmediatelyWhenTokenAvailable(t *testing.T) {
	rl := NewRateLimiter(10, 10)
	start := time.Now()
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatal("Wait should return immediately when the bucket isn't empty")
	}
}

func TestWait_CancelledContextReturnsError(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	rl.Allow() // drain the single token

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := rl.Wait(ctx); err == nil {
		t.Fatal("expected Wait to return an error for an already-cancelled context")
	}
}

func TestReservation_CancelRefundsToken(t *testing.T) {
	rl := NewRateLimiter(5, 5)
	before := rl.Tokens()

	res := rl.Reserve()
	if !res.OK() {
		t.Fatal("Reserve() should succeed")
	}
	res.Cancel()

	if rl.Tokens() < before-0.01 {
		t.Fatalf("Tokens() = %v, want refunded back to ~%v after Cancel", rl.Tokens(), before)
	}
}

func TestMultiLimiter_UnknownCategoryAllowsByDefault(t *testing.T) {
	ml := NewMultiLimiter()
	if !ml.Allow("orders") {
		t.Fatal("an unregistered category must not be rate limited")
	}
	if err := ml.Wait(context.Background(), "orders"); err != nil {
		t.Fatalf("Wait on unregistered category: %v", err)
	}
}

func TestMultiLimiter_PerCategoryLimitsAreIndependent(t *testing.T) {
	ml := NewMultiLimiter()
	ml.Add("orders", 1, 1)
	ml.Add("market-data", 50, 50)

	if !ml.Allow("orders") {
		t.Fatal("first order request should be allowed")
	}
	if ml.Allow("orders") {
		t.Fatal("second order request should be rate limited with burst=1")
	}
	if !ml.Allow("market-data") {
		t.Fatal("market-data limiter must not be affected by the orders limiter")
	}
}
