package channels

import (
	"fmt"
	"testing"
)

// TestRateLimiter_BurstThenDeny verifies a key is cut off once its burst is
// spent.
func TestRateLimiter_BurstThenDeny(t *testing.T) {
	rl := NewRateLimiter(60, 3)

	for i := 0; i < 3; i++ {
		if !rl.Allow("1.2.3.4") {
			t.Fatalf("request %d inside burst denied", i)
		}
	}
	if rl.Allow("1.2.3.4") {
		t.Error("request past burst allowed")
	}
}

// TestRateLimiter_KeysIndependent verifies one noisy key does not starve
// another.
func TestRateLimiter_KeysIndependent(t *testing.T) {
	rl := NewRateLimiter(60, 1)

	if !rl.Allow("noisy") {
		t.Fatal("first request denied")
	}
	rl.Allow("noisy")
	rl.Allow("noisy")

	if !rl.Allow("quiet") {
		t.Error("independent key denied")
	}
}

// TestRateLimiter_Disabled verifies perMinute <= 0 switches limiting off.
func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !rl.Allow("anyone") {
			t.Fatal("disabled limiter denied a request")
		}
	}
}

// TestRateLimiter_BoundsTrackedKeys verifies hostile key rotation cannot
// grow the map past the cap.
func TestRateLimiter_BoundsTrackedKeys(t *testing.T) {
	rl := NewRateLimiter(60, 1)

	for i := 0; i < maxTrackedKeys+500; i++ {
		rl.Allow(fmt.Sprintf("attacker-%d", i))
	}

	rl.mu.Lock()
	n := len(rl.entries)
	rl.mu.Unlock()
	if n > maxTrackedKeys {
		t.Errorf("tracked keys = %d, want <= %d", n, maxTrackedKeys)
	}
}
