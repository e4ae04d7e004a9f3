package security

import (
	"testing"
	"time"
)

func TestIsExpired(t *testing.T) {
	now := time.Now()

	if IsExpired(now.Add(1 * time.Minute)) {
		t.Error("future expiry reported expired")
	}
	if IsExpired(now.Add(-1 * time.Minute)) == false {
		t.Error("past expiry not reported expired")
	}
	if IsExpired(time.Time{}) {
		t.Error("zero time should mean no expiration")
	}
}

func TestIsExpiredGracePeriod(t *testing.T) {
	// Just past expiry but inside the grace window: still valid.
	justPast := time.Now().Add(-2 * time.Second)
	if IsExpiredWithGracePeriod(justPast, 5*time.Second) {
		t.Error("expiry inside grace window reported expired")
	}

	// Beyond the grace window: expired.
	wellPast := time.Now().Add(-10 * time.Second)
	if !IsExpiredWithGracePeriod(wellPast, 5*time.Second) {
		t.Error("expiry beyond grace window not reported expired")
	}

	// Zero grace behaves strictly.
	if !IsExpiredWithGracePeriod(justPast, 0) {
		t.Error("past expiry with zero grace not reported expired")
	}
}

func TestRemainingSeconds(t *testing.T) {
	now := time.Now()

	if got := RemainingSeconds(now.Add(90*time.Second), now); got != 90 {
		t.Errorf("RemainingSeconds = %d, want 90", got)
	}
	if got := RemainingSeconds(now.Add(-5*time.Second), now); got != 0 {
		t.Errorf("RemainingSeconds for past expiry = %d, want 0", got)
	}

	// Recomputed at a later observation point, the value decays.
	later := now.Add(30 * time.Second)
	if got := RemainingSeconds(now.Add(90*time.Second), later); got != 60 {
		t.Errorf("RemainingSeconds after 30s = %d, want 60", got)
	}
}
