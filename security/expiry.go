package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the default grace period applied to every
	// expires_at comparison. Grant artifacts are created by one host and
	// checked by another; without a small allowance, NTP drift produces false
	// "expired_token" errors at the edge of the window.
	//
	// Trade-off: an artifact stays usable up to 5 seconds past its true
	// expiry. That is acceptable for codes whose lifetimes are measured in
	// minutes; reduce via the server Config for stricter deployments.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// IsExpired checks expires_at with the default clock-skew grace period.
// A zero time means no expiration.
func IsExpired(expiresAt time.Time) bool {
	return IsExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsExpiredWithGracePeriod checks expires_at with a custom grace period.
func IsExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}

// RemainingSeconds returns the whole seconds until expires_at, never negative.
// Responses expose expires_in recomputed at call time so repeated reads
// reflect decay rather than a stored constant.
func RemainingSeconds(expiresAt time.Time, now time.Time) int {
	remaining := int(expiresAt.Sub(now) / time.Second)
	if remaining < 0 {
		return 0
	}
	return remaining
}
