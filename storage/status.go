package storage

import "fmt"

// BackchannelStatus is the lifecycle state of a CIBA authentication request.
//
// It is a closed enum at the application boundary: business logic only ever
// sees one of the five declared values. String conversion exists solely for
// persistence adapters and logging; ParseBackchannelStatus rejects anything
// else instead of defaulting, so an invalid stored string cannot silently
// become a live state.
type BackchannelStatus int

const (
	// BackchannelPending is the initial state: created, awaiting the user
	BackchannelPending BackchannelStatus = iota

	// BackchannelAuthorized means the user approved the request
	BackchannelAuthorized

	// BackchannelDenied means the user rejected the request (terminal)
	BackchannelDenied

	// BackchannelExpired means the request outlived requested_expiry (terminal)
	BackchannelExpired

	// BackchannelConsumed means the resulting authorization code was redeemed (terminal)
	BackchannelConsumed
)

var backchannelStatusNames = map[BackchannelStatus]string{
	BackchannelPending:    "pending",
	BackchannelAuthorized: "authorized",
	BackchannelDenied:     "denied",
	BackchannelExpired:    "expired",
	BackchannelConsumed:   "consumed",
}

// String returns the persisted wire form of the status.
func (s BackchannelStatus) String() string {
	if name, ok := backchannelStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Terminal reports whether no further transitions are permitted from s.
func (s BackchannelStatus) Terminal() bool {
	switch s {
	case BackchannelDenied, BackchannelExpired, BackchannelConsumed:
		return true
	}
	return false
}

// ParseBackchannelStatus converts a persisted string back into the enum.
// Unknown strings are an error, not a default variant.
func ParseBackchannelStatus(s string) (BackchannelStatus, error) {
	for status, name := range backchannelStatusNames {
		if name == s {
			return status, nil
		}
	}
	return 0, fmt.Errorf("invalid backchannel status: %q", s)
}
