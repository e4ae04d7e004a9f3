package storage

import "errors"

// Sentinel errors returned by store implementations. Callers match these with
// errors.Is and translate them to OAuth wire errors at the handler boundary;
// the storage layer never leaks whether an unknown code once existed.
var (
	// ErrDeviceAuthorizationNotFound indicates an unknown device or user code
	ErrDeviceAuthorizationNotFound = errors.New("device authorization not found")

	// ErrBackchannelRequestNotFound indicates an unknown auth_req_id
	ErrBackchannelRequestNotFound = errors.New("backchannel request not found")

	// ErrBackchannelCodeNotFound indicates an unknown backchannel authorization code
	ErrBackchannelCodeNotFound = errors.New("backchannel authorization code not found")

	// ErrPushedRequestNotFound indicates an unknown request_uri
	ErrPushedRequestNotFound = errors.New("pushed authorization request not found")

	// ErrClientNotFound indicates an unknown client_id
	ErrClientNotFound = errors.New("client not found")

	// ErrExpired indicates the artifact's expires_at has passed (with the
	// configured clock-skew grace period applied)
	ErrExpired = errors.New("grant expired")

	// ErrAlreadyUsed indicates a pushed request_uri was already redeemed
	ErrAlreadyUsed = errors.New("request URI already used")

	// ErrAlreadyConsumed indicates a backchannel code was already redeemed,
	// or its parent request already reached the Consumed state
	ErrAlreadyConsumed = errors.New("authorization code already consumed")

	// ErrInvalidState indicates a conditional update matched zero rows because
	// the entity was not in the state the transition requires. This is a
	// first-class outcome of a lost race, never silently treated as success.
	ErrInvalidState = errors.New("state already changed")

	// ErrSlowDown indicates the client polled faster than the grant's current
	// interval allows (RFC 8628 section 3.5)
	ErrSlowDown = errors.New("polling too frequently")
)
