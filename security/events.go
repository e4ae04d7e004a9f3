package security

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// Device authorization grant events

	// EventDeviceAuthorizationIssued is logged when a device/user code pair is issued
	EventDeviceAuthorizationIssued = "device_authorization_issued"

	// EventDeviceAuthorizationApproved is logged when a user approves a device grant
	EventDeviceAuthorizationApproved = "device_authorization_approved"

	// EventDeviceAuthorizationDenied is logged when a user denies a device grant
	EventDeviceAuthorizationDenied = "device_authorization_denied"

	// EventDeviceCodeExchanged is logged when a device code is exchanged for tokens
	EventDeviceCodeExchanged = "device_code_exchanged"

	// EventDeviceSlowDown is logged when a client violates the polling interval
	EventDeviceSlowDown = "device_slow_down"

	// Backchannel (CIBA) events

	// EventBackchannelRequestIssued is logged when a CIBA request is created
	EventBackchannelRequestIssued = "backchannel_request_issued"

	// EventBackchannelAuthorized is logged when a user approves a CIBA request
	EventBackchannelAuthorized = "backchannel_authorized"

	// EventBackchannelDenied is logged when a user denies a CIBA request
	EventBackchannelDenied = "backchannel_denied"

	// EventBackchannelCodeIssued is logged when a backchannel authorization code is minted
	EventBackchannelCodeIssued = "backchannel_code_issued"

	// EventBackchannelCodeRedeemed is logged when a backchannel code is exchanged for tokens
	EventBackchannelCodeRedeemed = "backchannel_code_redeemed"

	// EventBackchannelReplayDetected is logged when a consumed backchannel code is presented again
	EventBackchannelReplayDetected = "backchannel_replay_detected"

	// Pushed authorization request events

	// EventPushedRequestAccepted is logged when a PAR request is stored
	EventPushedRequestAccepted = "pushed_request_accepted"

	// EventPushedRequestRedeemed is logged when a request_uri is redeemed
	EventPushedRequestRedeemed = "pushed_request_redeemed"

	// EventPushedRequestReplayDetected is logged when a used request_uri is presented again
	EventPushedRequestReplayDetected = "pushed_request_replay_detected"

	// Security violation events

	// EventAuthFailure is logged when client authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when an IP rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when PKCE code_verifier validation fails
	EventPKCEValidationFailed = "pkce_validation_failed"
)
