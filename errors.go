package grants

import (
	"fmt"
	"net/http"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeUnauthorizedClient   = "unauthorized_client"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeServerError          = "server_error"
	ErrorCodeAccessDenied         = "access_denied"
	ErrorCodeAuthorizationPending = "authorization_pending"
	ErrorCodeSlowDown             = "slow_down"
	ErrorCodeExpiredToken         = "expired_token"
	ErrorCodeInvalidRequestURI    = "invalid_request_uri"
	ErrorCodeRateLimitExceeded    = "rate_limit_exceeded"
)

// GrantError represents an OAuth 2.0 error response
type GrantError struct {
	Code        string // OAuth error code (e.g., "authorization_pending", "slow_down")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *GrantError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewGrantError creates a new OAuth grant error
func NewGrantError(code, description string, status int) *GrantError {
	return &GrantError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors as reusable constructors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *GrantError {
		return NewGrantError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the device code, auth_req_id, or authorization
	// code is invalid or was never issued
	ErrInvalidGrant = func(desc string) *GrantError {
		return NewGrantError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *GrantError {
		return NewGrantError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidScope indicates the requested scope is invalid or unsupported
	ErrInvalidScope = func(desc string) *GrantError {
		return NewGrantError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// ErrUnauthorizedClient indicates the client is not authorized for the requested grant type
	ErrUnauthorizedClient = func(desc string) *GrantError {
		return NewGrantError(ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *GrantError {
		return NewGrantError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *GrantError {
		return NewGrantError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrAccessDenied indicates the user denied the request, or the grant was
	// revoked or already consumed
	ErrAccessDenied = func(desc string) *GrantError {
		return NewGrantError(ErrorCodeAccessDenied, desc, http.StatusBadRequest)
	}

	// ErrAuthorizationPending indicates the user has not yet decided; the
	// client should continue polling (RFC 8628 section 3.5)
	ErrAuthorizationPending = func(desc string) *GrantError {
		return NewGrantError(ErrorCodeAuthorizationPending, desc, http.StatusBadRequest)
	}

	// ErrSlowDown indicates the client polled faster than the current interval
	// allows; the interval has been widened (RFC 8628 section 3.5)
	ErrSlowDown = func(desc string) *GrantError {
		return NewGrantError(ErrorCodeSlowDown, desc, http.StatusBadRequest)
	}

	// ErrExpiredToken indicates the device code or auth_req_id expired before
	// the user decided
	ErrExpiredToken = func(desc string) *GrantError {
		return NewGrantError(ErrorCodeExpiredToken, desc, http.StatusBadRequest)
	}

	// ErrInvalidRequestURI indicates the request_uri is unknown, expired,
	// already used, or belongs to a different client (RFC 9126)
	ErrInvalidRequestURI = func(desc string) *GrantError {
		return NewGrantError(ErrorCodeInvalidRequestURI, desc, http.StatusBadRequest)
	}
)
