package storage

import (
	"context"
	"time"

	"github.com/lumagate/oauth-grants/security"
)

// DeviceAuthorization represents an RFC 8628 device/user code pair.
//
// The device_code is a high-entropy secret held by the polling client; the
// user_code is the short human-typable code shown on the secondary device.
// UserID stays empty until the user approves; once Revoked or expired, no
// further transitions are permitted.
type DeviceAuthorization struct {
	ID                      string // 128-bit lexicographically sortable (UUIDv7)
	DeviceCode              string
	UserCode                string
	ClientID                string
	UserID                  string // bound only after approval
	Scope                   string
	VerificationURI         string
	VerificationURIComplete string
	ExpiresAt               time.Time
	Interval                int       // seconds; widened by the slow_down rule
	LastPolledAt            time.Time // zero until the first poll
	UserAuthorized          bool
	Revoked                 bool // set on deny and on post-exchange invalidation
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// IsExpired reports whether the grant is past expires_at (clock-skew tolerant).
func (d *DeviceAuthorization) IsExpired() bool {
	return security.IsExpired(d.ExpiresAt)
}

// IsValid reports whether the grant can still transition.
func (d *DeviceAuthorization) IsValid() bool {
	return !d.Revoked && !d.IsExpired()
}

// IsPending reports whether the grant is valid and awaiting user approval.
func (d *DeviceAuthorization) IsPending() bool {
	return d.IsValid() && !d.UserAuthorized
}

// IsAuthorized reports whether the grant is valid and approved by a user.
// A denied or revoked grant never reports true, regardless of past approval.
func (d *DeviceAuthorization) IsAuthorized() bool {
	return d.IsValid() && d.UserAuthorized
}

// BackchannelRequest represents a CIBA authentication request.
//
// Exactly the identification hints the client supplied are stored; at least
// one of LoginHint, LoginHintToken, IDTokenHint must be present at creation
// (enforced by the calling endpoint).
type BackchannelRequest struct {
	ID                   string // UUIDv7
	AuthReqID            string // urn:ietf:params:oauth:ciba:auth-req-id:...
	ClientID             string
	UserID               string // bound on Authorize
	LoginHint            string
	LoginHintToken       string
	IDTokenHint          string
	BindingMessage       string
	UserCode             string
	Scope                string
	RequestedExpiry      int // seconds
	Status               BackchannelStatus
	NotificationEndpoint string // push-mode bookkeeping only
	NotificationToken    string
	ExpiresAt            time.Time
	Interval             int
	LastPolledAt         time.Time
	AuthorizedAt         time.Time
	DeniedAt             time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// IsExpired reports whether the request is past expires_at (clock-skew tolerant).
func (r *BackchannelRequest) IsExpired() bool {
	return security.IsExpired(r.ExpiresAt)
}

// CanBePolled reports whether a token-endpoint poll may still return pending.
func (r *BackchannelRequest) CanBePolled() bool {
	return r.Status == BackchannelPending && !r.IsExpired()
}

// BackchannelAuthCode is the one-time authorization artifact minted when a
// BackchannelRequest reaches Authorized. A request produces at most one live
// code; redemption revokes the code and consumes the parent atomically.
type BackchannelAuthCode struct {
	ID                  string // UUIDv7
	Code                string // 128-character high-entropy code
	AuthReqID           string // parent request
	ClientID            string
	UserID              string
	Scope               string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	ExpiresAt           time.Time
	Revoked             bool
	CreatedAt           time.Time
}

// IsExpired reports whether the code is past expires_at (clock-skew tolerant).
func (c *BackchannelAuthCode) IsExpired() bool {
	return security.IsExpired(c.ExpiresAt)
}

// PushedAuthorizationRequest wraps authorization parameters behind a one-time
// request_uri (RFC 9126). RequestData is an opaque serialized blob; the store
// never interprets it.
type PushedAuthorizationRequest struct {
	ID          string // UUIDv7
	RequestURI  string // urn:ietf:params:oauth:request_uri:...
	ClientID    string
	RequestData []byte
	ExpiresAt   time.Time
	Used        bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsExpired reports whether the request is past expires_at (clock-skew tolerant).
func (p *PushedAuthorizationRequest) IsExpired() bool {
	return security.IsExpired(p.ExpiresAt)
}

// Client represents a registered OAuth client
type Client struct {
	ClientID         string
	ClientSecretHash string // bcrypt hash; empty for public clients
	ClientType       string // "public" or "confidential"
	ClientName       string
	RedirectURIs     []string
	Scopes           []string
	CreatedAt        time.Time
}

// DeviceAuthorizationStore manages RFC 8628 device grants.
// All methods accept context.Context for tracing and cancellation.
type DeviceAuthorizationStore interface {
	// SaveDeviceAuthorization persists a newly issued device grant
	SaveDeviceAuthorization(ctx context.Context, grant *DeviceAuthorization) error

	// GetDeviceAuthorization retrieves a grant by its device code
	GetDeviceAuthorization(ctx context.Context, deviceCode string) (*DeviceAuthorization, error)

	// GetDeviceAuthorizationByUserCode retrieves a grant by its user code
	GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*DeviceAuthorization, error)

	// ApproveDeviceAuthorization binds userID and sets user_authorized, but
	// only while the grant is pending (not approved, denied, or expired).
	// Returns ErrInvalidState if the grant already left the pending state.
	// SECURITY: This check-and-set MUST be atomic; concurrent approvals and
	// denials race on the same row and exactly one may win.
	ApproveDeviceAuthorization(ctx context.Context, userCode, userID string) (*DeviceAuthorization, error)

	// DenyDeviceAuthorization marks a pending grant revoked (terminal).
	// Returns ErrInvalidState if the grant already left the pending state.
	DenyDeviceAuthorization(ctx context.Context, userCode string) (*DeviceAuthorization, error)

	// TouchDevicePoll records a poll attempt. If the previous poll was less
	// than the grant's current interval ago, it widens the interval by
	// increment seconds, persists the attempt, and returns ErrSlowDown
	// (RFC 8628 section 3.5). The check and the timestamp/interval update are
	// one atomic operation; the returned grant reflects the updated row.
	TouchDevicePoll(ctx context.Context, deviceCode string, now time.Time, increment int) (*DeviceAuthorization, error)

	// ConsumeDeviceAuthorization invalidates an authorized grant after token
	// exchange so polling cannot succeed twice. Only an authorized, valid
	// grant may be consumed; anything else returns ErrInvalidState.
	// SECURITY: MUST be atomic; two concurrent exchanges race here.
	ConsumeDeviceAuthorization(ctx context.Context, deviceCode string) (*DeviceAuthorization, error)
}

// BackchannelStore manages CIBA requests and their authorization codes.
// All methods accept context.Context for tracing and cancellation.
type BackchannelStore interface {
	// SaveBackchannelRequest persists a newly issued CIBA request
	SaveBackchannelRequest(ctx context.Context, req *BackchannelRequest) error

	// GetBackchannelRequest retrieves a request by auth_req_id
	GetBackchannelRequest(ctx context.Context, authReqID string) (*BackchannelRequest, error)

	// AuthorizeBackchannelRequest transitions Pending -> Authorized, binding
	// userID and stamping authorized_at. Any other starting status returns
	// ErrInvalidState. SECURITY: MUST be atomic.
	AuthorizeBackchannelRequest(ctx context.Context, authReqID, userID string, now time.Time) (*BackchannelRequest, error)

	// DenyBackchannelRequest transitions Pending -> Denied, stamping denied_at.
	// Any other starting status returns ErrInvalidState.
	DenyBackchannelRequest(ctx context.Context, authReqID string, now time.Time) (*BackchannelRequest, error)

	// MarkBackchannelExpired is the housekeeping transition used by an
	// external sweep. It only applies from Pending; correctness never depends
	// on it running (expiry is recomputed on every read).
	MarkBackchannelExpired(ctx context.Context, authReqID string) error

	// TouchBackchannelPoll is the CIBA counterpart of TouchDevicePoll,
	// keyed by auth_req_id.
	TouchBackchannelPoll(ctx context.Context, authReqID string, now time.Time, increment int) (*BackchannelRequest, error)

	// CreateBackchannelAuthCode mints the one-time code for an authorized
	// request. The parent must be in status Authorized and must not already
	// have a live code; violating either returns ErrInvalidState. The status
	// check happens inside the same atomic operation as the insert, not as a
	// separate read. Creating the code does NOT consume the parent.
	CreateBackchannelAuthCode(ctx context.Context, code *BackchannelAuthCode) error

	// GetBackchannelAuthCode retrieves a code by its value
	GetBackchannelAuthCode(ctx context.Context, code string) (*BackchannelAuthCode, error)

	// RedeemBackchannelAuthCode marks the code revoked and transitions its
	// parent request to Consumed in the same logical transaction. A revoked
	// code returns ErrAlreadyConsumed; an expired one returns ErrExpired.
	// SECURITY: MUST be atomic; only ONE concurrent redemption can succeed.
	RedeemBackchannelAuthCode(ctx context.Context, code string) (*BackchannelAuthCode, error)
}

// PushedRequestStore manages PAR request URIs.
// All methods accept context.Context for tracing and cancellation.
type PushedRequestStore interface {
	// SavePushedRequest persists a newly pushed authorization request
	SavePushedRequest(ctx context.Context, req *PushedAuthorizationRequest) error

	// GetPushedRequest retrieves a pushed request by request_uri
	GetPushedRequest(ctx context.Context, requestURI string) (*PushedAuthorizationRequest, error)

	// RedeemPushedRequest marks the request used and returns it. The used
	// flag is flipped before the data reaches the caller, so a concurrent
	// duplicate redemption always observes used=true and gets ErrAlreadyUsed.
	// SECURITY: MUST be atomic; only ONE concurrent redemption can succeed.
	RedeemPushedRequest(ctx context.Context, requestURI string) (*PushedAuthorizationRequest, error)
}

// ClientStore manages registered OAuth clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret in constant time
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error
}

// GrantStore is the composite interface a full backend implements.
type GrantStore interface {
	DeviceAuthorizationStore
	BackchannelStore
	PushedRequestStore
	ClientStore
}
