package grants

import (
	"log/slog"
	"time"

	"github.com/lumagate/oauth-grants/instrumentation"
	"github.com/lumagate/oauth-grants/security"
)

// Default TTLs and polling parameters, applied by applySecureDefaults
const (
	// DefaultDeviceCodeTTL is how long a device/user code pair stays valid
	DefaultDeviceCodeTTL = 30 * time.Minute

	// DefaultBackchannelTTL is the default lifetime of a CIBA request when the
	// client sends no requested_expiry
	DefaultBackchannelTTL = 10 * time.Minute

	// DefaultBackchannelCodeTTL is the lifetime of a CIBA authorization code
	DefaultBackchannelCodeTTL = 10 * time.Minute

	// DefaultPushedRequestTTL is the lifetime of a PAR request_uri
	DefaultPushedRequestTTL = 10 * time.Minute

	// DefaultPollInterval is the minimum seconds between token polls
	DefaultPollInterval = 5

	// DefaultSlowDownIncrement is how many seconds each slow_down violation
	// adds to the polling interval (RFC 8628 section 3.5)
	DefaultSlowDownIncrement = 5

	// DefaultAccessTokenTTL is the lifetime of issued access tokens
	DefaultAccessTokenTTL = 1 * time.Hour

	// MaxRequestedExpiry caps the client-supplied CIBA requested_expiry
	MaxRequestedExpiry = 20 * time.Minute
)

// Config holds the grant server configuration
type Config struct {
	// Issuer is the issuer URL stamped into access tokens (required)
	Issuer string

	// VerificationURI is where users enter device user codes (required for
	// the device flow), e.g., "https://example.com/device"
	VerificationURI string

	// SigningKey is the HMAC key for access-token signing (required)
	SigningKey []byte

	// DeviceCodeTTL is how long device grants stay valid. Default: 30 minutes
	DeviceCodeTTL time.Duration

	// BackchannelTTL is the default CIBA request lifetime. Default: 10 minutes
	BackchannelTTL time.Duration

	// BackchannelCodeTTL is the CIBA authorization code lifetime. Default: 10 minutes
	BackchannelCodeTTL time.Duration

	// PushedRequestTTL is the PAR request_uri lifetime. Default: 10 minutes
	PushedRequestTTL time.Duration

	// PollInterval is the minimum seconds between token polls. Default: 5
	PollInterval int

	// SlowDownIncrement is the seconds added per slow_down violation. Default: 5
	SlowDownIncrement int

	// AccessTokenTTL is the access token lifetime. Default: 1 hour
	AccessTokenTTL time.Duration

	// ClockSkewGracePeriod is the allowance applied to expires_at comparisons
	// to absorb clock drift between hosts. Zero means the 5-second default;
	// a negative value disables the grace entirely. Stores judge expiry with
	// their own setting (memory.WithClockSkewGrace, valkey Config), so strict
	// deployments set both.
	ClockSkewGracePeriod time.Duration

	// AllowPKCEPlain permits the "plain" code_challenge_method.
	// WARNING: plain exposes the verifier on the wire. S256 only by default.
	AllowPKCEPlain bool

	// RateLimit is requests per second allowed per client. Zero disables limiting.
	RateLimit int

	// RateLimitBurst is the maximum burst size per client
	RateLimitBurst int

	// EnableAuditLogging enables security audit logging.
	// Logs grant events and violations (sensitive data hashed).
	EnableAuditLogging bool

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// Instrumentation provides otel metrics and tracing (optional)
	Instrumentation *instrumentation.Instrumentation
}

// applySecureDefaults fills zero values with secure defaults
func (c *Config) applySecureDefaults() {
	if c.DeviceCodeTTL <= 0 {
		c.DeviceCodeTTL = DefaultDeviceCodeTTL
	}
	if c.BackchannelTTL <= 0 {
		c.BackchannelTTL = DefaultBackchannelTTL
	}
	if c.BackchannelCodeTTL <= 0 {
		c.BackchannelCodeTTL = DefaultBackchannelCodeTTL
	}
	if c.PushedRequestTTL <= 0 {
		c.PushedRequestTTL = DefaultPushedRequestTTL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SlowDownIncrement <= 0 {
		c.SlowDownIncrement = DefaultSlowDownIncrement
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.ClockSkewGracePeriod == 0 {
		c.ClockSkewGracePeriod = security.DefaultClockSkewGracePeriod
	} else if c.ClockSkewGracePeriod < 0 {
		c.ClockSkewGracePeriod = 0
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
