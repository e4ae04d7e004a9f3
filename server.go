package grants

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/lumagate/oauth-grants/instrumentation"
	"github.com/lumagate/oauth-grants/security"
	"github.com/lumagate/oauth-grants/storage"
)

// Server implements the extension grant flows over a GrantStore.
// All methods are safe for concurrent use.
type Server struct {
	store   storage.GrantStore
	config  Config
	logger  *slog.Logger
	auditor *security.Auditor
	limiter *security.RateLimiter
	metrics *instrumentation.Metrics
	tokens  *TokenIssuer
}

// NewServer creates a grant server over the given store.
func NewServer(store storage.GrantStore, config Config) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if len(config.SigningKey) == 0 {
		return nil, fmt.Errorf("signing key is required")
	}

	config.applySecureDefaults()

	s := &Server{
		store:   store,
		config:  config,
		logger:  config.Logger,
		auditor: security.NewAuditor(config.Logger, config.EnableAuditLogging),
		tokens:  NewTokenIssuer(config.SigningKey, config.Issuer, config.AccessTokenTTL),
	}

	if config.RateLimit > 0 {
		s.limiter = security.NewRateLimiter(config.RateLimit, config.RateLimitBurst, config.Logger)
	}

	if config.Instrumentation != nil {
		s.metrics = config.Instrumentation.Metrics()
	}

	return s, nil
}

// Close releases server resources (the rate limiter's cleanup goroutine).
// The store is owned by the caller and is not closed here.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

// Store exposes the underlying grant store, mainly for host applications
// that register clients or run housekeeping sweeps.
func (s *Server) Store() storage.GrantStore {
	return s.store
}

// expired judges an expiry timestamp with the configured clock-skew grace.
func (s *Server) expired(expiresAt time.Time) bool {
	return security.IsExpiredWithGracePeriod(expiresAt, s.config.ClockSkewGracePeriod)
}

// allow checks the per-identifier rate limit. A nil limiter allows everything.
func (s *Server) allow(identifier string) bool {
	if s.limiter == nil {
		return true
	}
	if s.limiter.Allow(identifier) {
		return true
	}
	s.auditor.LogRateLimitExceeded(identifier)
	return false
}
