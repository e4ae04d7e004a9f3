package grants

import (
	"context"
	"errors"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lumagate/oauth-grants/internal/util"
	"github.com/lumagate/oauth-grants/security"
	"github.com/lumagate/oauth-grants/storage"
)

// StartDeviceAuthorization begins an RFC 8628 device flow: it mints a
// device/user code pair for the client and persists the pending grant.
func (s *Server) StartDeviceAuthorization(ctx context.Context, clientID, scope string) (*DeviceAuthorizationResponse, error) {
	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}
	if s.config.VerificationURI == "" {
		return nil, ErrServerError("device flow is not configured")
	}

	if _, err := s.store.GetClient(ctx, clientID); err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, ErrInvalidClient("Unknown client")
		}
		return nil, ErrServerError("Failed to look up client")
	}

	id, err := security.NewID()
	if err != nil {
		return nil, ErrServerError("Failed to generate grant ID")
	}
	deviceCode, err := security.GenerateDeviceCode()
	if err != nil {
		return nil, ErrServerError("Failed to generate device code")
	}
	userCode, err := security.GenerateUserCode()
	if err != nil {
		return nil, ErrServerError("Failed to generate user code")
	}

	now := time.Now()
	grant := &storage.DeviceAuthorization{
		ID:              id,
		DeviceCode:      deviceCode,
		UserCode:        userCode,
		ClientID:        clientID,
		Scope:           scope,
		VerificationURI: s.config.VerificationURI,
		VerificationURIComplete: s.config.VerificationURI +
			"?user_code=" + url.QueryEscape(userCode),
		ExpiresAt: now.Add(s.config.DeviceCodeTTL),
		Interval:  s.config.PollInterval,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.SaveDeviceAuthorization(ctx, grant); err != nil {
		s.logger.Error("Failed to save device authorization", "error", err)
		return nil, ErrServerError("Failed to save device authorization")
	}

	s.logger.Info("Device authorization started",
		"client_id", clientID,
		"user_code", userCode,
		"device_code_prefix", util.SafeTruncate(deviceCode, 8))
	s.auditor.LogGrantIssued(security.EventDeviceAuthorizationIssued, clientID, "", grant.ID, scope)
	if s.metrics != nil {
		s.metrics.DeviceAuthorizationsIssued.Add(ctx, 1,
			metric.WithAttributes(attribute.String("client_id", clientID)))
	}

	return &DeviceAuthorizationResponse{
		DeviceCode:              deviceCode,
		UserCode:                userCode,
		VerificationURI:         grant.VerificationURI,
		VerificationURIComplete: grant.VerificationURIComplete,
		ExpiresIn:               security.RemainingSeconds(grant.ExpiresAt, now),
		Interval:                grant.Interval,
	}, nil
}

// LookupUserCode finds the pending grant behind a user-typed code so the
// verification page can show the requesting client and scope before the user
// decides. Input is normalized (case, spacing, separator) before lookup.
func (s *Server) LookupUserCode(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	normalized := security.NormalizeUserCode(userCode)
	if normalized == "" {
		return nil, ErrInvalidRequest("user_code is required")
	}

	grant, err := s.store.GetDeviceAuthorizationByUserCode(ctx, normalized)
	if err != nil {
		if errors.Is(err, storage.ErrDeviceAuthorizationNotFound) {
			return nil, ErrInvalidGrant("Unknown user code")
		}
		return nil, ErrServerError("Failed to look up user code")
	}

	if s.expired(grant.ExpiresAt) {
		return nil, ErrExpiredToken("User code expired")
	}
	if !grant.IsPending() {
		return nil, ErrInvalidGrant("User code already decided")
	}

	return grant, nil
}

// ApproveDevice records the user's approval of a device grant. Exactly one
// decision wins: a concurrent deny or repeat approval gets invalid_grant.
func (s *Server) ApproveDevice(ctx context.Context, userCode, userID string) error {
	if userID == "" {
		return ErrInvalidRequest("user ID is required")
	}

	normalized := security.NormalizeUserCode(userCode)
	grant, err := s.store.ApproveDeviceAuthorization(ctx, normalized, userID)
	if err != nil {
		return s.mapDeviceDecisionError(err)
	}

	s.logger.Info("Device authorization approved", "user_code", normalized, "client_id", grant.ClientID)
	s.auditor.LogGrantDecision(security.EventDeviceAuthorizationApproved, userID, grant.ClientID, grant.ID)
	if s.metrics != nil {
		s.metrics.DeviceApprovals.Add(ctx, 1)
	}
	return nil
}

// DenyDevice records the user's denial of a device grant (terminal).
func (s *Server) DenyDevice(ctx context.Context, userCode string) error {
	normalized := security.NormalizeUserCode(userCode)
	grant, err := s.store.DenyDeviceAuthorization(ctx, normalized)
	if err != nil {
		return s.mapDeviceDecisionError(err)
	}

	s.logger.Info("Device authorization denied", "user_code", normalized, "client_id", grant.ClientID)
	s.auditor.LogGrantDecision(security.EventDeviceAuthorizationDenied, "", grant.ClientID, grant.ID)
	if s.metrics != nil {
		s.metrics.DeviceDenials.Add(ctx, 1)
	}
	return nil
}

func (s *Server) mapDeviceDecisionError(err error) error {
	switch {
	case errors.Is(err, storage.ErrDeviceAuthorizationNotFound):
		return ErrInvalidGrant("Unknown user code")
	case errors.Is(err, storage.ErrExpired):
		return ErrExpiredToken("User code expired")
	case errors.Is(err, storage.ErrInvalidState):
		return ErrInvalidGrant("User code already decided")
	default:
		return ErrServerError("Failed to update device authorization")
	}
}

// ExchangeDeviceCode is the token-endpoint poll for the device grant
// (grant_type urn:ietf:params:oauth:grant-type:device_code).
//
// Outcome order follows RFC 8628 section 3.5: unknown or foreign codes are
// invalid_grant, then expiry, then denial, then the slow_down rule, then
// authorization_pending, and finally the one-shot exchange.
func (s *Server) ExchangeDeviceCode(ctx context.Context, clientID, deviceCode string) (*TokenResponse, error) {
	if deviceCode == "" {
		return nil, ErrInvalidRequest("device_code is required")
	}

	grant, err := s.store.GetDeviceAuthorization(ctx, deviceCode)
	if err != nil {
		if errors.Is(err, storage.ErrDeviceAuthorizationNotFound) {
			s.recordPoll(ctx, "device", ErrorCodeInvalidGrant)
			return nil, ErrInvalidGrant("Device code is invalid or expired")
		}
		return nil, ErrServerError("Failed to look up device code")
	}

	// The device code is client-bound; a different client polling with a
	// leaked code learns nothing beyond invalid_grant.
	if grant.ClientID != clientID {
		s.auditor.LogAuthFailure("", clientID, "", "device code client mismatch")
		s.recordPoll(ctx, "device", ErrorCodeInvalidGrant)
		return nil, ErrInvalidGrant("Device code is invalid or expired")
	}

	if s.expired(grant.ExpiresAt) {
		s.recordPoll(ctx, "device", ErrorCodeExpiredToken)
		return nil, ErrExpiredToken("Device code expired")
	}

	if grant.Revoked {
		s.recordPoll(ctx, "device", ErrorCodeAccessDenied)
		return nil, ErrAccessDenied("The user denied the authorization request")
	}

	// Record the poll and enforce the interval before looking at the decision,
	// so a fast-polling client is throttled regardless of grant state.
	if _, err := s.store.TouchDevicePoll(ctx, deviceCode, time.Now(), s.config.SlowDownIncrement); err != nil {
		if errors.Is(err, storage.ErrSlowDown) {
			s.auditor.LogEvent(security.Event{
				Type:     security.EventDeviceSlowDown,
				ClientID: clientID,
				Details:  map[string]any{"grant_id": grant.ID},
			})
			if s.metrics != nil {
				s.metrics.DeviceSlowDowns.Add(ctx, 1)
			}
			s.recordPoll(ctx, "device", ErrorCodeSlowDown)
			return nil, ErrSlowDown("Polling too frequently; interval increased")
		}
		return nil, ErrServerError("Failed to record poll")
	}

	if !grant.UserAuthorized {
		s.recordPoll(ctx, "device", ErrorCodeAuthorizationPending)
		return nil, ErrAuthorizationPending("The user has not yet completed authorization")
	}

	// One-shot: consuming revokes the grant, so exactly one of two concurrent
	// exchanges wins and the loser observes access_denied.
	consumed, err := s.store.ConsumeDeviceAuthorization(ctx, deviceCode)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrInvalidState):
			s.auditor.LogReplay(security.EventDeviceCodeExchanged, clientID, "", grant.ID)
			s.recordPoll(ctx, "device", ErrorCodeAccessDenied)
			return nil, ErrAccessDenied("Device code already exchanged")
		case errors.Is(err, storage.ErrExpired):
			s.recordPoll(ctx, "device", ErrorCodeExpiredToken)
			return nil, ErrExpiredToken("Device code expired")
		default:
			return nil, ErrServerError("Failed to consume device authorization")
		}
	}

	tokens, err := s.tokens.Issue(consumed.UserID, clientID, consumed.Scope)
	if err != nil {
		s.logger.Error("Failed to issue tokens", "error", err)
		return nil, ErrServerError("Failed to issue tokens")
	}

	s.logger.Info("Device code exchanged",
		"client_id", clientID,
		"device_code_prefix", util.SafeTruncate(deviceCode, 8))
	s.auditor.LogRedemption(security.EventDeviceCodeExchanged, consumed.UserID, clientID, consumed.ID)
	if s.metrics != nil {
		s.metrics.DeviceExchanges.Add(ctx, 1)
		s.metrics.TokensIssued.Add(ctx, 1,
			metric.WithAttributes(attribute.String("grant_type", GrantTypeDeviceCode)))
	}
	s.recordPoll(ctx, "device", "success")

	return tokens, nil
}

func (s *Server) recordPoll(ctx context.Context, flow, result string) {
	if s.metrics != nil {
		s.metrics.RecordPoll(ctx, flow, result)
	}
}

// DeviceGrantRemaining recomputes expires_in for a stored grant; exposed for
// verification pages that show a countdown.
func DeviceGrantRemaining(grant *storage.DeviceAuthorization) int {
	return security.RemainingSeconds(grant.ExpiresAt, time.Now())
}
