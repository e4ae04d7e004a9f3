package grants

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lumagate/oauth-grants/internal/util"
	"github.com/lumagate/oauth-grants/pkce"
	"github.com/lumagate/oauth-grants/security"
	"github.com/lumagate/oauth-grants/storage"
)

// StartBackchannelAuthentication begins a CIBA flow: the client asks the
// server to authenticate a user it identifies by hint, and receives an
// auth_req_id to poll with.
func (s *Server) StartBackchannelAuthentication(ctx context.Context, req BackchannelAuthenticationRequest) (*BackchannelAuthenticationResponse, error) {
	if req.ClientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}
	if req.LoginHint == "" && req.LoginHintToken == "" && req.IDTokenHint == "" {
		return nil, ErrInvalidRequest("one of login_hint, login_hint_token, or id_token_hint is required")
	}

	mode := req.DeliveryMode
	switch mode {
	case "":
		mode = BackchannelModePoll
		if req.NotificationEndpoint != "" {
			mode = BackchannelModePing
		}
	case BackchannelModePoll, BackchannelModePing, BackchannelModePush:
	default:
		return nil, ErrInvalidRequest("unsupported backchannel delivery mode")
	}
	if mode != BackchannelModePoll && (req.NotificationEndpoint == "" || req.NotificationToken == "") {
		return nil, ErrInvalidRequest("client_notification_endpoint and client_notification_token are required for ping and push delivery")
	}

	if _, err := s.store.GetClient(ctx, req.ClientID); err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, ErrInvalidClient("Unknown client")
		}
		return nil, ErrServerError("Failed to look up client")
	}

	ttl := s.config.BackchannelTTL
	if req.RequestedExpiry > 0 {
		requested := time.Duration(req.RequestedExpiry) * time.Second
		if requested > MaxRequestedExpiry {
			return nil, ErrInvalidRequest("requested_expiry exceeds the maximum")
		}
		ttl = requested
	}

	id, err := security.NewID()
	if err != nil {
		return nil, ErrServerError("Failed to generate request ID")
	}
	authReqID, err := security.GenerateAuthReqID()
	if err != nil {
		return nil, ErrServerError("Failed to generate auth_req_id")
	}

	now := time.Now()
	stored := &storage.BackchannelRequest{
		ID:                   id,
		AuthReqID:            authReqID,
		ClientID:             req.ClientID,
		LoginHint:            req.LoginHint,
		LoginHintToken:       req.LoginHintToken,
		IDTokenHint:          req.IDTokenHint,
		BindingMessage:       req.BindingMessage,
		UserCode:             req.UserCode,
		Scope:                req.Scope,
		RequestedExpiry:      req.RequestedExpiry,
		Status:               storage.BackchannelPending,
		NotificationEndpoint: req.NotificationEndpoint,
		NotificationToken:    req.NotificationToken,
		ExpiresAt:            now.Add(ttl),
		Interval:             s.config.PollInterval,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := s.store.SaveBackchannelRequest(ctx, stored); err != nil {
		s.logger.Error("Failed to save backchannel request", "error", err)
		return nil, ErrServerError("Failed to save backchannel request")
	}

	s.logger.Info("Backchannel authentication started",
		"client_id", req.ClientID,
		"delivery_mode", mode)
	s.auditor.LogGrantIssued(security.EventBackchannelRequestIssued, req.ClientID, "", stored.ID, req.Scope)
	if s.metrics != nil {
		s.metrics.BackchannelRequestsIssued.Add(ctx, 1,
			metric.WithAttributes(attribute.String("client_id", req.ClientID)))
	}

	return &BackchannelAuthenticationResponse{
		AuthReqID: authReqID,
		ExpiresIn: security.RemainingSeconds(stored.ExpiresAt, now),
		Interval:  stored.Interval,
	}, nil
}

// AuthorizeBackchannel records the user's approval of a CIBA request.
// Exactly one decision wins a concurrent race; the loser gets invalid_grant.
func (s *Server) AuthorizeBackchannel(ctx context.Context, authReqID, userID string) error {
	if userID == "" {
		return ErrInvalidRequest("user ID is required")
	}

	req, err := s.store.AuthorizeBackchannelRequest(ctx, authReqID, userID, time.Now())
	if err != nil {
		return s.mapBackchannelDecisionError(err)
	}

	s.logger.Info("Backchannel request authorized", "client_id", req.ClientID)
	s.auditor.LogGrantDecision(security.EventBackchannelAuthorized, userID, req.ClientID, req.ID)
	if s.metrics != nil {
		s.metrics.BackchannelDecisions.Add(ctx, 1,
			metric.WithAttributes(attribute.String("outcome", "authorized")))
	}
	return nil
}

// DenyBackchannel records the user's denial of a CIBA request (terminal).
func (s *Server) DenyBackchannel(ctx context.Context, authReqID string) error {
	req, err := s.store.DenyBackchannelRequest(ctx, authReqID, time.Now())
	if err != nil {
		return s.mapBackchannelDecisionError(err)
	}

	s.logger.Info("Backchannel request denied", "client_id", req.ClientID)
	s.auditor.LogGrantDecision(security.EventBackchannelDenied, "", req.ClientID, req.ID)
	if s.metrics != nil {
		s.metrics.BackchannelDecisions.Add(ctx, 1,
			metric.WithAttributes(attribute.String("outcome", "denied")))
	}
	return nil
}

func (s *Server) mapBackchannelDecisionError(err error) error {
	switch {
	case errors.Is(err, storage.ErrBackchannelRequestNotFound):
		return ErrInvalidGrant("Unknown auth_req_id")
	case errors.Is(err, storage.ErrExpired):
		return ErrExpiredToken("Authentication request expired")
	case errors.Is(err, storage.ErrInvalidState):
		return ErrInvalidGrant("Authentication request already decided")
	default:
		return ErrServerError("Failed to update backchannel request")
	}
}

// IssueCodeOptions carries the optional bindings attached to a backchannel
// authorization code at mint time.
type IssueCodeOptions struct {
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
}

// IssueBackchannelCode mints the one-time authorization code for an
// authorized request, typically to deliver through a ping/push notification
// channel. A request holds at most one live code; a second mint while the
// first is live fails with invalid_grant.
func (s *Server) IssueBackchannelCode(ctx context.Context, authReqID string, opts IssueCodeOptions) (*storage.BackchannelAuthCode, error) {
	req, err := s.store.GetBackchannelRequest(ctx, authReqID)
	if err != nil {
		if errors.Is(err, storage.ErrBackchannelRequestNotFound) {
			return nil, ErrInvalidGrant("Unknown auth_req_id")
		}
		return nil, ErrServerError("Failed to look up backchannel request")
	}

	// Fast path for settled requests; the store re-validates atomically below.
	if req.Status.Terminal() {
		return nil, ErrInvalidGrant("Authentication request already completed")
	}

	if opts.CodeChallenge != "" {
		if err := s.checkChallengeMethod(opts.CodeChallengeMethod); err != nil {
			return nil, err
		}
	}

	id, err := security.NewID()
	if err != nil {
		return nil, ErrServerError("Failed to generate code ID")
	}
	codeValue, err := security.GenerateAuthCode()
	if err != nil {
		return nil, ErrServerError("Failed to generate authorization code")
	}

	now := time.Now()
	code := &storage.BackchannelAuthCode{
		ID:                  id,
		Code:                codeValue,
		AuthReqID:           authReqID,
		ClientID:            req.ClientID,
		UserID:              req.UserID,
		Scope:               req.Scope,
		RedirectURI:         opts.RedirectURI,
		CodeChallenge:       opts.CodeChallenge,
		CodeChallengeMethod: opts.CodeChallengeMethod,
		ExpiresAt:           now.Add(s.config.BackchannelCodeTTL),
		CreatedAt:           now,
	}

	// The parent-status and one-live-code checks happen inside the store op,
	// not here; a stale read above cannot produce a second live code.
	if err := s.store.CreateBackchannelAuthCode(ctx, code); err != nil {
		switch {
		case errors.Is(err, storage.ErrBackchannelRequestNotFound):
			return nil, ErrInvalidGrant("Unknown auth_req_id")
		case errors.Is(err, storage.ErrInvalidState):
			return nil, ErrInvalidGrant("Authentication request is not authorized or already has a code")
		default:
			return nil, ErrServerError("Failed to create authorization code")
		}
	}

	s.logger.Info("Backchannel authorization code issued",
		"client_id", req.ClientID,
		"code_prefix", util.SafeTruncate(codeValue, 8))
	s.auditor.LogEvent(security.Event{
		Type:     security.EventBackchannelCodeIssued,
		UserID:   req.UserID,
		ClientID: req.ClientID,
		Details:  map[string]any{"grant_id": req.ID},
	})
	if s.metrics != nil {
		s.metrics.BackchannelCodesIssued.Add(ctx, 1)
	}

	return code, nil
}

// RedeemBackchannelCode exchanges a one-time backchannel authorization code
// for tokens, verifying PKCE first. A PKCE failure does not burn the code:
// the atomic redemption only runs after the verifier checks out, so there is
// no partial success.
func (s *Server) RedeemBackchannelCode(ctx context.Context, clientID, codeValue, codeVerifier string) (*TokenResponse, error) {
	if codeValue == "" {
		return nil, ErrInvalidRequest("code is required")
	}

	code, err := s.store.GetBackchannelAuthCode(ctx, codeValue)
	if err != nil {
		if errors.Is(err, storage.ErrBackchannelCodeNotFound) {
			return nil, ErrInvalidGrant("Authorization code is invalid or expired")
		}
		return nil, ErrServerError("Failed to look up authorization code")
	}

	if code.ClientID != clientID {
		s.auditor.LogAuthFailure("", clientID, "", "backchannel code client mismatch")
		return nil, ErrInvalidGrant("Authorization code is invalid or expired")
	}

	if code.CodeChallenge != "" {
		if err := s.checkChallengeMethod(code.CodeChallengeMethod); err != nil {
			return nil, err
		}
	}
	if err := pkce.Verify(codeVerifier, code.CodeChallenge, code.CodeChallengeMethod); err != nil {
		s.auditor.LogEvent(security.Event{
			Type:     security.EventPKCEValidationFailed,
			ClientID: clientID,
			Details:  map[string]any{"grant_id": code.ID, "error": err.Error()},
		})
		if s.metrics != nil {
			s.metrics.PKCEFailures.Add(ctx, 1)
		}
		return nil, ErrInvalidGrant("PKCE verification failed")
	}

	redeemed, err := s.store.RedeemBackchannelAuthCode(ctx, codeValue)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrBackchannelCodeNotFound),
			errors.Is(err, storage.ErrBackchannelRequestNotFound):
			return nil, ErrInvalidGrant("Authorization code is invalid or expired")
		case errors.Is(err, storage.ErrExpired):
			return nil, ErrExpiredToken("Authorization code expired")
		case errors.Is(err, storage.ErrAlreadyConsumed):
			s.auditor.LogReplay(security.EventBackchannelReplayDetected, clientID, "", code.ID)
			if s.metrics != nil {
				s.metrics.ReplaysBlocked.Add(ctx, 1,
					metric.WithAttributes(attribute.String("artifact", "backchannel_code")))
			}
			return nil, ErrInvalidGrant("Authorization code already used")
		case errors.Is(err, storage.ErrInvalidState):
			return nil, ErrInvalidGrant("Authentication request is no longer authorized")
		default:
			return nil, ErrServerError("Failed to redeem authorization code")
		}
	}

	tokens, err := s.tokens.Issue(redeemed.UserID, clientID, redeemed.Scope)
	if err != nil {
		s.logger.Error("Failed to issue tokens", "error", err)
		return nil, ErrServerError("Failed to issue tokens")
	}

	s.logger.Info("Backchannel code redeemed",
		"client_id", clientID,
		"code_prefix", util.SafeTruncate(codeValue, 8))
	s.auditor.LogRedemption(security.EventBackchannelCodeRedeemed, redeemed.UserID, clientID, redeemed.ID)
	if s.metrics != nil {
		s.metrics.BackchannelRedemptions.Add(ctx, 1)
		s.metrics.TokensIssued.Add(ctx, 1,
			metric.WithAttributes(attribute.String("grant_type", GrantTypeCIBA)))
	}

	return tokens, nil
}

// ExchangeBackchannel is the token-endpoint poll for the CIBA grant
// (grant_type urn:openid:params:grant-type:ciba, poll mode).
//
// While the request is pending the client gets authorization_pending, with
// the slow_down rule applied the same way as the device flow. Once the user
// authorizes, the exchange mints the request's one-time code internally and
// redeems it in the same call, so the Consumed transition goes through the
// same atomic path in every delivery mode.
func (s *Server) ExchangeBackchannel(ctx context.Context, clientID, authReqID string) (*TokenResponse, error) {
	if authReqID == "" {
		return nil, ErrInvalidRequest("auth_req_id is required")
	}

	req, err := s.store.GetBackchannelRequest(ctx, authReqID)
	if err != nil {
		if errors.Is(err, storage.ErrBackchannelRequestNotFound) {
			s.recordPoll(ctx, "backchannel", ErrorCodeInvalidGrant)
			return nil, ErrInvalidGrant("auth_req_id is invalid or expired")
		}
		return nil, ErrServerError("Failed to look up backchannel request")
	}

	if req.ClientID != clientID {
		s.auditor.LogAuthFailure("", clientID, "", "auth_req_id client mismatch")
		s.recordPoll(ctx, "backchannel", ErrorCodeInvalidGrant)
		return nil, ErrInvalidGrant("auth_req_id is invalid or expired")
	}

	// CanBePolled applies the package-default grace; the configured grace can
	// only be stricter, so either predicate failing means expired here.
	if req.Status == storage.BackchannelPending &&
		(!req.CanBePolled() || s.expired(req.ExpiresAt)) {
		s.recordPoll(ctx, "backchannel", ErrorCodeExpiredToken)
		return nil, ErrExpiredToken("Authentication request expired")
	}

	switch req.Status {
	case storage.BackchannelDenied:
		s.recordPoll(ctx, "backchannel", ErrorCodeAccessDenied)
		return nil, ErrAccessDenied("The user denied the authentication request")

	case storage.BackchannelExpired:
		s.recordPoll(ctx, "backchannel", ErrorCodeExpiredToken)
		return nil, ErrExpiredToken("Authentication request expired")

	case storage.BackchannelConsumed:
		s.auditor.LogReplay(security.EventBackchannelReplayDetected, clientID, "", req.ID)
		s.recordPoll(ctx, "backchannel", ErrorCodeInvalidGrant)
		return nil, ErrInvalidGrant("Authentication request already completed")

	case storage.BackchannelPending:
		if _, err := s.store.TouchBackchannelPoll(ctx, authReqID, time.Now(), s.config.SlowDownIncrement); err != nil {
			if errors.Is(err, storage.ErrSlowDown) {
				s.recordPoll(ctx, "backchannel", ErrorCodeSlowDown)
				return nil, ErrSlowDown("Polling too frequently; interval increased")
			}
			return nil, ErrServerError("Failed to record poll")
		}
		s.recordPoll(ctx, "backchannel", ErrorCodeAuthorizationPending)
		return nil, ErrAuthorizationPending("The user has not yet completed authentication")

	case storage.BackchannelAuthorized:
		// Mint-and-redeem below.
	default:
		return nil, ErrServerError("Unexpected authentication request state")
	}

	code, err := s.IssueBackchannelCode(ctx, authReqID, IssueCodeOptions{})
	if err != nil {
		// A live code means the host chose ping/push delivery for this
		// request; the poll path must not bypass its PKCE binding.
		var ge *GrantError
		if errors.As(err, &ge) && ge.Code == ErrorCodeInvalidGrant {
			s.recordPoll(ctx, "backchannel", ErrorCodeInvalidGrant)
			return nil, ErrInvalidGrant("Authentication result must be redeemed with its authorization code")
		}
		return nil, err
	}

	tokens, err := s.RedeemBackchannelCode(ctx, clientID, code.Code, "")
	if err != nil {
		return nil, err
	}

	s.recordPoll(ctx, "backchannel", "success")
	return tokens, nil
}

// checkChallengeMethod enforces the configured PKCE method policy at code
// mint and redeem time; verification itself lives in the pkce package.
func (s *Server) checkChallengeMethod(method string) error {
	switch method {
	case pkce.MethodS256:
		return nil
	case pkce.MethodPlain:
		if s.config.AllowPKCEPlain {
			return nil
		}
		return ErrInvalidRequest("code_challenge_method plain is not allowed")
	default:
		return ErrInvalidRequest("unsupported code_challenge_method")
	}
}
