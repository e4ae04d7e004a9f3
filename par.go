package grants

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lumagate/oauth-grants/security"
	"github.com/lumagate/oauth-grants/storage"
)

// AuthorizationRequestData is the parameter set a client pushes ahead of the
// authorization redirect (RFC 9126). It round-trips through storage as an
// opaque JSON blob; the store never interprets it.
type AuthorizationRequestData struct {
	ResponseType        string `json:"response_type"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope,omitempty"`
	State               string `json:"state,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
}

// PushAuthorizationRequest stores an authorization request and returns the
// one-time request_uri that stands in for it at the authorization endpoint.
func (s *Server) PushAuthorizationRequest(ctx context.Context, data AuthorizationRequestData) (*PushedAuthorizationResponse, error) {
	if data.ClientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}
	if data.RedirectURI == "" {
		return nil, ErrInvalidRequest("redirect_uri is required")
	}
	// request_uri itself must never be pushed; that is the one parameter the
	// endpoint mints rather than accepts (RFC 9126 section 2.1).
	if data.ResponseType == "" {
		data.ResponseType = "code"
	}
	if data.CodeChallenge != "" {
		if err := s.checkChallengeMethod(data.CodeChallengeMethod); err != nil {
			return nil, err
		}
	}

	client, err := s.store.GetClient(ctx, data.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, ErrInvalidClient("Unknown client")
		}
		return nil, ErrServerError("Failed to look up client")
	}

	if !redirectURIRegistered(client, data.RedirectURI) {
		return nil, ErrInvalidRequest("redirect_uri is not registered for this client")
	}

	blob, err := json.Marshal(data)
	if err != nil {
		return nil, ErrServerError("Failed to serialize request data")
	}

	id, err := security.NewID()
	if err != nil {
		return nil, ErrServerError("Failed to generate request ID")
	}
	requestURI, err := security.GenerateRequestURI()
	if err != nil {
		return nil, ErrServerError("Failed to generate request_uri")
	}

	now := time.Now()
	stored := &storage.PushedAuthorizationRequest{
		ID:          id,
		RequestURI:  requestURI,
		ClientID:    data.ClientID,
		RequestData: blob,
		ExpiresAt:   now.Add(s.config.PushedRequestTTL),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.SavePushedRequest(ctx, stored); err != nil {
		s.logger.Error("Failed to save pushed request", "error", err)
		return nil, ErrServerError("Failed to save pushed request")
	}

	s.logger.Info("Pushed authorization request accepted", "client_id", data.ClientID)
	s.auditor.LogGrantIssued(security.EventPushedRequestAccepted, data.ClientID, "", stored.ID, data.Scope)
	if s.metrics != nil {
		s.metrics.PushedRequestsAccepted.Add(ctx, 1,
			metric.WithAttributes(attribute.String("client_id", data.ClientID)))
	}

	return &PushedAuthorizationResponse{
		RequestURI: requestURI,
		ExpiresIn:  security.RemainingSeconds(stored.ExpiresAt, now),
	}, nil
}

// RedeemAuthorizationRequest resolves a request_uri back into its parameters
// exactly once. The used flag is flipped in the store before the data comes
// back, so a duplicate redemption always loses.
func (s *Server) RedeemAuthorizationRequest(ctx context.Context, clientID, requestURI string) (*AuthorizationRequestData, error) {
	if requestURI == "" {
		return nil, ErrInvalidRequest("request_uri is required")
	}

	redeemed, err := s.store.RedeemPushedRequest(ctx, requestURI)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrPushedRequestNotFound):
			return nil, ErrInvalidRequestURI("Unknown request_uri")
		case errors.Is(err, storage.ErrExpired):
			return nil, ErrInvalidRequestURI("request_uri expired")
		case errors.Is(err, storage.ErrAlreadyUsed):
			s.auditor.LogReplay(security.EventPushedRequestReplayDetected, clientID, "", requestURI)
			if s.metrics != nil {
				s.metrics.ReplaysBlocked.Add(ctx, 1,
					metric.WithAttributes(attribute.String("artifact", "request_uri")))
			}
			return nil, ErrInvalidRequestURI("request_uri already used")
		default:
			return nil, ErrServerError("Failed to redeem request_uri")
		}
	}

	// The request_uri is bound to the pushing client. A mismatch burns the
	// request anyway (it was already marked used above), which is the safe
	// failure mode for a leaked URI.
	if redeemed.ClientID != clientID {
		s.auditor.LogAuthFailure("", clientID, "", "request_uri client mismatch")
		return nil, ErrInvalidRequestURI("request_uri was issued to a different client")
	}

	var data AuthorizationRequestData
	if err := json.Unmarshal(redeemed.RequestData, &data); err != nil {
		return nil, ErrServerError("Failed to decode request data")
	}

	s.logger.Info("Pushed authorization request redeemed", "client_id", clientID)
	s.auditor.LogRedemption(security.EventPushedRequestRedeemed, "", clientID, redeemed.ID)
	if s.metrics != nil {
		s.metrics.PushedRedemptions.Add(ctx, 1)
	}

	return &data, nil
}

func redirectURIRegistered(client *storage.Client, redirectURI string) bool {
	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			return true
		}
	}
	return false
}
