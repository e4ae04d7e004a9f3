package grants

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/lumagate/oauth-grants/internal/testutil"
	"github.com/lumagate/oauth-grants/storage"
	"github.com/lumagate/oauth-grants/storage/memory"
)

func newTestServer(t *testing.T, mutators ...func(*Config)) *Server {
	t.Helper()

	store := memory.NewStore(memory.WithCleanupInterval(time.Hour))
	t.Cleanup(store.Stop)

	if err := store.SaveClient(context.Background(), testutil.NewClient()); err != nil {
		t.Fatalf("failed to seed client: %v", err)
	}

	cfg := Config{
		Issuer:          "https://auth.example.com",
		VerificationURI: "https://auth.example.com/device",
		SigningKey:      []byte("0123456789abcdef0123456789abcdef"),
	}
	for _, m := range mutators {
		m(&cfg)
	}

	server, err := NewServer(store, cfg)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	t.Cleanup(server.Close)
	return server
}

func requireGrantError(t *testing.T, err error, code string) {
	t.Helper()
	ge, ok := err.(*GrantError)
	if !ok {
		t.Fatalf("expected *GrantError with code %q, got %v", code, err)
	}
	if ge.Code != code {
		t.Fatalf("expected error code %q, got %q (%s)", code, ge.Code, ge.Description)
	}
}

func TestStartDeviceAuthorization(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	resp, err := s.StartDeviceAuthorization(ctx, "test-client", "openid")
	testutil.RequireNoError(t, err)

	if len(resp.DeviceCode) != 64 {
		t.Errorf("device code length %d, want 64", len(resp.DeviceCode))
	}
	if len(resp.UserCode) != 9 || resp.UserCode[4] != '-' {
		t.Errorf("malformed user code %q", resp.UserCode)
	}
	testutil.RequireEqual(t, resp.Interval, DefaultPollInterval)
	if resp.ExpiresIn <= 0 || resp.ExpiresIn > int(DefaultDeviceCodeTTL/time.Second) {
		t.Errorf("unexpected expires_in %d", resp.ExpiresIn)
	}
	if !strings.Contains(resp.VerificationURIComplete, "user_code=") {
		t.Errorf("verification_uri_complete missing user_code: %q", resp.VerificationURIComplete)
	}

	// The grant is persisted and pending.
	grant, err := s.Store().GetDeviceAuthorization(ctx, resp.DeviceCode)
	testutil.RequireNoError(t, err)
	if !grant.IsPending() {
		t.Fatal("fresh grant not pending")
	}
}

func TestStartDeviceAuthorizationUnknownClient(t *testing.T) {
	s := newTestServer(t)

	_, err := s.StartDeviceAuthorization(context.Background(), "ghost", "")
	requireGrantError(t, err, ErrorCodeInvalidClient)
}

func TestDeviceFlowEndToEnd(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	resp, err := s.StartDeviceAuthorization(ctx, "test-client", "openid profile")
	testutil.RequireNoError(t, err)

	// Polling before the user decides: authorization_pending.
	_, err = s.ExchangeDeviceCode(ctx, "test-client", resp.DeviceCode)
	requireGrantError(t, err, ErrorCodeAuthorizationPending)

	// User approves via the verification page; input arrives lowercase and
	// unseparated and still matches.
	typed := strings.ToLower(strings.ReplaceAll(resp.UserCode, "-", ""))
	testutil.RequireNoError(t, s.ApproveDevice(ctx, typed, "user-1"))

	// The slow_down check works off the persisted last-poll timestamp, so
	// instead of sleeping out the interval, age the timestamp.
	grant, err := s.Store().GetDeviceAuthorization(ctx, resp.DeviceCode)
	testutil.RequireNoError(t, err)
	testutil.RequireEqual(t, grant.UserID, "user-1")
	grant.LastPolledAt = time.Now().Add(-time.Minute)
	testutil.RequireNoError(t, s.Store().SaveDeviceAuthorization(ctx, grant))

	tokens, err := s.ExchangeDeviceCode(ctx, "test-client", resp.DeviceCode)
	testutil.RequireNoError(t, err)
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatal("token response incomplete")
	}
	testutil.RequireEqual(t, tokens.TokenType, "Bearer")
	testutil.RequireEqual(t, tokens.Scope, "openid profile")

	// The token is verifiable and bound to the approving user.
	claims, err := s.tokens.Parse(tokens.AccessToken)
	testutil.RequireNoError(t, err)
	testutil.RequireEqual(t, claims.Subject, "user-1")
	testutil.RequireEqual(t, claims.ClientID, "test-client")

	// A second exchange of the same device code is refused.
	_, err = s.ExchangeDeviceCode(ctx, "test-client", resp.DeviceCode)
	requireGrantError(t, err, ErrorCodeAccessDenied)
}

func TestDeviceDenial(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	resp, err := s.StartDeviceAuthorization(ctx, "test-client", "")
	testutil.RequireNoError(t, err)

	testutil.RequireNoError(t, s.DenyDevice(ctx, resp.UserCode))

	_, err = s.ExchangeDeviceCode(ctx, "test-client", resp.DeviceCode)
	requireGrantError(t, err, ErrorCodeAccessDenied)

	// Denial is terminal; the user cannot approve afterwards.
	err = s.ApproveDevice(ctx, resp.UserCode, "user-1")
	requireGrantError(t, err, ErrorCodeInvalidGrant)
}

func TestDeviceSlowDown(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	resp, err := s.StartDeviceAuthorization(ctx, "test-client", "")
	testutil.RequireNoError(t, err)

	// First poll records the timestamp.
	_, err = s.ExchangeDeviceCode(ctx, "test-client", resp.DeviceCode)
	requireGrantError(t, err, ErrorCodeAuthorizationPending)

	// Immediate second poll violates the interval.
	_, err = s.ExchangeDeviceCode(ctx, "test-client", resp.DeviceCode)
	requireGrantError(t, err, ErrorCodeSlowDown)

	grant, err := s.Store().GetDeviceAuthorization(ctx, resp.DeviceCode)
	testutil.RequireNoError(t, err)
	testutil.RequireEqual(t, grant.Interval, DefaultPollInterval+DefaultSlowDownIncrement)
}

func TestDeviceClientBinding(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	testutil.RequireNoError(t, s.Store().SaveClient(ctx, testutil.NewClient(func(c *storage.Client) {
		c.ClientID = "other-client"
	})))

	resp, err := s.StartDeviceAuthorization(ctx, "test-client", "")
	testutil.RequireNoError(t, err)

	// A different client polling with a leaked device code gets invalid_grant,
	// not authorization_pending.
	_, err = s.ExchangeDeviceCode(ctx, "other-client", resp.DeviceCode)
	requireGrantError(t, err, ErrorCodeInvalidGrant)
}

func TestDeviceExpiredCode(t *testing.T) {
	s := newTestServer(t, func(c *Config) {
		c.DeviceCodeTTL = time.Nanosecond
	})
	ctx := context.Background()

	resp, err := s.StartDeviceAuthorization(ctx, "test-client", "")
	testutil.RequireNoError(t, err)

	// Outside the clock-skew grace the code reports expired_token. The grace
	// window is seconds wide, so force expiry by rewriting the stored grant.
	grant, err := s.Store().GetDeviceAuthorization(ctx, resp.DeviceCode)
	testutil.RequireNoError(t, err)
	grant.ExpiresAt = time.Now().Add(-time.Minute)
	testutil.RequireNoError(t, s.Store().SaveDeviceAuthorization(ctx, grant))

	_, err = s.ExchangeDeviceCode(ctx, "test-client", resp.DeviceCode)
	requireGrantError(t, err, ErrorCodeExpiredToken)

	err = s.ApproveDevice(ctx, resp.UserCode, "user-1")
	requireGrantError(t, err, ErrorCodeExpiredToken)
}

func TestLookupUserCode(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	resp, err := s.StartDeviceAuthorization(ctx, "test-client", "openid")
	testutil.RequireNoError(t, err)

	grant, err := s.LookupUserCode(ctx, strings.ToLower(resp.UserCode))
	testutil.RequireNoError(t, err)
	testutil.RequireEqual(t, grant.ClientID, "test-client")

	_, err = s.LookupUserCode(ctx, "ZZZZ-ZZZZ")
	requireGrantError(t, err, ErrorCodeInvalidGrant)
}
