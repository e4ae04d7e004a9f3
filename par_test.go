package grants

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/lumagate/oauth-grants/internal/testutil"
	"github.com/lumagate/oauth-grants/security"
	"github.com/lumagate/oauth-grants/storage"
	"github.com/lumagate/oauth-grants/storage/memory"
)

func TestPushAuthorizationRequest(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	resp, err := s.PushAuthorizationRequest(ctx, AuthorizationRequestData{
		ClientID:    "test-client",
		RedirectURI: "https://app.example.com/cb",
		Scope:       "openid",
		State:       "xyz",
	})
	testutil.RequireNoError(t, err)

	if !strings.HasPrefix(resp.RequestURI, security.RequestURIPrefix) {
		t.Fatalf("request_uri %q missing URN prefix", resp.RequestURI)
	}
	if resp.ExpiresIn <= 0 || resp.ExpiresIn > int(DefaultPushedRequestTTL/time.Second) {
		t.Errorf("unexpected expires_in %d", resp.ExpiresIn)
	}
}

func TestPushAuthorizationRequestValidation(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	// redirect_uri is mandatory.
	_, err := s.PushAuthorizationRequest(ctx, AuthorizationRequestData{
		ClientID: "test-client",
	})
	requireGrantError(t, err, ErrorCodeInvalidRequest)

	// The redirect_uri must be registered for the client.
	_, err = s.PushAuthorizationRequest(ctx, AuthorizationRequestData{
		ClientID:    "test-client",
		RedirectURI: "https://evil.example.com/cb",
	})
	requireGrantError(t, err, ErrorCodeInvalidRequest)

	_, err = s.PushAuthorizationRequest(ctx, AuthorizationRequestData{
		ClientID:    "ghost",
		RedirectURI: "https://app.example.com/cb",
	})
	requireGrantError(t, err, ErrorCodeInvalidClient)
}

func TestRedeemAuthorizationRequest(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, challenge := testutil.GeneratePKCEPair()
	pushed := AuthorizationRequestData{
		ClientID:            "test-client",
		RedirectURI:         "https://app.example.com/cb",
		Scope:               "openid profile",
		State:               "state-123",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	}
	resp, err := s.PushAuthorizationRequest(ctx, pushed)
	testutil.RequireNoError(t, err)

	data, err := s.RedeemAuthorizationRequest(ctx, "test-client", resp.RequestURI)
	testutil.RequireNoError(t, err)

	// response_type defaults to "code" when the client omits it.
	testutil.RequireEqual(t, data.ResponseType, "code")
	testutil.RequireEqual(t, data.ClientID, "test-client")
	testutil.RequireEqual(t, data.RedirectURI, pushed.RedirectURI)
	testutil.RequireEqual(t, data.Scope, pushed.Scope)
	testutil.RequireEqual(t, data.State, pushed.State)
	testutil.RequireEqual(t, data.CodeChallenge, challenge)
	testutil.RequireEqual(t, data.CodeChallengeMethod, "S256")

	// One shot only.
	_, err = s.RedeemAuthorizationRequest(ctx, "test-client", resp.RequestURI)
	requireGrantError(t, err, ErrorCodeInvalidRequestURI)
}

func TestRedeemAuthorizationRequestClientMismatch(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	resp, err := s.PushAuthorizationRequest(ctx, AuthorizationRequestData{
		ClientID:    "test-client",
		RedirectURI: "https://app.example.com/cb",
	})
	testutil.RequireNoError(t, err)

	// A different client redeeming a leaked request_uri is refused, and the
	// attempt burns the request for the legitimate client too.
	_, err = s.RedeemAuthorizationRequest(ctx, "other-client", resp.RequestURI)
	requireGrantError(t, err, ErrorCodeInvalidRequestURI)

	_, err = s.RedeemAuthorizationRequest(ctx, "test-client", resp.RequestURI)
	requireGrantError(t, err, ErrorCodeInvalidRequestURI)
}

func TestRedeemAuthorizationRequestExpired(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	expired := testutil.NewPushedRequest(func(p *storage.PushedAuthorizationRequest) {
		p.ExpiresAt = time.Now().Add(-time.Minute)
	})
	testutil.RequireNoError(t, s.Store().SavePushedRequest(ctx, expired))

	_, err := s.RedeemAuthorizationRequest(ctx, "test-client", expired.RequestURI)
	requireGrantError(t, err, ErrorCodeInvalidRequestURI)
}

func TestRedeemAuthorizationRequestUnknown(t *testing.T) {
	s := newTestServer(t)

	_, err := s.RedeemAuthorizationRequest(context.Background(), "test-client",
		security.RequestURIPrefix+"00000000-0000-0000-0000-000000000000")
	requireGrantError(t, err, ErrorCodeInvalidRequestURI)
}

func TestRedeemAuthorizationRequestClockSkewConfig(t *testing.T) {
	ctx := context.Background()

	recent := func() *storage.PushedAuthorizationRequest {
		return testutil.NewPushedRequest(func(p *storage.PushedAuthorizationRequest) {
			p.ExpiresAt = time.Now().Add(-2 * time.Second)
		})
	}

	// Under the default 5s grace a request 2s past expiry still redeems.
	lenient := newTestServer(t)
	req := recent()
	testutil.RequireNoError(t, lenient.Store().SavePushedRequest(ctx, req))
	_, err := lenient.RedeemAuthorizationRequest(ctx, "test-client", req.RequestURI)
	testutil.RequireNoError(t, err)

	// With the grace disabled in both the server config and the store, the
	// same request is already dead.
	store := memory.NewStore(memory.WithCleanupInterval(time.Hour), memory.WithClockSkewGrace(0))
	t.Cleanup(store.Stop)
	testutil.RequireNoError(t, store.SaveClient(ctx, testutil.NewClient()))

	strict, err := NewServer(store, Config{
		Issuer:               "https://auth.example.com",
		SigningKey:           []byte("0123456789abcdef0123456789abcdef"),
		ClockSkewGracePeriod: -1,
	})
	testutil.RequireNoError(t, err)
	t.Cleanup(strict.Close)

	req = recent()
	testutil.RequireNoError(t, store.SavePushedRequest(ctx, req))
	_, err = strict.RedeemAuthorizationRequest(ctx, "test-client", req.RequestURI)
	requireGrantError(t, err, ErrorCodeInvalidRequestURI)
}
