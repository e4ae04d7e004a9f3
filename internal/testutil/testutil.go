package testutil

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/lumagate/oauth-grants/storage"
)

// NewDeviceAuthorization returns a pending device grant with sane defaults.
// Pass mutators to adjust individual fields.
func NewDeviceAuthorization(mutators ...func(*storage.DeviceAuthorization)) *storage.DeviceAuthorization {
	now := time.Now()
	d := &storage.DeviceAuthorization{
		ID:                      "0190a1b2-0000-7000-8000-000000000001",
		DeviceCode:              "devicecode-0000000000000000000000000000000000000000000000000001",
		UserCode:                "ABCD-EFGH",
		ClientID:                "test-client",
		Scope:                   "openid profile",
		VerificationURI:         "https://example.com/device",
		VerificationURIComplete: "https://example.com/device?user_code=ABCD-EFGH",
		ExpiresAt:               now.Add(30 * time.Minute),
		Interval:                5,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	for _, m := range mutators {
		m(d)
	}
	return d
}

// NewBackchannelRequest returns a pending CIBA request with sane defaults.
func NewBackchannelRequest(mutators ...func(*storage.BackchannelRequest)) *storage.BackchannelRequest {
	now := time.Now()
	r := &storage.BackchannelRequest{
		ID:        "0190a1b2-0000-7000-8000-000000000002",
		AuthReqID: "urn:ietf:params:oauth:ciba:auth-req-id:0190a1b2-0000-7000-8000-000000000002",
		ClientID:  "test-client",
		LoginHint: "user@example.com",
		Scope:     "openid",
		Status:    storage.BackchannelPending,
		ExpiresAt: now.Add(10 * time.Minute),
		Interval:  5,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, m := range mutators {
		m(r)
	}
	return r
}

// NewBackchannelAuthCode returns an unredeemed CIBA auth code bound to the
// default request from NewBackchannelRequest.
func NewBackchannelAuthCode(mutators ...func(*storage.BackchannelAuthCode)) *storage.BackchannelAuthCode {
	now := time.Now()
	c := &storage.BackchannelAuthCode{
		ID:        "0190a1b2-0000-7000-8000-000000000003",
		Code:      "authcode-00000000000000000000000000000000000000000000000000000003",
		AuthReqID: "urn:ietf:params:oauth:ciba:auth-req-id:0190a1b2-0000-7000-8000-000000000002",
		ClientID:  "test-client",
		UserID:    "user-1",
		Scope:     "openid",
		ExpiresAt: now.Add(10 * time.Minute),
		CreatedAt: now,
	}
	for _, m := range mutators {
		m(c)
	}
	return c
}

// NewPushedRequest returns an unused pushed authorization request.
func NewPushedRequest(mutators ...func(*storage.PushedAuthorizationRequest)) *storage.PushedAuthorizationRequest {
	now := time.Now()
	p := &storage.PushedAuthorizationRequest{
		ID:          "0190a1b2-0000-7000-8000-000000000004",
		RequestURI:  "urn:ietf:params:oauth:request_uri:0190a1b2-0000-7000-8000-000000000004",
		ClientID:    "test-client",
		RequestData: []byte(`{"response_type":"code","client_id":"test-client","redirect_uri":"https://app.example.com/cb"}`),
		ExpiresAt:   now.Add(10 * time.Minute),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, m := range mutators {
		m(p)
	}
	return p
}

// NewClient returns a registered public client.
func NewClient(mutators ...func(*storage.Client)) *storage.Client {
	c := &storage.Client{
		ClientID:     "test-client",
		ClientType:   "public",
		ClientName:   "Test Client",
		RedirectURIs: []string{"https://app.example.com/cb"},
		Scopes:       []string{"openid", "profile"},
		CreatedAt:    time.Now(),
	}
	for _, m := range mutators {
		m(c)
	}
	return c
}

// GeneratePKCEPair returns a fresh verifier and its S256 challenge.
func GeneratePKCEPair() (verifier, challenge string) {
	verifier = oauth2.GenerateVerifier()
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge
}

// RequireNoError fails the test immediately if err is non-nil.
func RequireNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// RequireErrorIs fails the test immediately unless errors.Is(err, target).
func RequireErrorIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected error %v, got %v", target, err)
	}
}

// RequireEqual fails the test if got != want.
func RequireEqual[T comparable](t *testing.T, got, want T) {
	t.Helper()
	if got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}
