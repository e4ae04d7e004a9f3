package grants

import (
	"testing"
	"time"

	"github.com/lumagate/oauth-grants/internal/testutil"
)

func TestTokenIssuerRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer([]byte("0123456789abcdef0123456789abcdef"), "https://auth.example.com", time.Hour)

	resp, err := issuer.Issue("user-1", "test-client", "openid profile")
	testutil.RequireNoError(t, err)

	testutil.RequireEqual(t, resp.TokenType, "Bearer")
	testutil.RequireEqual(t, resp.ExpiresIn, 3600)
	testutil.RequireEqual(t, resp.Scope, "openid profile")
	if resp.RefreshToken == "" {
		t.Fatal("missing refresh token")
	}

	claims, err := issuer.Parse(resp.AccessToken)
	testutil.RequireNoError(t, err)
	testutil.RequireEqual(t, claims.Subject, "user-1")
	testutil.RequireEqual(t, claims.ClientID, "test-client")
	testutil.RequireEqual(t, claims.Issuer, "https://auth.example.com")
	if claims.ID == "" {
		t.Fatal("missing jti")
	}
}

func TestTokenIssuerRejectsWrongKey(t *testing.T) {
	issuer := NewTokenIssuer([]byte("0123456789abcdef0123456789abcdef"), "https://auth.example.com", time.Hour)
	other := NewTokenIssuer([]byte("ffffffffffffffffffffffffffffffff"), "https://auth.example.com", time.Hour)

	resp, err := issuer.Issue("user-1", "test-client", "")
	testutil.RequireNoError(t, err)

	if _, err := other.Parse(resp.AccessToken); err == nil {
		t.Fatal("token verified with the wrong key")
	}
}

func TestTokenIssuerRejectsWrongIssuer(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	minter := NewTokenIssuer(key, "https://other.example.com", time.Hour)
	verifier := NewTokenIssuer(key, "https://auth.example.com", time.Hour)

	resp, err := minter.Issue("user-1", "test-client", "")
	testutil.RequireNoError(t, err)

	if _, err := verifier.Parse(resp.AccessToken); err == nil {
		t.Fatal("token with foreign issuer verified")
	}
}

func TestTokenIssuerRejectsExpired(t *testing.T) {
	issuer := NewTokenIssuer([]byte("0123456789abcdef0123456789abcdef"), "https://auth.example.com", -time.Minute)

	resp, err := issuer.Issue("user-1", "test-client", "")
	testutil.RequireNoError(t, err)

	if _, err := issuer.Parse(resp.AccessToken); err == nil {
		t.Fatal("expired token verified")
	}
}

func TestOAuth2TokenConversion(t *testing.T) {
	resp := &TokenResponse{
		AccessToken:  "at",
		TokenType:    "Bearer",
		ExpiresIn:    3600,
		RefreshToken: "rt",
		Scope:        "openid",
	}

	tok := resp.OAuth2Token()
	testutil.RequireEqual(t, tok.AccessToken, "at")
	testutil.RequireEqual(t, tok.RefreshToken, "rt")
	if !tok.Expiry.After(time.Now().Add(59 * time.Minute)) {
		t.Errorf("unexpected expiry %v", tok.Expiry)
	}
	scope, _ := tok.Extra("scope").(string)
	testutil.RequireEqual(t, scope, "openid")
}
