package grants

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/lumagate/oauth-grants/security"
)

// AccessTokenClaims are the JWT claims minted for every successful grant
type AccessTokenClaims struct {
	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer mints the token-endpoint response for a completed grant:
// an HS256-signed JWT access token plus an opaque refresh token.
type TokenIssuer struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
}

// NewTokenIssuer creates a token issuer
func NewTokenIssuer(signingKey []byte, issuer string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{
		signingKey: signingKey,
		issuer:     issuer,
		ttl:        ttl,
	}
}

// Issue mints a token response for the given subject.
func (t *TokenIssuer) Issue(userID, clientID, scope string) (*TokenResponse, error) {
	now := time.Now()

	jti, err := security.NewID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token ID: %w", err)
	}

	claims := AccessTokenClaims{
		ClientID: clientID,
		Scope:    scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{clientID},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        jti,
		},
	}

	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.signingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	// GenerateVerifier produces 32 bytes of base64url-encoded entropy, a
	// good shape for an opaque refresh token.
	refreshToken := oauth2.GenerateVerifier()

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(t.ttl / time.Second),
		RefreshToken: refreshToken,
		Scope:        scope,
	}, nil
}

// Parse validates an access token's signature and registered claims and
// returns its claims. Used by hosts that verify tokens locally.
func (t *TokenIssuer) Parse(tokenString string) (*AccessTokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AccessTokenClaims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return t.signingKey, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid access token: %w", err)
	}

	claims, ok := token.Claims.(*AccessTokenClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid access token claims")
	}
	return claims, nil
}

// OAuth2Token converts a TokenResponse into an *oauth2.Token for callers that
// feed the result into golang.org/x/oauth2 machinery.
func (r *TokenResponse) OAuth2Token() *oauth2.Token {
	return (&oauth2.Token{
		AccessToken:  r.AccessToken,
		TokenType:    r.TokenType,
		RefreshToken: r.RefreshToken,
		Expiry:       time.Now().Add(time.Duration(r.ExpiresIn) * time.Second),
	}).WithExtra(map[string]any{"scope": r.Scope})
}
