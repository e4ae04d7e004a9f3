// Package pkce implements Proof Key for Code Exchange verification (RFC 7636).
//
// This is the single PKCE implementation for the library. The device,
// backchannel, and pushed-request flows all call Verify here; none of them
// carries its own copy, so challenge semantics cannot drift between flows.
package pkce

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// Challenge methods defined by RFC 7636.
const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

// Verify validates a code_verifier against a stored code_challenge.
//
//   - An empty challenge trivially succeeds: PKCE is optional unless the
//     caller enforces it before storing the grant.
//   - S256 computes SHA-256 over the ASCII bytes of the verifier and compares
//     the unpadded base64url encoding against the challenge in constant time.
//   - plain compares verifier and challenge directly, also in constant time.
//   - Any other method fails; there is no silent fallback.
func Verify(codeVerifier, codeChallenge, method string) error {
	if codeChallenge == "" {
		return nil
	}

	if codeVerifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}

	if err := validateVerifier(codeVerifier); err != nil {
		return err
	}

	var computed string
	switch method {
	case MethodS256:
		hash := sha256.Sum256([]byte(codeVerifier))
		computed = base64.RawURLEncoding.EncodeToString(hash[:])
	case MethodPlain:
		computed = codeVerifier
	default:
		return fmt.Errorf("unsupported code_challenge_method: %q", method)
	}

	// Constant-time comparison to prevent timing side channels
	if subtle.ConstantTimeCompare([]byte(computed), []byte(codeChallenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}

	return nil
}

// validateVerifier enforces the RFC 7636 section 4.1 verifier grammar:
// 43-128 characters from [A-Za-z0-9-._~]. Rejecting malformed verifiers up
// front keeps injection payloads out of the hash comparison entirely.
func validateVerifier(verifier string) error {
	if len(verifier) < 43 {
		return fmt.Errorf("code_verifier must be at least 43 characters (RFC 7636)")
	}
	if len(verifier) > 128 {
		return fmt.Errorf("code_verifier must be at most 128 characters (RFC 7636)")
	}
	for _, ch := range verifier {
		if (ch < 'A' || ch > 'Z') && (ch < 'a' || ch > 'z') && (ch < '0' || ch > '9') &&
			ch != '-' && ch != '.' && ch != '_' && ch != '~' {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}
	return nil
}
