package security

import (
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	// userCodeAlphabet is the 32-symbol alphabet for human-typable user codes.
	// 0, O, I, and 1 are excluded to prevent transcription errors when the
	// code is read off one screen and typed into another.
	userCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	// codeAlphabet is the 62-symbol alphabet for machine-held secrets
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// UserCodeLength is the number of symbols in a user code (separator excluded)
	UserCodeLength = 8

	// DeviceCodeLength is the length of a device code
	DeviceCodeLength = 64

	// AuthCodeLength is the length of a backchannel authorization code
	AuthCodeLength = 128

	// RequestURIPrefix is the URN prefix for PAR request URIs (RFC 9126)
	RequestURIPrefix = "urn:ietf:params:oauth:request_uri:"

	// AuthReqIDPrefix is the URN prefix for CIBA auth_req_id values
	AuthReqIDPrefix = "urn:ietf:params:oauth:ciba:auth-req-id:"
)

// randomFromAlphabet draws n symbols uniformly from alphabet using crypto/rand
// with rejection sampling, so no symbol is biased by the modulo.
//
// Entropy failure is returned to the caller and surfaced as a fatal server
// error; it is never retried silently.
func randomFromAlphabet(n int, alphabet string) (string, error) {
	// Largest multiple of len(alphabet) below 256; bytes at or above it are
	// rejected to keep the distribution uniform.
	limit := 256 - (256 % len(alphabet))

	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("secure random source unavailable: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

// GenerateUserCode returns an 8-symbol user code formatted XXXX-XXXX.
func GenerateUserCode() (string, error) {
	code, err := randomFromAlphabet(UserCodeLength, userCodeAlphabet)
	if err != nil {
		return "", err
	}
	return code[:UserCodeLength/2] + "-" + code[UserCodeLength/2:], nil
}

// GenerateDeviceCode returns a 64-character device code. This is the
// client-held secret and is never displayed to the user.
func GenerateDeviceCode() (string, error) {
	return randomFromAlphabet(DeviceCodeLength, codeAlphabet)
}

// GenerateAuthCode returns a 128-character backchannel authorization code.
func GenerateAuthCode() (string, error) {
	return randomFromAlphabet(AuthCodeLength, codeAlphabet)
}

// GenerateRequestURI returns a PAR request_uri: the RFC 9126 URN prefix
// wrapping a fresh UUIDv7, so stored request URIs sort by creation time.
func GenerateRequestURI() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("secure random source unavailable: %w", err)
	}
	return RequestURIPrefix + id.String(), nil
}

// GenerateAuthReqID returns a CIBA auth_req_id URN wrapping a fresh UUIDv7.
func GenerateAuthReqID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("secure random source unavailable: %w", err)
	}
	return AuthReqIDPrefix + id.String(), nil
}

// NewID returns a fresh 128-bit lexicographically sortable identifier for a
// persisted entity.
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("secure random source unavailable: %w", err)
	}
	return id.String(), nil
}

// NormalizeUserCode canonicalizes user input before lookup: uppercase, spaces
// stripped, and the display separator re-inserted if the user omitted it.
func NormalizeUserCode(input string) string {
	s := strings.ToUpper(strings.TrimSpace(input))
	s = strings.ReplaceAll(s, " ", "")
	if len(s) == UserCodeLength && !strings.Contains(s, "-") {
		s = s[:UserCodeLength/2] + "-" + s[UserCodeLength/2:]
	}
	return s
}
