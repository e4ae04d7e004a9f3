package security

import (
	"strings"
	"testing"
)

func TestGenerateUserCodeFormat(t *testing.T) {
	seen := make(map[string]bool)

	for range 100 {
		code, err := GenerateUserCode()
		if err != nil {
			t.Fatalf("GenerateUserCode: %v", err)
		}

		if len(code) != UserCodeLength+1 {
			t.Fatalf("user code %q has length %d, want %d", code, len(code), UserCodeLength+1)
		}
		if code[4] != '-' {
			t.Fatalf("user code %q missing separator at index 4", code)
		}
		for _, forbidden := range "0OI1" {
			if strings.ContainsRune(code, forbidden) {
				t.Fatalf("user code %q contains ambiguous symbol %q", code, forbidden)
			}
		}
		for _, ch := range strings.ReplaceAll(code, "-", "") {
			if !strings.ContainsRune(userCodeAlphabet, ch) {
				t.Fatalf("user code %q contains symbol %q outside the alphabet", code, ch)
			}
		}

		if seen[code] {
			t.Fatalf("duplicate user code %q in 100 draws", code)
		}
		seen[code] = true
	}
}

func TestGenerateDeviceCode(t *testing.T) {
	code, err := GenerateDeviceCode()
	if err != nil {
		t.Fatalf("GenerateDeviceCode: %v", err)
	}
	if len(code) != DeviceCodeLength {
		t.Fatalf("device code length %d, want %d", len(code), DeviceCodeLength)
	}
	for _, ch := range code {
		if !strings.ContainsRune(codeAlphabet, ch) {
			t.Fatalf("device code contains symbol %q outside the alphabet", ch)
		}
	}

	other, err := GenerateDeviceCode()
	if err != nil {
		t.Fatalf("GenerateDeviceCode: %v", err)
	}
	if code == other {
		t.Fatal("two device codes collided")
	}
}

func TestGenerateAuthCode(t *testing.T) {
	code, err := GenerateAuthCode()
	if err != nil {
		t.Fatalf("GenerateAuthCode: %v", err)
	}
	if len(code) != AuthCodeLength {
		t.Fatalf("auth code length %d, want %d", len(code), AuthCodeLength)
	}
}

func TestGenerateRequestURI(t *testing.T) {
	uri, err := GenerateRequestURI()
	if err != nil {
		t.Fatalf("GenerateRequestURI: %v", err)
	}
	if !strings.HasPrefix(uri, RequestURIPrefix) {
		t.Fatalf("request URI %q missing URN prefix", uri)
	}
	// UUID portion is 36 characters.
	if len(uri) != len(RequestURIPrefix)+36 {
		t.Fatalf("request URI %q has unexpected length %d", uri, len(uri))
	}
}

func TestGenerateAuthReqIDSortable(t *testing.T) {
	first, err := GenerateAuthReqID()
	if err != nil {
		t.Fatalf("GenerateAuthReqID: %v", err)
	}
	second, err := GenerateAuthReqID()
	if err != nil {
		t.Fatalf("GenerateAuthReqID: %v", err)
	}

	if !strings.HasPrefix(first, AuthReqIDPrefix) {
		t.Fatalf("auth_req_id %q missing URN prefix", first)
	}
	// UUIDv7 embeds a millisecond timestamp in its most significant bits, so
	// IDs minted in order compare in order (ties on the same millisecond are
	// broken by random bits and remain >=).
	if second < first {
		t.Fatalf("auth_req_ids not sortable: %q < %q", second, first)
	}
}

func TestNormalizeUserCode(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"ABCD-EFGH", "ABCD-EFGH"},
		{"abcd-efgh", "ABCD-EFGH"},
		{"ABCDEFGH", "ABCD-EFGH"},
		{"  abcd efgh  ", "ABCD-EFGH"},
		{"ab cd-ef gh", "ABCD-EFGH"},
		{"", ""},
		{"TOO-SHORT-XX", "TOO-SHORT-XX"},
	}

	for _, tt := range tests {
		if got := NormalizeUserCode(tt.input); got != tt.want {
			t.Errorf("NormalizeUserCode(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
