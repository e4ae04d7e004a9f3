package valkey

import (
	"strings"
	"testing"
	"time"

	"github.com/lumagate/oauth-grants/security"
)

func TestGraceSeconds(t *testing.T) {
	def := &Store{skew: security.DefaultClockSkewGracePeriod}
	if got := def.graceSeconds(); got != 5 {
		t.Fatalf("default grace = %d, want 5", got)
	}

	strict := &Store{skew: 0}
	if got := strict.graceSeconds(); got != 0 {
		t.Fatalf("disabled grace = %d, want 0", got)
	}

	wide := &Store{skew: 30 * time.Second}
	if got := wide.graceSeconds(); got != 30 {
		t.Fatalf("custom grace = %d, want 30", got)
	}
}

func TestAuthReqIDLogSuffix(t *testing.T) {
	authReqID := security.AuthReqIDPrefix + "0190a1b2-0000-7000-8000-0000000000ab"

	// Log fields carry only a short suffix of the identifier, never the
	// whole URN.
	suffix := safeTruncate(strings.TrimPrefix(authReqID, security.AuthReqIDPrefix), codeLogLength)
	if len(suffix) != codeLogLength {
		t.Fatalf("suffix length = %d, want %d", len(suffix), codeLogLength)
	}
	if strings.Contains(suffix, "urn:") {
		t.Fatalf("suffix %q leaks the URN prefix", suffix)
	}
}
