package realtime

import (
	"errors"
	"testing"
	"time"
)

func TestTokenIssuer_RoundTripAndExpiry(t *testing.T) {
	t.Parallel()

	iss, err := NewTokenIssuer("0123456789abcdef", time.Hour)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)

	tok, err := iss.Issue("alice", now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	uid, err := iss.Verify(tok, now.Add(time.Minute))
	if err != nil || uid != "alice" {
		t.Fatalf("verify: uid=%q err=%v", uid, err)
	}

	if _, err := iss.Verify(tok, now.Add(2*time.Hour)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expiry to fail, got %v", err)
	}

	other, _ := NewTokenIssuer("fedcba9876543210", time.Hour)
	if _, err := other.Verify(tok, now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected signature mismatch, got %v", err)
	}
}

func TestNewTokenIssuer_ShortSecret(t *testing.T) {
	t.Parallel()

	if _, err := NewTokenIssuer("short", time.Hour); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
}
