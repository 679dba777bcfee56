package auth

import (
	"errors"
	"testing"
	"time"
)

func newTestIssuer(t *testing.T) *TokenIssuer {
	t.Helper()
	ti, err := NewTokenIssuer("test-secret", 30*time.Minute, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("new token issuer: %v", err)
	}
	return ti
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	ti := newTestIssuer(t)
	token, err := ti.IssueAccess("user-1")
	if err != nil {
		t.Fatalf("issue access: %v", err)
	}
	userID, err := ti.Verify(token, TokenAccess)
	if err != nil {
		t.Fatalf("verify access: %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("expected user-1, got %q", userID)
	}
}

func TestTokenTypeConfusionRejected(t *testing.T) {
	ti := newTestIssuer(t)
	refresh, err := ti.IssueRefresh("user-1")
	if err != nil {
		t.Fatalf("issue refresh: %v", err)
	}
	if _, err := ti.Verify(refresh, TokenAccess); !errors.Is(err, ErrTokenWrongType) {
		t.Fatalf("expected type mismatch for refresh-as-access, got %v", err)
	}
	access, err := ti.IssueAccess("user-1")
	if err != nil {
		t.Fatalf("issue access: %v", err)
	}
	if _, err := ti.Verify(access, TokenRefresh); !errors.Is(err, ErrTokenWrongType) {
		t.Fatalf("expected type mismatch for access-as-refresh, got %v", err)
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	ti := newTestIssuer(t)
	token, err := ti.IssueAccess("user-1")
	if err != nil {
		t.Fatalf("issue access: %v", err)
	}
	other, err := NewTokenIssuer("other-secret", 30*time.Minute, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("new token issuer: %v", err)
	}
	if _, err := other.Verify(token, TokenAccess); err == nil {
		t.Fatalf("expected verification failure for foreign secret")
	}
	if _, err := ti.Verify(token+"x", TokenAccess); err == nil {
		t.Fatalf("expected verification failure for tampered token")
	}
	if _, err := ti.Verify("", TokenAccess); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected invalid for empty token, got %v", err)
	}
}

func TestNewTokenIssuerValidation(t *testing.T) {
	if _, err := NewTokenIssuer("  ", time.Minute, time.Hour); err == nil {
		t.Fatalf("expected error for blank secret")
	}
	if _, err := NewTokenIssuer("secret", 0, time.Hour); err == nil {
		t.Fatalf("expected error for zero access ttl")
	}
}
