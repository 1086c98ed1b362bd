package authx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef-test"

func TestSignAndVerify(t *testing.T) {
	s, err := NewSessionSigner(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("NewSessionSigner: %v", err)
	}
	raw, issued, err := s.Sign("ARS-User1", "sess-1")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	got, err := s.Verify(raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.Subject != "ARS-User1" || got.SessionID != "sess-1" {
		t.Fatalf("unexpected auth %+v", got)
	}
	if !got.ExpiresAt.Equal(issued.ExpiresAt) {
		t.Fatalf("expiry mismatch %v vs %v", got.ExpiresAt, issued.ExpiresAt)
	}
}

func TestVerifyRejects(t *testing.T) {
	s, _ := NewSessionSigner(testSecret, time.Minute)
	other, _ := NewSessionSigner("another-secret-value", time.Minute)
	raw, _, _ := other.Sign("ARS-User1", "sess-1")
	if _, err := s.Verify(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected wrong-key token to fail, got %v", err)
	}

	base := time.Now()
	s.now = func() time.Time { return base }
	expired, _, _ := s.Sign("ARS-User2", "sess-2")
	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := s.Verify(expired); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "Hacker", ID: "x", Issuer: issuer})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := s.Verify(unsigned); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected alg none to fail, got %v", err)
	}

	if _, err := s.Verify("  "); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected empty token to fail")
	}
}

func TestNewSessionSignerValidation(t *testing.T) {
	if _, err := NewSessionSigner("short", time.Hour); err == nil {
		t.Fatalf("expected error for short secret")
	}
	if _, err := NewSessionSigner(testSecret, 0); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
}

func TestBearerToken(t *testing.T) {
	if tok, ok := BearerToken("Bearer abc"); !ok || tok != "abc" {
		t.Fatalf("unexpected %q %v", tok, ok)
	}
	if tok, ok := BearerToken("bearer   xyz "); !ok || tok != "xyz" {
		t.Fatalf("unexpected %q %v", tok, ok)
	}
	for _, h := range []string{"", "Basic abc", "Bearer ", "Bearer"} {
		if _, ok := BearerToken(h); ok {
			t.Fatalf("expected %q to be rejected", h)
		}
	}
}

func TestAuthContextRoundTrip(t *testing.T) {
	ctx := WithAuth(context.Background(), AuthContext{Subject: "Hacker"})
	got, ok := FromContext(ctx)
	if !ok || got.Subject != "Hacker" {
		t.Fatalf("unexpected %+v %v", got, ok)
	}
	if _, ok := FromContext(context.Background()); ok {
		t.Fatalf("expected no auth on bare context")
	}
}
