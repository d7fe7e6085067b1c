package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIssuerRoundTrip(t *testing.T) {
	iss := NewIssuer("secret", time.Hour)

	tok, err := iss.GenerateToken("u1", RoleAdmin)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	claims, err := iss.ValidateToken(tok)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims.UserID != "u1" {
		t.Fatalf("expected user u1, got %q", claims.UserID)
	}
	if !claims.Privileged() {
		t.Fatal("expected admin claims to be privileged")
	}
}

func TestIssuerRejects(t *testing.T) {
	iss := NewIssuer("secret", time.Hour)

	t.Run("wrong secret", func(t *testing.T) {
		tok, _ := NewIssuer("other", time.Hour).GenerateToken("u1", RoleUser)
		if _, err := iss.ValidateToken(tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		// NewIssuer replaces a non-positive ttl, so build one by hand.
		short := &Issuer{key: []byte("secret"), ttl: -time.Minute}
		tok, _ := short.GenerateToken("u1", RoleUser)
		if _, err := iss.ValidateToken(tok); err == nil {
			t.Fatal("expected expired token to be rejected")
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := iss.ValidateToken("not-a-token"); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	if got := BearerToken(r); got != "" {
		t.Fatalf("expected empty token, got %q", got)
	}

	r.Header.Set("Authorization", "Bearer abc.def")
	if got := BearerToken(r); got != "abc.def" {
		t.Fatalf("expected abc.def, got %q", got)
	}

	r.Header.Set("Authorization", "Basic xyz")
	if got := BearerToken(r); got != "" {
		t.Fatalf("expected empty token for basic auth, got %q", got)
	}
}
