package auth

import (
	"testing"
	"time"
)

const testSecret = "test-session-secret-that-is-32-chars!"

func TestNewSessions(t *testing.T) {
	t.Run("configured secret", func(t *testing.T) {
		s, err := NewSessions(testSecret, time.Hour, false)
		if err != nil {
			t.Fatalf("NewSessions() unexpected error: %v", err)
		}
		if s.TTL() != time.Hour {
			t.Errorf("TTL() = %v, want 1h", s.TTL())
		}
	})

	t.Run("production requires secret", func(t *testing.T) {
		if _, err := NewSessions("", time.Hour, false); err == nil {
			t.Error("NewSessions() expected error without secret outside dev mode, got nil")
		}
	})

	t.Run("dev mode generates secret", func(t *testing.T) {
		s, err := NewSessions("", 0, true)
		if err != nil {
			t.Fatalf("NewSessions() unexpected error in dev mode: %v", err)
		}
		if len(s.secret) == 0 {
			t.Error("generated secret is empty")
		}
		if s.TTL() != 8*time.Hour {
			t.Errorf("default TTL = %v, want 8h", s.TTL())
		}
	})
}

func TestIssueAndValidate(t *testing.T) {
	s, err := NewSessions(testSecret, time.Hour, false)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("round trip", func(t *testing.T) {
		token, err := s.Issue("auth0|123", "dev@example.com")
		if err != nil {
			t.Fatalf("Issue() error: %v", err)
		}
		claims, err := s.Validate(token)
		if err != nil {
			t.Fatalf("Validate() error: %v", err)
		}
		if claims.UserID != "auth0|123" {
			t.Errorf("claims.UserID = %q, want %q", claims.UserID, "auth0|123")
		}
		if claims.Email != "dev@example.com" {
			t.Errorf("claims.Email = %q", claims.Email)
		}
		if claims.Issuer != sessionIssuer {
			t.Errorf("claims.Issuer = %q, want %q", claims.Issuer, sessionIssuer)
		}
	})

	t.Run("expired token is rejected", func(t *testing.T) {
		token, err := s.Issue("uid", "u@example.com")
		if err != nil {
			t.Fatal(err)
		}
		later := &Sessions{secret: s.secret, ttl: s.ttl, now: func() time.Time { return time.Now().Add(2 * time.Hour) }}
		if _, err := later.Validate(token); err == nil {
			t.Error("Validate() expected error for expired token, got nil")
		}
	})

	t.Run("garbage and empty tokens", func(t *testing.T) {
		for _, tok := range []string{"not.a.valid.token", ""} {
			if _, err := s.Validate(tok); err == nil {
				t.Errorf("Validate(%q) expected error, got nil", tok)
			}
		}
	})

	t.Run("different secret is rejected", func(t *testing.T) {
		token, err := s.Issue("uid", "u@example.com")
		if err != nil {
			t.Fatal(err)
		}
		other, _ := NewSessions("completely-different-secret-32chars!", time.Hour, false)
		if _, err := other.Validate(token); err == nil {
			t.Error("Validate() expected error for token signed with another secret, got nil")
		}
	})
}
