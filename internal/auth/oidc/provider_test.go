package oidc

import (
	"context"
	"strings"
	"testing"

	"golang.org/x/oauth2"

	"github.com/mlplatform/console-backend/internal/config"
)

// newTestProvider constructs a Provider without discovery, pointing the token
// endpoint at an unreachable port so exchange errors are immediate.
func newTestProvider() *Provider {
	return &Provider{
		oauth: &oauth2.Config{
			ClientID:     "test-client",
			ClientSecret: "test-secret",
			RedirectURL:  "http://localhost/auth/callback",
			Scopes:       []string{"openid", "email"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://tenant.auth0.example.com/authorize",
				TokenURL: "http://127.0.0.1:1/token",
			},
		},
		issuerURL: "https://tenant.auth0.example.com",
		clientID:  "test-client",
	}
}

func TestNewProvider_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.OIDCConfig
	}{
		{"disabled", config.OIDCConfig{Enabled: false}},
		{"missing issuer", config.OIDCConfig{Enabled: true, ClientID: "c", ClientSecret: "s"}},
		{"missing client id", config.OIDCConfig{Enabled: true, IssuerURL: "https://example.com", ClientSecret: "s"}},
		{"missing client secret", config.OIDCConfig{Enabled: true, IssuerURL: "https://example.com", ClientID: "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewProvider(context.Background(), &tt.cfg); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestAuthURL(t *testing.T) {
	u := newTestProvider().AuthURL("state-123")
	for _, want := range []string{"state=state-123", "client_id=test-client", "response_type=code"} {
		if !strings.Contains(u, want) {
			t.Errorf("AuthURL = %q, want to contain %q", u, want)
		}
	}
}

func TestExchange_NetworkError(t *testing.T) {
	if _, err := newTestProvider().Exchange(context.Background(), "code"); err == nil {
		t.Error("Exchange expected error for unreachable token endpoint, got nil")
	}
}

func TestLogoutURL_Auth0Fallback(t *testing.T) {
	u := newTestProvider().LogoutURL("https://console.example.com/")
	if !strings.HasPrefix(u, "https://tenant.auth0.example.com/v2/logout?") {
		t.Errorf("LogoutURL = %q", u)
	}
	if !strings.Contains(u, "returnTo=https%3A%2F%2Fconsole.example.com%2F") {
		t.Errorf("LogoutURL = %q, want returnTo", u)
	}
}

func TestClaimsIdentity(t *testing.T) {
	f := false
	tests := []struct {
		name     string
		claims   idClaims
		wantErr  bool
		wantName string
		verified bool
	}{
		{"full", idClaims{Sub: "auth0|1", Email: "Ada@Example.com", Name: "Ada Lovelace"}, false, "Ada Lovelace", true},
		{"name defaults to nickname", idClaims{Sub: "auth0|1", Email: "ada@example.com", Name: "ada@example.com", Nickname: "ada"}, false, "ada", true},
		{"name defaults to email", idClaims{Sub: "auth0|1", Email: "ada@example.com"}, false, "ada@example.com", true},
		{"unverified", idClaims{Sub: "auth0|1", Email: "ada@example.com", Name: "Ada", EmailVerified: &f}, false, "Ada", false},
		{"missing sub", idClaims{Email: "ada@example.com"}, true, "", false},
		{"missing email", idClaims{Sub: "auth0|1"}, true, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := tt.claims.identity()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if id.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", id.Name, tt.wantName)
			}
			if id.EmailVerified != tt.verified {
				t.Errorf("EmailVerified = %v, want %v", id.EmailVerified, tt.verified)
			}
			if id.Email != strings.ToLower(tt.claims.Email) {
				t.Errorf("Email = %q, want lowercased", id.Email)
			}
		})
	}
}
