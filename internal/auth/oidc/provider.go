// Package oidc signs console users in through the identity provider (Auth0) using
// OpenID Connect discovery, the authorization-code flow and ID token verification.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/mlplatform/console-backend/internal/config"
)

// Identity is the caller as reported by a verified ID token.
type Identity struct {
	Subject       string
	Email         string
	Name          string
	EmailVerified bool
}

// idClaims are the ID token claims the console reads.
type idClaims struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	Name          string `json:"name"`
	Nickname      string `json:"nickname"`
	EmailVerified *bool  `json:"email_verified"`
}

// identity validates the claims and fills defaults. A missing email_verified
// claim is treated as verified because not every connection emits it.
func (c idClaims) identity() (*Identity, error) {
	if c.Sub == "" {
		return nil, errors.New("ID token missing 'sub' claim")
	}
	email := strings.ToLower(strings.TrimSpace(c.Email))
	if email == "" {
		return nil, errors.New("ID token missing 'email' claim")
	}
	name := c.Name
	if name == "" || name == c.Email {
		if c.Nickname != "" {
			name = c.Nickname
		} else {
			name = email
		}
	}
	return &Identity{
		Subject:       c.Sub,
		Email:         email,
		Name:          name,
		EmailVerified: c.EmailVerified == nil || *c.EmailVerified,
	}, nil
}

// Provider wraps the discovered OIDC provider
type Provider struct {
	verifier  *oidc.IDTokenVerifier
	oauth     *oauth2.Config
	provider  *oidc.Provider
	issuerURL string
	clientID  string
}

// NewProvider runs discovery against the issuer. ctx bounds the discovery request.
func NewProvider(ctx context.Context, cfg *config.OIDCConfig) (*Provider, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("OIDC is not enabled")
	}
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("OIDC issuer URL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("OIDC client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("OIDC client secret is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	return &Provider{
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       cfg.Scopes,
		},
		provider:  provider,
		issuerURL: strings.TrimRight(cfg.IssuerURL, "/"),
		clientID:  cfg.ClientID,
	}, nil
}

// AuthURL returns the authorization URL for state
func (p *Provider) AuthURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// Exchange trades the authorization code for tokens and returns the verified identity.
func (p *Provider) Exchange(ctx context.Context, code string) (*Identity, error) {
	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code for token: %w", err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, errors.New("token response has no id_token")
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	var claims idClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse ID token claims: %w", err)
	}
	return claims.identity()
}

// LogoutURL returns where to send the browser to end the IdP session. Providers
// that advertise end_session_endpoint get an RP-initiated logout; otherwise the
// Auth0 /v2/logout endpoint is used.
func (p *Provider) LogoutURL(returnTo string) string {
	var discovery struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if p.provider != nil {
		_ = p.provider.Claims(&discovery)
	}

	q := url.Values{}
	q.Set("client_id", p.clientID)
	if discovery.EndSessionEndpoint != "" {
		q.Set("post_logout_redirect_uri", returnTo)
		return discovery.EndSessionEndpoint + "?" + q.Encode()
	}
	q.Set("returnTo", returnTo)
	return p.issuerURL + "/v2/logout?" + q.Encode()
}
