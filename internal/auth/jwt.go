// Package auth - jwt.go issues and verifies the HS256 session token handed to the
// console front end after an identity-provider login.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const sessionIssuer = "mlp-console"

// minSecretLength is the shortest secret accepted without a warning.
const minSecretLength = 32

// Claims represents the session token claims
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// Sessions signs and verifies session tokens with a shared secret.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSessions validates the configured secret. An empty secret is an error unless
// devMode is set, in which case a random per-process secret is generated and
// sessions do not survive a restart.
func NewSessions(secret string, ttl time.Duration, devMode bool) (*Sessions, error) {
	if secret == "" {
		if !devMode {
			return nil, errors.New("auth.session.secret is required outside development; generate one with: openssl rand -hex 32")
		}
		generated, err := randomSecret()
		if err != nil {
			return nil, err
		}
		slog.Warn("auth.session.secret not set, using a generated secret; sessions will not persist across restarts")
		secret = generated
	} else if len(secret) < minSecretLength {
		slog.Warn("auth.session.secret is shorter than recommended", "min_length", minSecretLength)
	}
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	return &Sessions{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// TTL returns the session lifetime.
func (s *Sessions) TTL() time.Duration { return s.ttl }

// Issue creates a session token for the user
func (s *Sessions) Issue(userID, email string) (string, error) {
	now := s.now()
	claims := &Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    sessionIssuer,
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and verifies a session token
func (s *Sessions) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithIssuer(sessionIssuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.UserID == "" {
		return nil, errors.New("invalid claims")
	}
	return claims, nil
}
