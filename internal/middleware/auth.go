package middleware

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mlplatform/console-backend/internal/auth"
	"github.com/mlplatform/console-backend/internal/db/models"
)

// Context keys set by SessionAuth.
const (
	UserKey   = "user"
	UserIDKey = "user_id"
)

// SessionCookieName is the cookie the login callback sets for browser clients.
const SessionCookieName = "mlp_session"

// SessionValidator verifies session tokens. auth.Sessions satisfies it.
type SessionValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// UserLoader loads the user named by a session.
type UserLoader interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

// sessionToken returns the bearer token, falling back to the session cookie.
func sessionToken(c *gin.Context) (string, string) {
	if header := c.GetHeader("Authorization"); header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return "", "Authorization header must start with 'Bearer '"
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token == "" {
			return "", "Authorization token is empty"
		}
		return token, ""
	}
	if cookie, err := c.Cookie(SessionCookieName); err == nil && cookie != "" {
		return cookie, ""
	}
	return "", "Missing authorization"
}

// SessionAuth requires a valid session and stores the current user under UserKey.
// The status gate is separate (RequireActiveAccount) so /me can still answer for
// suspended users.
func SessionAuth(sessions SessionValidator, users UserLoader) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, problem := sessionToken(c)
		if problem != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": problem})
			return
		}

		claims, err := sessions.Validate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired session"})
			return
		}

		user, err := users.GetUserByID(c.Request.Context(), claims.UserID)
		if err != nil {
			slog.Error("failed to load session user", "user_id", claims.UserID, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to load user"})
			return
		}
		if user == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "User not found"})
			return
		}

		c.Set(UserKey, user)
		c.Set(UserIDKey, user.ID)
		c.Next()
	}
}

// CurrentUser returns the user stored by SessionAuth, or nil.
func CurrentUser(c *gin.Context) *models.User {
	v, ok := c.Get(UserKey)
	if !ok {
		return nil
	}
	u, _ := v.(*models.User)
	return u
}

// RequireActiveAccount rejects suspended and deleted users with 403, except on
// paths under one of the exempt prefixes.
func RequireActiveAccount(exempt ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := CurrentUser(c)
		if user == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
			return
		}
		if user.IsActive() {
			c.Next()
			return
		}
		path := c.Request.URL.Path
		for _, prefix := range exempt {
			if path == prefix || strings.HasPrefix(path, strings.TrimRight(prefix, "/")+"/") {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":  "Account is not active",
			"status": user.Status,
		})
	}
}

// RequireAdmin allows only users whose email passes isAdmin.
func RequireAdmin(isAdmin func(email string) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := CurrentUser(c)
		if user == nil || !user.IsActive() || !isAdmin(user.Email) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Admin access required"})
			return
		}
		c.Next()
	}
}

// CronAuth requires "Authorization: Bearer <secret>", compared in constant time.
// With no secret configured the cron routes are disabled.
func CronAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Cron endpoints are not configured"})
			return
		}
		provided := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			slog.Warn("rejected cron request", "path", c.Request.URL.Path, "ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}
