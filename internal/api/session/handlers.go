// Package session implements the browser login flow against the identity provider
// and the /api/v1/me profile endpoint.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mlplatform/console-backend/internal/api/respond"
	"github.com/mlplatform/console-backend/internal/auth/oidc"
	"github.com/mlplatform/console-backend/internal/crypto"
	"github.com/mlplatform/console-backend/internal/db/models"
	"github.com/mlplatform/console-backend/internal/db/repositories"
	"github.com/mlplatform/console-backend/internal/middleware"
	"github.com/mlplatform/console-backend/internal/quota"
	"github.com/mlplatform/console-backend/internal/services"
)

const (
	stateCookieName = "mlp_oauth_state"
	stateTTL        = 10 * time.Minute
)

// IdentityProvider is the part of oidc.Provider used by the login flow.
type IdentityProvider interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (*oidc.Identity, error)
	LogoutURL(returnTo string) string
}

// SessionIssuer signs session tokens. auth.Sessions satisfies it.
type SessionIssuer interface {
	Issue(userID, email string) (string, error)
	TTL() time.Duration
}

// UserStore upserts users on login.
type UserStore interface {
	UpsertOnLogin(ctx context.Context, id, email, name string) (*models.User, bool, error)
}

// QuotaSyncer pushes the recomputed project quota for returning users.
type QuotaSyncer interface {
	SyncQuota(ctx context.Context, userID string) (int, error)
}

// AssignmentReader looks up a user's cluster assignment.
type AssignmentReader interface {
	GetByUserID(ctx context.Context, userID string) (*models.Assignment, error)
}

// Options configures the handlers.
type Options struct {
	// AppURL is the front-end origin the browser returns to.
	AppURL        string
	SecureCookies bool
	IsAdmin       func(email string) bool
}

// Handlers serves /auth/* and /api/v1/me.
type Handlers struct {
	idp         IdentityProvider
	sessions    SessionIssuer
	users       UserStore
	quotas      QuotaSyncer
	assignments AssignmentReader
	opts        Options
}

// NewHandlers creates the session handlers. idp may be nil when OIDC is disabled;
// the login routes then answer 503.
func NewHandlers(idp IdentityProvider, sessions SessionIssuer, users UserStore, quotas QuotaSyncer,
	assignments AssignmentReader, opts Options) *Handlers {
	if opts.IsAdmin == nil {
		opts.IsAdmin = func(string) bool { return false }
	}
	return &Handlers{
		idp:         idp,
		sessions:    sessions,
		users:       users,
		quotas:      quotas,
		assignments: assignments,
		opts:        opts,
	}
}

// Login redirects the browser to the identity provider.
// GET /auth/login
func (h *Handlers) Login() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.idp == nil {
			respond.Error(c, http.StatusServiceUnavailable, "Login is not configured", nil)
			return
		}
		state, err := crypto.RandomToken(16)
		if err != nil {
			respond.Error(c, http.StatusInternalServerError, "Failed to generate state", err)
			return
		}
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(stateCookieName, state, int(stateTTL.Seconds()), "/auth", "", h.opts.SecureCookies, true)
		c.Redirect(http.StatusFound, h.idp.AuthURL(state))
	}
}

// Callback completes the authorization code flow, upserts the user, runs the
// login sync and hands the browser a session cookie.
// GET /auth/callback?code=...&state=...
func (h *Handlers) Callback() gin.HandlerFunc {
	return func(c *gin.Context) {
		fail := func(code, description string) {
			target := fmt.Sprintf("%s/auth/callback?error=%s&error_description=%s",
				h.opts.AppURL, url.QueryEscape(code), url.QueryEscape(description))
			c.Redirect(http.StatusFound, target)
		}
		if h.idp == nil {
			respond.Error(c, http.StatusServiceUnavailable, "Login is not configured", nil)
			return
		}

		if idpErr := c.Query("error"); idpErr != "" {
			fail(idpErr, c.Query("error_description"))
			return
		}

		expected, err := c.Cookie(stateCookieName)
		c.SetCookie(stateCookieName, "", -1, "/auth", "", h.opts.SecureCookies, true)
		if err != nil || expected == "" || c.Query("state") != expected {
			fail("invalid_state", "Your login session expired. Please try again.")
			return
		}
		code := c.Query("code")
		if code == "" {
			fail("missing_code", "The identity provider did not return an authorization code.")
			return
		}

		ctx := c.Request.Context()
		identity, err := h.idp.Exchange(ctx, code)
		if err != nil {
			slog.Warn("login exchange failed", "error", err)
			fail("exchange_failed", "We could not verify your login. Please try again.")
			return
		}
		if !identity.EmailVerified {
			fail("email_unverified", "Please verify your email address before signing in.")
			return
		}

		user, created, err := h.users.UpsertOnLogin(ctx, identity.Subject, identity.Email, identity.Name)
		if errors.Is(err, repositories.ErrDuplicate) {
			slog.Warn("login email belongs to another account", "user_id", identity.Subject)
			fail("account_conflict", "This email address is already linked to another account.")
			return
		}
		if err != nil {
			slog.Error("failed to upsert user on login", "user_id", identity.Subject, "error", err)
			fail("server_error", "Something went wrong while signing you in.")
			return
		}
		if created {
			slog.Info("new user registered", "user_id", user.ID)
		} else {
			h.loginSync(ctx, user)
		}

		token, err := h.sessions.Issue(user.ID, user.Email)
		if err != nil {
			slog.Error("failed to issue session", "user_id", user.ID, "error", err)
			fail("server_error", "Something went wrong while signing you in.")
			return
		}
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(middleware.SessionCookieName, token, int(h.sessions.TTL().Seconds()), "/", "", h.opts.SecureCookies, true)
		c.Redirect(http.StatusFound, h.opts.AppURL+"/auth/callback")
	}
}

// loginSync pushes the current quota for returning users that have a cluster.
// Failures are queued for repair by the service and never block the login.
func (h *Handlers) loginSync(ctx context.Context, user *models.User) {
	if h.quotas == nil || !user.IsActive() {
		return
	}
	if _, err := h.quotas.SyncQuota(ctx, user.ID); err != nil && !errors.Is(err, services.ErrNotAssigned) {
		slog.Warn("login sync failed", "user_id", user.ID, "error", err)
	}
}

// Logout clears the session cookie and ends the identity provider session.
// GET /auth/logout
func (h *Handlers) Logout() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.SetCookie(middleware.SessionCookieName, "", -1, "/", "", h.opts.SecureCookies, true)
		returnTo := h.opts.AppURL + "/"
		if h.idp == nil {
			c.Redirect(http.StatusFound, returnTo)
			return
		}
		c.Redirect(http.StatusFound, h.idp.LogoutURL(returnTo))
	}
}

// Profile is the /api/v1/me response.
type Profile struct {
	ID                 string             `json:"id"`
	Email              string             `json:"email"`
	Name               string             `json:"name"`
	Status             models.UserStatus  `json:"status"`
	BillingMode        models.BillingMode `json:"billing_mode"`
	IsTeamMember       bool               `json:"is_team_member"`
	AccountOwnerID     *string            `json:"account_owner_id,omitempty"`
	HasSubscription    bool               `json:"has_subscription"`
	SubscriptionStatus *string            `json:"subscription_status,omitempty"`
	PrepaidEnabled     bool               `json:"prepaid_enabled"`
	SpendingCap        *decimal.Decimal   `json:"spending_cap,omitempty"`
	DowngradeDeadline  *time.Time         `json:"downgrade_deadline,omitempty"`
	MaxProjects        int                `json:"max_projects"`
	Assignment         *models.Assignment `json:"assignment,omitempty"`
	IsAdmin            bool               `json:"is_admin"`
}

// NewProfile builds the profile of u.
func NewProfile(u *models.User, a *models.Assignment, isAdmin bool) Profile {
	p := Profile{
		ID:                 u.ID,
		Email:              u.Email,
		Name:               u.Name,
		Status:             u.Status,
		BillingMode:        u.BillingMode,
		IsTeamMember:       u.IsTeamMember(),
		AccountOwnerID:     u.AccountOwnerID,
		HasSubscription:    u.HasActiveSubscription(),
		SubscriptionStatus: u.StripeSubscriptionStatus,
		PrepaidEnabled:     u.PrepaidEnabled(),
		DowngradeDeadline:  u.DowngradeDeadline,
		MaxProjects:        quota.ForUser(u),
		Assignment:         a,
		IsAdmin:            isAdmin,
	}
	if u.SpendingCap.Valid {
		limit := u.SpendingCap.Decimal
		p.SpendingCap = &limit
	}
	return p
}

// Me returns the caller's profile. It stays reachable for suspended users so the
// front end can explain why the account is blocked.
// GET /api/v1/me
func (h *Handlers) Me() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.CurrentUser(c)
		if user == nil {
			respond.Error(c, http.StatusUnauthorized, "Not authenticated", nil)
			return
		}
		a, err := h.assignments.GetByUserID(c.Request.Context(), user.ID)
		if err != nil {
			respond.Error(c, http.StatusInternalServerError, "Failed to load assignment", err)
			return
		}
		c.JSON(http.StatusOK, NewProfile(user, a, h.opts.IsAdmin(user.Email)))
	}
}
