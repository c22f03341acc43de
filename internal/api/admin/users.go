// users.go implements the operator endpoints for looking up accounts and suspending or
// reactivating them through the status cascade.
package admin

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mlplatform/console-backend/internal/api/respond"
	"github.com/mlplatform/console-backend/internal/api/session"
	"github.com/mlplatform/console-backend/internal/db/models"
	"github.com/mlplatform/console-backend/internal/middleware"
	"github.com/mlplatform/console-backend/internal/services"
)

// UserStore loads accounts.
type UserStore interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	ListTeamMembers(ctx context.Context, ownerID string) ([]*models.User, error)
}

// AssignmentReader looks up a user's assignment.
type AssignmentReader interface {
	GetByUserID(ctx context.Context, userID string) (*models.Assignment, error)
}

// StatusCascade changes an account's status together with its team and cluster
// accounts. services.CascadeService satisfies it.
type StatusCascade interface {
	SuspendUser(ctx context.Context, userID, reason string) (*services.CascadeResult, error)
	ReactivateUser(ctx context.Context, userID, reason string) (*services.CascadeResult, error)
}

// UserHandlers handles user management endpoints
type UserHandlers struct {
	users       UserStore
	assignments AssignmentReader
	cascade     StatusCascade
	isAdmin     func(email string) bool
}

// NewUserHandlers creates a new UserHandlers instance
func NewUserHandlers(users UserStore, assignments AssignmentReader, cascade StatusCascade, isAdmin func(string) bool) *UserHandlers {
	if isAdmin == nil {
		isAdmin = func(string) bool { return false }
	}
	return &UserHandlers{users: users, assignments: assignments, cascade: cascade, isAdmin: isAdmin}
}

// UserDetail is an account as shown to operators.
type UserDetail struct {
	session.Profile
	StripeCustomerID  *string           `json:"stripe_customer_id,omitempty"`
	HopsworksUsername *string           `json:"hopsworks_username,omitempty"`
	LastLoginAt       *time.Time        `json:"last_login_at,omitempty"`
	TeamMembers       []session.Profile `json:"team_members,omitempty"`
}

func (h *UserHandlers) detail(ctx context.Context, u *models.User) (*UserDetail, error) {
	a, err := h.assignments.GetByUserID(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	d := &UserDetail{
		Profile:           session.NewProfile(u, a, h.isAdmin(u.Email)),
		StripeCustomerID:  u.StripeCustomerID,
		HopsworksUsername: u.HopsworksUsername,
		LastLoginAt:       u.LastLoginAt,
	}
	if !u.IsTeamMember() {
		members, err := h.users.ListTeamMembers(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			d.TeamMembers = append(d.TeamMembers, session.NewProfile(m, nil, false))
		}
	}
	return d, nil
}

// GetUserHandler retrieves an account by ID, or by email with ?email=
// GET /api/v1/admin/users/:id
func (h *UserHandlers) GetUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		var (
			user *models.User
			err  error
		)
		if email := strings.TrimSpace(c.Query("email")); email != "" {
			user, err = h.users.GetUserByEmail(ctx, strings.ToLower(email))
		} else {
			user, err = h.users.GetUserByID(ctx, c.Param("id"))
		}
		if err != nil {
			respond.Error(c, http.StatusInternalServerError, "Failed to retrieve user", err)
			return
		}
		if user == nil {
			respond.Error(c, http.StatusNotFound, "User not found", nil)
			return
		}

		d, err := h.detail(ctx, user)
		if err != nil {
			respond.Error(c, http.StatusInternalServerError, "Failed to retrieve user details", err)
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

// StatusChangeRequest is the optional body of the suspend and reactivate routes.
type StatusChangeRequest struct {
	Reason string `json:"reason"`
}

func (h *UserHandlers) changeStatus(c *gin.Context, action string,
	fn func(ctx context.Context, userID, reason string) (*services.CascadeResult, error)) {
	var req StatusChangeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respond.Error(c, http.StatusBadRequest, "Invalid request body", nil)
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = action + " by operator"
	}
	if admin := middleware.CurrentUser(c); admin != nil {
		reason += " (" + admin.Email + ")"
	}

	result, err := fn(c.Request.Context(), c.Param("id"), reason)
	if err != nil {
		if errors.Is(err, services.ErrUserNotFound) {
			respond.Error(c, http.StatusNotFound, "User not found", nil)
			return
		}
		respond.Error(c, http.StatusInternalServerError, "Failed to update user status", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// SuspendUserHandler suspends an account and, for owners, their whole team.
// POST /api/v1/admin/users/:id/suspend
func (h *UserHandlers) SuspendUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.changeStatus(c, "suspended", h.cascade.SuspendUser)
	}
}

// ReactivateUserHandler reactivates an account and the team suspended with it.
// POST /api/v1/admin/users/:id/reactivate
func (h *UserHandlers) ReactivateUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.changeStatus(c, "reactivated", h.cascade.ReactivateUser)
	}
}
