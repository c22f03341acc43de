// Package team implements the /api/v1/team routes: invites, acceptance, and
// member management for account owners.
package team

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mlplatform/console-backend/internal/api/respond"
	"github.com/mlplatform/console-backend/internal/db/models"
	"github.com/mlplatform/console-backend/internal/middleware"
	"github.com/mlplatform/console-backend/internal/services"
)

// Inviter is the part of services.InviteService used here.
type Inviter interface {
	CreateInvite(ctx context.Context, ownerID string, req services.CreateInviteRequest) (*services.CreateInviteResult, error)
	ListInvites(ctx context.Context, ownerID string) ([]models.TeamInvite, error)
	RevokeInvite(ctx context.Context, ownerID, inviteID string) error
	AcceptInvite(ctx context.Context, token string, invitee services.Identity) (*services.AcceptInviteResult, error)
	AddMemberToProject(ctx context.Context, ownerID, memberID, projectName, role string) (*models.ProjectMemberRole, error)
}

// MemberRemover removes team members. services.CascadeService satisfies it.
type MemberRemover interface {
	RemoveMember(ctx context.Context, ownerID, memberID string) error
}

// MemberStore lists an owner's team.
type MemberStore interface {
	ListTeamMembers(ctx context.Context, ownerID string) ([]*models.User, error)
}

// RoleStore lists project roles granted by an owner.
type RoleStore interface {
	ListByOwner(ctx context.Context, ownerID string) ([]models.ProjectMemberRole, error)
}

// Handlers serves the team routes.
type Handlers struct {
	invites Inviter
	remover MemberRemover
	members MemberStore
	roles   RoleStore
}

// NewHandlers creates the handlers
func NewHandlers(invites Inviter, remover MemberRemover, members MemberStore, roles RoleStore) *Handlers {
	return &Handlers{invites: invites, remover: remover, members: members, roles: roles}
}

// serviceError maps invite and membership errors to responses.
func serviceError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, services.ErrInvalidEmail),
		errors.Is(err, services.ErrInvalidRole),
		errors.Is(err, services.ErrSelfInvite):
		respond.Error(c, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, services.ErrNotOwner),
		errors.Is(err, services.ErrEmailMismatch):
		respond.Error(c, http.StatusForbidden, err.Error(), nil)
	case errors.Is(err, services.ErrUserNotFound),
		errors.Is(err, services.ErrProjectNotFound):
		respond.Error(c, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, services.ErrDuplicateInvite),
		errors.Is(err, services.ErrAlreadyRegistered),
		errors.Is(err, services.ErrNotAssigned),
		errors.Is(err, services.ErrInviteUsed):
		respond.Error(c, http.StatusConflict, err.Error(), nil)
	case errors.Is(err, services.ErrInviteExpired):
		respond.Error(c, http.StatusGone, err.Error(), nil)
	default:
		respond.Error(c, http.StatusInternalServerError, fallback, err)
	}
}

// requireOwner aborts with 403 when the caller is a team member.
func requireOwner(c *gin.Context) (*models.User, bool) {
	user := middleware.CurrentUser(c)
	if user.IsTeamMember() {
		respond.Error(c, http.StatusForbidden, services.ErrNotOwner.Error(), nil)
		return nil, false
	}
	return user, true
}

// CreateInviteRequest is the body of POST /api/v1/team/invites.
type CreateInviteRequest struct {
	Email              string `json:"email" binding:"required"`
	ProjectRole        string `json:"project_role"`
	AutoAssignProjects *bool  `json:"auto_assign_projects"`
}

// CreateInvite invites an email address to the caller's team.
// POST /api/v1/team/invites
func (h *Handlers) CreateInvite() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := requireOwner(c)
		if !ok {
			return
		}
		var req CreateInviteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respond.Error(c, http.StatusBadRequest, "Invalid request body", nil)
			return
		}
		if req.ProjectRole == "" {
			req.ProjectRole = models.ProjectRoleDataScientist
		}
		autoAssign := true
		if req.AutoAssignProjects != nil {
			autoAssign = *req.AutoAssignProjects
		}

		result, err := h.invites.CreateInvite(c.Request.Context(), owner.ID, services.CreateInviteRequest{
			Email:              req.Email,
			ProjectRole:        req.ProjectRole,
			AutoAssignProjects: autoAssign,
		})
		if err != nil {
			serviceError(c, err, "Failed to create invite")
			return
		}
		c.JSON(http.StatusCreated, result)
	}
}

// ListInvites returns the caller's pending invites.
// GET /api/v1/team/invites
func (h *Handlers) ListInvites() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := requireOwner(c)
		if !ok {
			return
		}
		invites, err := h.invites.ListInvites(c.Request.Context(), owner.ID)
		if err != nil {
			respond.Error(c, http.StatusInternalServerError, "Failed to list invites", err)
			return
		}
		if invites == nil {
			invites = []models.TeamInvite{}
		}
		c.JSON(http.StatusOK, gin.H{"invites": invites})
	}
}

// RevokeInvite deletes one of the caller's pending invites.
// DELETE /api/v1/team/invites/:id
func (h *Handlers) RevokeInvite() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := requireOwner(c)
		if !ok {
			return
		}
		if err := h.invites.RevokeInvite(c.Request.Context(), owner.ID, c.Param("id")); err != nil {
			if errors.Is(err, services.ErrInviteUsed) {
				respond.Error(c, http.StatusNotFound, "Invite not found", nil)
				return
			}
			serviceError(c, err, "Failed to revoke invite")
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// AcceptInviteRequest is the body of POST /api/v1/team/invites/accept.
type AcceptInviteRequest struct {
	Token string `json:"token" binding:"required"`
}

// AcceptInvite joins the caller to the inviting owner's team.
// POST /api/v1/team/invites/accept
func (h *Handlers) AcceptInvite() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.CurrentUser(c)
		var req AcceptInviteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respond.Error(c, http.StatusBadRequest, "Invite token is required", nil)
			return
		}

		result, err := h.invites.AcceptInvite(c.Request.Context(), req.Token, services.Identity{
			ID:    user.ID,
			Email: user.Email,
			Name:  user.Name,
		})
		if err != nil {
			serviceError(c, err, "Failed to accept invite")
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// Member is a team member as shown to their owner.
type Member struct {
	ID          string                     `json:"id"`
	Email       string                     `json:"email"`
	Name        string                     `json:"name"`
	Status      models.UserStatus          `json:"status"`
	LastLoginAt *time.Time                 `json:"last_login_at,omitempty"`
	JoinedAt    time.Time                  `json:"joined_at"`
	Projects    []models.ProjectMemberRole `json:"projects"`
}

// ListMembers returns the caller's team with each member's project roles.
// GET /api/v1/team/members
func (h *Handlers) ListMembers() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := requireOwner(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()

		users, err := h.members.ListTeamMembers(ctx, owner.ID)
		if err != nil {
			respond.Error(c, http.StatusInternalServerError, "Failed to list team members", err)
			return
		}
		roles, err := h.roles.ListByOwner(ctx, owner.ID)
		if err != nil {
			respond.Error(c, http.StatusInternalServerError, "Failed to list project roles", err)
			return
		}
		byMember := make(map[string][]models.ProjectMemberRole)
		for _, r := range roles {
			byMember[r.MemberID] = append(byMember[r.MemberID], r)
		}

		members := make([]Member, 0, len(users))
		for _, u := range users {
			projects := byMember[u.ID]
			if projects == nil {
				projects = []models.ProjectMemberRole{}
			}
			members = append(members, Member{
				ID:          u.ID,
				Email:       u.Email,
				Name:        u.Name,
				Status:      u.Status,
				LastLoginAt: u.LastLoginAt,
				JoinedAt:    u.CreatedAt,
				Projects:    projects,
			})
		}
		c.JSON(http.StatusOK, gin.H{"members": members})
	}
}

// RemoveMember removes a member from the caller's team.
// DELETE /api/v1/team/members/:id
func (h *Handlers) RemoveMember() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := requireOwner(c)
		if !ok {
			return
		}
		if err := h.remover.RemoveMember(c.Request.Context(), owner.ID, c.Param("id")); err != nil {
			serviceError(c, err, "Failed to remove team member")
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// AddProjectRequest is the body of POST /api/v1/team/members/:id/projects.
type AddProjectRequest struct {
	ProjectName string `json:"project_name" binding:"required"`
	Role        string `json:"role" binding:"required"`
}

// AddToProject grants a member a role on one of the caller's projects. When the
// cluster push fails the role is kept unsynced and the answer is 202.
// POST /api/v1/team/members/:id/projects
func (h *Handlers) AddToProject() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := requireOwner(c)
		if !ok {
			return
		}
		var req AddProjectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respond.Error(c, http.StatusBadRequest, "project_name and role are required", nil)
			return
		}

		role, err := h.invites.AddMemberToProject(c.Request.Context(), owner.ID, c.Param("id"), req.ProjectName, req.Role)
		switch {
		case err != nil && role != nil:
			c.JSON(http.StatusAccepted, role)
		case err != nil:
			serviceError(c, err, "Failed to add member to project")
		default:
			c.JSON(http.StatusCreated, role)
		}
	}
}
