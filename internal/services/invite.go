package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/mlplatform/console-backend/internal/crypto"
	"github.com/mlplatform/console-backend/internal/db/models"
	"github.com/mlplatform/console-backend/internal/db/repositories"
	"github.com/mlplatform/console-backend/internal/hopsworks"
	"github.com/mlplatform/console-backend/internal/telemetry"
)

// inviteTokenBytes is the entropy of an invite token before encoding.
const inviteTokenBytes = 32

// ClusterProvisioner is the part of AssignmentService used by the invite and
// billing flows.
type ClusterProvisioner interface {
	AssignUserToCluster(ctx context.Context, userID string) (*AssignmentResult, error)
	SyncQuota(ctx context.Context, userID string) (int, error)
	CountProjects(ctx context.Context, userID string) (int, error)
	ListProjects(ctx context.Context, user *models.User) ([]hopsworks.Project, error)
}

// Identity is an authenticated caller as reported by the identity provider.
type Identity struct {
	ID    string
	Email string
	Name  string
}

// CreateInviteRequest holds the owner's input for a new invite.
type CreateInviteRequest struct {
	Email              string
	ProjectRole        string
	AutoAssignProjects bool
}

// CreateInviteResult is a stored invite and whether its email went out.
type CreateInviteResult struct {
	Invite    *models.TeamInvite `json:"invite"`
	EmailSent bool               `json:"email_sent"`
}

// AcceptInviteResult describes a completed acceptance. Warnings lists the steps
// that failed without undoing the membership.
type AcceptInviteResult struct {
	OwnerID    string                     `json:"account_owner_id"`
	Assignment *models.Assignment         `json:"assignment,omitempty"`
	Projects   []models.ProjectMemberRole `json:"projects,omitempty"`
	Warnings   []string                   `json:"warnings,omitempty"`
}

// InviteService runs the team invite lifecycle and project membership.
type InviteService struct {
	users       UserStore
	invites     InviteStore
	roles       ProjectRoleStore
	provisioner ClusterProvisioner
	backend     backendResolver
	notifier    Notifier
	failures    FailureRecorder

	now      func() time.Time
	newToken func() (string, error)
}

// NewInviteService creates the service
func NewInviteService(users UserStore, invites InviteStore, roles ProjectRoleStore, provisioner ClusterProvisioner,
	clusters ClusterStore, assignments AssignmentStore, connector hopsworks.Connector,
	notifier Notifier, failures FailureRecorder) *InviteService {
	return &InviteService{
		users:       users,
		invites:     invites,
		roles:       roles,
		provisioner: provisioner,
		backend:     backendResolver{assignments: assignments, clusters: clusters, connector: connector},
		notifier:    notifier,
		failures:    failures,
		now:         time.Now,
		newToken:    func() (string, error) { return crypto.RandomToken(inviteTokenBytes) },
	}
}

// normalizeEmail lowercases and validates an address
func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// CreateInvite invites email to ownerID's team. Only owners with a cluster
// assignment may invite, and at most one pending invite exists per email.
func (s *InviteService) CreateInvite(ctx context.Context, ownerID string, req CreateInviteRequest) (*CreateInviteResult, error) {
	owner, err := s.users.GetUserByID(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load owner: %w", err)
	}
	if owner == nil {
		return nil, ErrUserNotFound
	}
	if _, ok := owner.Ownership().(models.Owner); !ok {
		return nil, ErrNotOwner
	}

	assignment, err := s.backend.assignments.GetByUserID(ctx, owner.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load assignment: %w", err)
	}
	if assignment == nil {
		return nil, ErrNotAssigned
	}

	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(email, owner.Email) {
		return nil, ErrSelfInvite
	}

	role := req.ProjectRole
	if role == "" {
		role = models.ProjectRoleDataScientist
	}
	if !models.ValidProjectRole(role) {
		return nil, ErrInvalidRole
	}

	existing, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing user: %w", err)
	}
	if existing != nil && existing.Status != models.UserStatusDeleted {
		return nil, ErrAlreadyRegistered
	}

	now := s.now()
	if err := s.invites.DeleteExpired(ctx, owner.ID, email, now); err != nil {
		return nil, fmt.Errorf("failed to clear expired invites: %w", err)
	}
	pending, err := s.invites.FindPending(ctx, owner.ID, email, now)
	if err != nil {
		return nil, fmt.Errorf("failed to check pending invites: %w", err)
	}
	if pending != nil {
		return nil, ErrDuplicateInvite
	}

	token, err := s.newToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate invite token: %w", err)
	}
	inv := &models.TeamInvite{
		Token:              token,
		AccountOwnerID:     owner.ID,
		Email:              email,
		ProjectRole:        role,
		AutoAssignProjects: req.AutoAssignProjects,
		ExpiresAt:          now.Add(models.InviteTTL),
		CreatedAt:          now,
	}
	if err := s.invites.Create(ctx, inv); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			return nil, ErrDuplicateInvite
		}
		return nil, err
	}
	telemetry.InvitesTotal.WithLabelValues("created").Inc()
	slog.Info("team invite created", "invite_id", inv.ID, "owner_id", owner.ID)

	result := &CreateInviteResult{Invite: inv, EmailSent: true}
	inviter := owner.Name
	if inviter == "" {
		inviter = owner.Email
	}
	if err := s.notifier.SendInvite(ctx, email, inviter, token, inv.ExpiresAt); err != nil {
		result.EmailSent = false
		slog.Error("failed to send invite email", "invite_id", inv.ID, "error", err)
		recordFailure(ctx, s.failures, &models.HealthCheckFailure{
			UserID:       strPtr(owner.ID),
			Email:        strPtr(email),
			CheckType:    models.CheckEmailDelivery,
			ErrorMessage: err.Error(),
			Severity:     models.SeverityMedium,
			Details:      map[string]interface{}{"template": "invite", "invite_id": inv.ID},
		})
	}
	return result, nil
}

// ListInvites returns ownerID's pending invites
func (s *InviteService) ListInvites(ctx context.Context, ownerID string) ([]models.TeamInvite, error) {
	return s.invites.ListPending(ctx, ownerID, s.now())
}

// RevokeInvite deletes a pending invite of ownerID
func (s *InviteService) RevokeInvite(ctx context.Context, ownerID, inviteID string) error {
	deleted, err := s.invites.DeletePending(ctx, inviteID, ownerID)
	if err != nil {
		return fmt.Errorf("failed to revoke invite: %w", err)
	}
	if !deleted {
		return ErrInviteUsed
	}
	telemetry.InvitesTotal.WithLabelValues("revoked").Inc()
	slog.Info("team invite revoked", "invite_id", inviteID, "owner_id", ownerID)
	return nil
}

// AcceptInvite claims the invite for the caller and makes them a team member.
//
// The claim is a single conditional update, so of two concurrent acceptances only
// one sees the invite. A claim that fails the expiry or email check is released
// so the rightful invitee can still use it.
func (s *InviteService) AcceptInvite(ctx context.Context, token string, invitee Identity) (*AcceptInviteResult, error) {
	now := s.now()
	inv, err := s.invites.Claim(ctx, token, invitee.ID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to claim invite: %w", err)
	}
	if inv == nil {
		telemetry.InvitesTotal.WithLabelValues("rejected").Inc()
		return nil, ErrInviteUsed
	}

	reject := func(reason error) (*AcceptInviteResult, error) {
		if err := s.invites.ReleaseClaim(ctx, inv.ID, invitee.ID); err != nil {
			slog.Error("failed to release invite claim", "invite_id", inv.ID, "error", err)
		}
		telemetry.InvitesTotal.WithLabelValues("rejected").Inc()
		slog.Warn("invite acceptance rejected", "invite_id", inv.ID, "user_id", invitee.ID, "reason", reason)
		return nil, reason
	}

	if inv.Expired(now) {
		return reject(ErrInviteExpired)
	}
	if !strings.EqualFold(strings.TrimSpace(inv.Email), strings.TrimSpace(invitee.Email)) {
		return reject(ErrEmailMismatch)
	}
	if inv.AccountOwnerID == invitee.ID {
		return reject(ErrSelfInvite)
	}

	current, err := s.users.GetUserByID(ctx, invitee.ID)
	if err != nil {
		if releaseErr := s.invites.ReleaseClaim(ctx, inv.ID, invitee.ID); releaseErr != nil {
			slog.Error("failed to release invite claim", "invite_id", inv.ID, "error", releaseErr)
		}
		return nil, fmt.Errorf("failed to load invitee: %w", err)
	}
	// A removed member keeps the old owner id on the row but belongs to no team.
	rejoining := current != nil && current.Status == models.UserStatusDeleted
	if current != nil && (current.HasActiveSubscription() ||
		(!rejoining && current.IsTeamMember() && current.BillingAccountID() != inv.AccountOwnerID)) {
		return reject(ErrAlreadyRegistered)
	}

	member, err := s.users.UpsertTeamMember(ctx, invitee.ID, invitee.Email, invitee.Name, inv.AccountOwnerID)
	if err != nil {
		if releaseErr := s.invites.ReleaseClaim(ctx, inv.ID, invitee.ID); releaseErr != nil {
			slog.Error("failed to release invite claim", "invite_id", inv.ID, "error", releaseErr)
		}
		return nil, fmt.Errorf("failed to add team member: %w", err)
	}
	telemetry.InvitesTotal.WithLabelValues("accepted").Inc()
	slog.Info("team invite accepted", "invite_id", inv.ID, "user_id", member.ID, "owner_id", inv.AccountOwnerID)

	result := &AcceptInviteResult{OwnerID: inv.AccountOwnerID}

	assigned, err := s.provisioner.AssignUserToCluster(ctx, member.ID)
	if err != nil {
		slog.Error("cluster assignment failed for new team member", "user_id", member.ID, "error", err)
		result.Warnings = append(result.Warnings, fmt.Sprintf("cluster assignment: %v", err))
		return result, nil
	}
	result.Assignment = assigned.Assignment
	result.Warnings = append(result.Warnings, assigned.Warnings...)
	if assigned.AlreadyAssigned {
		// An existing account keeps its backend user; it now owns no projects.
		if _, err := s.provisioner.SyncQuota(ctx, member.ID); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("quota sync: %v", err))
		}
		if rejoining {
			if err := s.reactivateBackendUser(ctx, member); err != nil {
				result.Warnings = append(result.Warnings, fmt.Sprintf("account reactivation: %v", err))
			}
		}
	}

	if inv.AutoAssignProjects {
		added, warnings := s.addToOwnerProjects(ctx, inv, member)
		result.Projects = added
		result.Warnings = append(result.Warnings, warnings...)
	}
	return result, nil
}

// addToOwnerProjects adds member to every project the owner has. Per-project
// failures become warnings.
// reactivateBackendUser turns the backend account of a returning member back on.
// Removal deactivated it; a failure is queued for the status repair.
func (s *InviteService) reactivateBackendUser(ctx context.Context, member *models.User) error {
	api, a, err := s.backend.forUser(ctx, member.ID)
	if errors.Is(err, ErrNotAssigned) {
		return nil
	}
	if err == nil {
		id, ok := externalID(member, a)
		if !ok {
			return nil
		}
		err = api.SetStatus(ctx, id, hopsworks.StatusActivated)
	}
	if err != nil {
		slog.Error("failed to reactivate returning member", "user_id", member.ID, "error", err)
		recordFailure(ctx, s.failures, &models.HealthCheckFailure{
			UserID:       strPtr(member.ID),
			Email:        strPtr(member.Email),
			CheckType:    models.CheckStatusSync,
			ErrorMessage: err.Error(),
			Severity:     models.SeverityHigh,
			Details:      map[string]interface{}{"reason": "team_rejoin"},
		})
		return err
	}
	slog.Info("returning member reactivated", "user_id", member.ID)
	return nil
}

func (s *InviteService) addToOwnerProjects(ctx context.Context, inv *models.TeamInvite, member *models.User) ([]models.ProjectMemberRole, []string) {
	owner, err := s.users.GetUserByID(ctx, inv.AccountOwnerID)
	if err != nil || owner == nil {
		return nil, []string{fmt.Sprintf("project assignment: owner lookup failed: %v", err)}
	}
	projects, err := s.provisioner.ListProjects(ctx, owner)
	if err != nil {
		return nil, []string{fmt.Sprintf("project assignment: %v", err)}
	}
	api, _, err := s.backend.forUser(ctx, owner.ID)
	if err != nil {
		return nil, []string{fmt.Sprintf("project assignment: %v", err)}
	}

	var added []models.ProjectMemberRole
	var warnings []string
	for _, p := range projects {
		role, err := s.addMember(ctx, api, owner.ID, member, p, inv.ProjectRole)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("project %s: %v", p.Name, err))
			continue
		}
		added = append(added, *role)
	}
	return added, warnings
}

// AddMemberToProject gives a member of ownerID's team role on the owner's project.
func (s *InviteService) AddMemberToProject(ctx context.Context, ownerID, memberID, projectName, role string) (*models.ProjectMemberRole, error) {
	if !models.ValidProjectRole(role) {
		return nil, ErrInvalidRole
	}
	owner, err := s.users.GetUserByID(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load owner: %w", err)
	}
	if owner == nil {
		return nil, ErrUserNotFound
	}
	member, err := s.users.GetUserByID(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to load member: %w", err)
	}
	if member == nil || member.Status == models.UserStatusDeleted {
		return nil, ErrUserNotFound
	}
	if member.BillingAccountID() != ownerID || !member.IsTeamMember() {
		return nil, ErrNotOwner
	}

	projects, err := s.provisioner.ListProjects(ctx, owner)
	if err != nil {
		return nil, err
	}
	var project *hopsworks.Project
	for i := range projects {
		if projects[i].Name == projectName {
			project = &projects[i]
			break
		}
	}
	if project == nil {
		return nil, ErrProjectNotFound
	}

	api, _, err := s.backend.forUser(ctx, owner.ID)
	if err != nil {
		return nil, err
	}
	return s.addMember(ctx, api, owner.ID, member, *project, role)
}

// addMember stores the role then pushes it to the cluster. A failed push leaves the
// row unsynced with a failure recorded for the repair queue.
func (s *InviteService) addMember(ctx context.Context, api hopsworks.API, ownerID string, member *models.User,
	p hopsworks.Project, role string) (*models.ProjectMemberRole, error) {
	row := &models.ProjectMemberRole{
		MemberID:       member.ID,
		AccountOwnerID: ownerID,
		ProjectID:      p.ID,
		ProjectName:    p.Name,
		ProjectRole:    role,
		AddedBy:        ownerID,
	}
	if err := s.roles.Upsert(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to store project role: %w", err)
	}

	err := api.AddProjectMember(ctx, p.ID, member.Email, role)
	if err != nil && !errors.Is(err, hopsworks.ErrAlreadyExists) {
		msg := err.Error()
		row.SyncError = &msg
		if markErr := s.roles.MarkSynced(ctx, member.ID, p.ID, &msg); markErr != nil {
			slog.Error("failed to store project sync error", "member_id", member.ID, "project_id", p.ID, "error", markErr)
		}
		slog.Error("failed to add project member", "member_id", member.ID, "project_id", p.ID, "error", err)
		recordFailure(ctx, s.failures, &models.HealthCheckFailure{
			UserID:       strPtr(member.ID),
			Email:        strPtr(member.Email),
			CheckType:    models.CheckProjectMemberSync,
			ErrorMessage: msg,
			Severity:     models.SeverityMedium,
			Details: map[string]interface{}{
				"owner_id":     ownerID,
				"project_id":   p.ID,
				"project_name": p.Name,
				"role":         role,
			},
		})
		return row, err
	}

	if err := s.roles.MarkSynced(ctx, member.ID, p.ID, nil); err != nil {
		return nil, fmt.Errorf("failed to mark project role synced: %w", err)
	}
	row.SyncedToHopsworks = true
	return row, nil
}

// SyncProjectMember re-pushes a stored project role. The repair queue calls it.
func (s *InviteService) SyncProjectMember(ctx context.Context, memberID string, projectID int64) error {
	role, err := s.roles.Get(ctx, memberID, projectID)
	if err != nil {
		return fmt.Errorf("failed to load project role: %w", err)
	}
	if role == nil {
		return fmt.Errorf("no project role for member %s on project %d", memberID, projectID)
	}
	member, err := s.users.GetUserByID(ctx, memberID)
	if err != nil {
		return fmt.Errorf("failed to load member: %w", err)
	}
	if member == nil {
		return ErrUserNotFound
	}
	api, _, err := s.backend.forUser(ctx, role.AccountOwnerID)
	if err != nil {
		return err
	}
	if err := api.AddProjectMember(ctx, projectID, member.Email, role.ProjectRole); err != nil && !errors.Is(err, hopsworks.ErrAlreadyExists) {
		return err
	}
	return s.roles.MarkSynced(ctx, memberID, projectID, nil)
}
