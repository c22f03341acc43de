package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mlplatform/console-backend/internal/db/models"
	"github.com/mlplatform/console-backend/internal/hopsworks"
)

// CascadeResult lists the users whose local status changed and any backend
// updates that failed.
type CascadeResult struct {
	Updated  []string `json:"updated"`
	Warnings []string `json:"warnings,omitempty"`
}

// CascadeService suspends and reactivates users. Operating on an owner also
// operates on their team; operating on a member touches only that member.
//
// The local status is authoritative. Backend status updates that fail are logged
// and queued for repair, never rolled back.
type CascadeService struct {
	users    UserStore
	backend  backendResolver
	failures FailureRecorder
}

// NewCascadeService creates the service
func NewCascadeService(users UserStore, clusters ClusterStore, assignments AssignmentStore,
	connector hopsworks.Connector, failures FailureRecorder) *CascadeService {
	return &CascadeService{
		users:    users,
		backend:  backendResolver{assignments: assignments, clusters: clusters, connector: connector},
		failures: failures,
	}
}

// SuspendUser suspends the user. For an owner, every non-deleted team member is
// suspended too.
func (s *CascadeService) SuspendUser(ctx context.Context, userID, reason string) (*CascadeResult, error) {
	return s.apply(ctx, userID, reason, models.UserStatusSuspended)
}

// ReactivateUser reactivates the user. For an owner, only members that are
// currently suspended are reactivated.
func (s *CascadeService) ReactivateUser(ctx context.Context, userID, reason string) (*CascadeResult, error) {
	return s.apply(ctx, userID, reason, models.UserStatusActive)
}

func (s *CascadeService) apply(ctx context.Context, userID, reason string, status models.UserStatus) (*CascadeResult, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil || user.Status == models.UserStatusDeleted {
		return nil, ErrUserNotFound
	}

	if err := s.users.UpdateStatus(ctx, user.ID, status); err != nil {
		return nil, fmt.Errorf("failed to update status: %w", err)
	}
	affected := []*models.User{user}

	switch o := user.Ownership().(type) {
	case models.TeamMember:
		slog.Info("team member status changed", "user_id", user.ID, "owner_id", o.OwnerID, "status", status, "reason", reason)
	case models.Owner:
		var members []*models.User
		if status == models.UserStatusSuspended {
			members, err = s.users.SuspendTeamMembers(ctx, user.ID)
		} else {
			members, err = s.users.ReactivateTeamMembers(ctx, user.ID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to cascade status to team: %w", err)
		}
		affected = append(affected, members...)
		slog.Info("owner status changed", "user_id", user.ID, "status", status, "members", len(members), "reason", reason)
	}

	backendStatus := hopsworks.StatusActivated
	if status != models.UserStatusActive {
		backendStatus = hopsworks.StatusDeactivated
	}

	result := &CascadeResult{}
	for _, u := range affected {
		result.Updated = append(result.Updated, u.ID)
		if err := s.pushStatus(ctx, u, backendStatus); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %v", u.ID, err))
			s.recordStatusFailure(ctx, u, backendStatus, reason, err)
		}
	}
	return result, nil
}

// RemoveMember soft-deletes a member of ownerID's team and deactivates their
// backend account.
func (s *CascadeService) RemoveMember(ctx context.Context, ownerID, memberID string) error {
	member, err := s.users.GetUserByID(ctx, memberID)
	if err != nil {
		return fmt.Errorf("failed to load member: %w", err)
	}
	if member == nil || member.Status == models.UserStatusDeleted {
		return ErrUserNotFound
	}
	m, ok := member.Ownership().(models.TeamMember)
	if !ok || m.OwnerID != ownerID {
		return ErrNotOwner
	}

	if err := s.users.UpdateStatus(ctx, member.ID, models.UserStatusDeleted); err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	slog.Info("team member removed", "user_id", member.ID, "owner_id", ownerID)

	if err := s.pushStatus(ctx, member, hopsworks.StatusDeactivated); err != nil {
		s.recordStatusFailure(ctx, member, hopsworks.StatusDeactivated, "removed from team", err)
	}
	return nil
}

// SyncStatus pushes the user's current local status to their cluster. The repair
// queue calls it for failed status updates.
func (s *CascadeService) SyncStatus(ctx context.Context, userID string) error {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		return ErrUserNotFound
	}
	status := hopsworks.StatusDeactivated
	if user.IsActive() {
		status = hopsworks.StatusActivated
	}
	return s.pushStatus(ctx, user, status)
}

// pushStatus is a no-op for users without a backend account.
func (s *CascadeService) pushStatus(ctx context.Context, u *models.User, status int) error {
	api, a, err := s.backend.forUser(ctx, u.ID)
	if errors.Is(err, ErrNotAssigned) {
		return nil
	}
	if err != nil {
		return err
	}
	id, ok := externalID(u, a)
	if !ok {
		return nil
	}
	return api.SetStatus(ctx, id, status)
}

func (s *CascadeService) recordStatusFailure(ctx context.Context, u *models.User, status int, reason string, err error) {
	slog.Error("failed to update backend account status", "user_id", u.ID, "status", status, "error", err)
	recordFailure(ctx, s.failures, &models.HealthCheckFailure{
		UserID:       strPtr(u.ID),
		Email:        strPtr(u.Email),
		CheckType:    models.CheckStatusSync,
		ErrorMessage: err.Error(),
		Severity:     models.SeverityMedium,
		Details: map[string]interface{}{
			"expected_status": status,
			"reason":          reason,
		},
	})
}
