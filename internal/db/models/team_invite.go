// Package models - team_invite.go defines time-limited team invitations and the
// per-project roles granted to team members.
package models

import "time"

// InviteTTL is how long an invite stays valid after creation.
const InviteTTL = 7 * 24 * time.Hour

// Project roles accepted by the backend.
const (
	ProjectRoleDataOwner     = "Data owner"
	ProjectRoleDataScientist = "Data scientist"
	ProjectRoleObserver      = "Observer"
)

// ValidProjectRole reports whether role is accepted by the backend.
func ValidProjectRole(role string) bool {
	switch role {
	case ProjectRoleDataOwner, ProjectRoleDataScientist, ProjectRoleObserver:
		return true
	}
	return false
}

// TeamInvite is an owner's invitation for an email address to join their team.
type TeamInvite struct {
	ID                 string     `json:"id" db:"id"`
	Token              string     `json:"-" db:"token"`
	AccountOwnerID     string     `json:"account_owner_id" db:"account_owner_id"`
	Email              string     `json:"email" db:"email"`
	ProjectRole        string     `json:"project_role" db:"project_role"`
	AutoAssignProjects bool       `json:"auto_assign_projects" db:"auto_assign_projects"`
	ExpiresAt          time.Time  `json:"expires_at" db:"expires_at"`
	AcceptedAt         *time.Time `json:"accepted_at,omitempty" db:"accepted_at"`
	AcceptedByUserID   *string    `json:"accepted_by_user_id,omitempty" db:"accepted_by_user_id"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
}

// Expired reports whether the invite is past its expiry at now.
func (i *TeamInvite) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// Pending reports whether the invite can still be accepted at now.
func (i *TeamInvite) Pending(now time.Time) bool {
	return i.AcceptedAt == nil && !i.Expired(now)
}

// ProjectMemberRole records a team member's role on one of the owner's projects.
type ProjectMemberRole struct {
	ID                string    `json:"id" db:"id"`
	MemberID          string    `json:"member_id" db:"member_id"`
	AccountOwnerID    string    `json:"account_owner_id" db:"account_owner_id"`
	ProjectID         int64     `json:"project_id" db:"project_id"`
	ProjectName       string    `json:"project_name" db:"project_name"`
	ProjectRole       string    `json:"project_role" db:"project_role"`
	AddedBy           string    `json:"added_by" db:"added_by"`
	SyncedToHopsworks bool      `json:"synced_to_hopsworks" db:"synced_to_hopsworks"`
	SyncError         *string   `json:"sync_error,omitempty" db:"sync_error"`
	AddedAt           time.Time `json:"added_at" db:"added_at"`
}
