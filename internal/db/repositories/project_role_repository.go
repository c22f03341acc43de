// project_role_repository.go implements ProjectRoleRepository, tracking which of the owner's
// projects each team member was added to and whether the backend accepted it.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/mlplatform/console-backend/internal/db/models"
)

// ProjectRoleRepository handles database operations for project member roles
type ProjectRoleRepository struct {
	db *sqlx.DB
}

// NewProjectRoleRepository creates a new project role repository
func NewProjectRoleRepository(db *sqlx.DB) *ProjectRoleRepository {
	return &ProjectRoleRepository{db: db}
}

const projectRoleColumns = `id, member_id, account_owner_id, project_id, project_name, project_role,
	added_by, synced_to_hopsworks, sync_error, added_at`

// Upsert records the member's role on a project, replacing an earlier role
func (r *ProjectRoleRepository) Upsert(ctx context.Context, role *models.ProjectMemberRole) error {
	if role.ID == "" {
		role.ID = uuid.New().String()
	}
	if role.AddedAt.IsZero() {
		role.AddedAt = time.Now()
	}
	query := `
		INSERT INTO project_member_roles (` + projectRoleColumns + `)
		VALUES (:id, :member_id, :account_owner_id, :project_id, :project_name, :project_role,
		        :added_by, :synced_to_hopsworks, :sync_error, :added_at)
		ON CONFLICT (member_id, project_id) DO UPDATE SET
			project_role = EXCLUDED.project_role,
			synced_to_hopsworks = EXCLUDED.synced_to_hopsworks,
			sync_error = EXCLUDED.sync_error`
	if _, err := r.db.NamedExecContext(ctx, query, role); err != nil {
		return fmt.Errorf("failed to upsert project role: %w", err)
	}
	return nil
}

// Get returns the member's role on a project, or nil
func (r *ProjectRoleRepository) Get(ctx context.Context, memberID string, projectID int64) (*models.ProjectMemberRole, error) {
	var role models.ProjectMemberRole
	query := `SELECT ` + projectRoleColumns + ` FROM project_member_roles WHERE member_id = $1 AND project_id = $2`
	err := r.db.GetContext(ctx, &role, query, memberID, projectID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &role, nil
}

// ListByMember returns the projects a member was added to
func (r *ProjectRoleRepository) ListByMember(ctx context.Context, memberID string) ([]models.ProjectMemberRole, error) {
	var roles []models.ProjectMemberRole
	query := `SELECT ` + projectRoleColumns + ` FROM project_member_roles WHERE member_id = $1 ORDER BY project_name`
	if err := r.db.SelectContext(ctx, &roles, query, memberID); err != nil {
		return nil, err
	}
	return roles, nil
}

// ListByOwner returns all member roles on ownerID's projects
func (r *ProjectRoleRepository) ListByOwner(ctx context.Context, ownerID string) ([]models.ProjectMemberRole, error) {
	var roles []models.ProjectMemberRole
	query := `SELECT ` + projectRoleColumns + ` FROM project_member_roles WHERE account_owner_id = $1 ORDER BY member_id, project_name`
	if err := r.db.SelectContext(ctx, &roles, query, ownerID); err != nil {
		return nil, err
	}
	return roles, nil
}

// MarkSynced records the outcome of pushing the role to the backend
func (r *ProjectRoleRepository) MarkSynced(ctx context.Context, memberID string, projectID int64, syncErr *string) error {
	query := `
		UPDATE project_member_roles SET synced_to_hopsworks = $3, sync_error = $4
		WHERE member_id = $1 AND project_id = $2`
	_, err := r.db.ExecContext(ctx, query, memberID, projectID, syncErr == nil, syncErr)
	return err
}
