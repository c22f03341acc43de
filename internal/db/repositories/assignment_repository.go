// assignment_repository.go implements AssignmentRepository for the one-row-per-user link
// between a user and the cluster hosting their backend account.
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

// AssignmentRepository handles database operations for user cluster assignments
type AssignmentRepository struct {
	db *sqlx.DB
}

// NewAssignmentRepository creates a new assignment repository
func NewAssignmentRepository(db *sqlx.DB) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

// GetByUserID returns the user's assignment or nil when unassigned
func (r *AssignmentRepository) GetByUserID(ctx context.Context, userID string) (*models.Assignment, error) {
	var a models.Assignment
	query := `
		SELECT id, user_id, cluster_id, hopsworks_user_id, hopsworks_username, assigned_at
		FROM user_hopsworks_assignments
		WHERE user_id = $1`
	err := r.db.GetContext(ctx, &a, query, userID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Create inserts the assignment. A concurrent assignment of the same user yields ErrDuplicate.
func (r *AssignmentRepository) Create(ctx context.Context, a *models.Assignment) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now()
	}
	query := `
		INSERT INTO user_hopsworks_assignments (id, user_id, cluster_id, hopsworks_user_id, hopsworks_username, assigned_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.ExecContext(ctx, query, a.ID, a.UserID, a.ClusterID, a.HopsworksUserID, a.HopsworksUsername, a.AssignedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create assignment: %w", err)
	}
	return nil
}

// SetHopsworksIdentity stores the external identity on the assignment row
func (r *AssignmentRepository) SetHopsworksIdentity(ctx context.Context, userID, username string, externalID int64) error {
	query := `
		UPDATE user_hopsworks_assignments SET hopsworks_username = $2, hopsworks_user_id = $3
		WHERE user_id = $1`
	_, err := r.db.ExecContext(ctx, query, userID, username, externalID)
	return err
}

// ExternalIDMismatches lists users whose external id differs from their assignment's
func (r *AssignmentRepository) ExternalIDMismatches(ctx context.Context) ([]models.ExternalIDMismatch, error) {
	var rows []models.ExternalIDMismatch
	query := `
		SELECT u.id AS user_id, u.email, u.hopsworks_user_id AS user_hopsworks_id,
		       a.hopsworks_user_id AS assignment_hopsworks_id
		FROM users u
		JOIN user_hopsworks_assignments a ON a.user_id = u.id
		WHERE u.hopsworks_user_id IS DISTINCT FROM a.hopsworks_user_id`
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, err
	}
	return rows, nil
}
