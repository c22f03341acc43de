// invite_repository.go implements InviteRepository. Acceptance goes through Claim, a single
// conditional UPDATE, so two concurrent requests can never both own the same invite.
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

// InviteRepository handles database operations for team invites
type InviteRepository struct {
	db *sqlx.DB
}

// NewInviteRepository creates a new invite repository
func NewInviteRepository(db *sqlx.DB) *InviteRepository {
	return &InviteRepository{db: db}
}

const inviteColumns = `id, token, account_owner_id, email, project_role, auto_assign_projects,
	expires_at, accepted_at, accepted_by_user_id, created_at`

// Create inserts an invite. A second pending invite for the same owner and email yields ErrDuplicate.
func (r *InviteRepository) Create(ctx context.Context, inv *models.TeamInvite) error {
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now()
	}
	query := `
		INSERT INTO team_invites (` + inviteColumns + `)
		VALUES (:id, :token, :account_owner_id, :email, :project_role, :auto_assign_projects,
		        :expires_at, :accepted_at, :accepted_by_user_id, :created_at)`

	if _, err := r.db.NamedExecContext(ctx, query, inv); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create invite: %w", err)
	}
	return nil
}

// GetByID returns an invite or nil
func (r *InviteRepository) GetByID(ctx context.Context, id string) (*models.TeamInvite, error) {
	return r.getOne(ctx, `SELECT `+inviteColumns+` FROM team_invites WHERE id = $1`, id)
}

// GetByToken returns an invite or nil
func (r *InviteRepository) GetByToken(ctx context.Context, token string) (*models.TeamInvite, error) {
	return r.getOne(ctx, `SELECT `+inviteColumns+` FROM team_invites WHERE token = $1`, token)
}

func (r *InviteRepository) getOne(ctx context.Context, query string, arg interface{}) (*models.TeamInvite, error) {
	var inv models.TeamInvite
	err := r.db.GetContext(ctx, &inv, query, arg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// FindPending returns the pending, unexpired invite for email under ownerID, if any
func (r *InviteRepository) FindPending(ctx context.Context, ownerID, email string, now time.Time) (*models.TeamInvite, error) {
	var inv models.TeamInvite
	query := `SELECT ` + inviteColumns + `
		FROM team_invites
		WHERE account_owner_id = $1 AND lower(email) = lower($2)
		  AND accepted_at IS NULL AND expires_at > $3`
	err := r.db.GetContext(ctx, &inv, query, ownerID, email, now)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// ListPending returns ownerID's unaccepted, unexpired invites, newest first
func (r *InviteRepository) ListPending(ctx context.Context, ownerID string, now time.Time) ([]models.TeamInvite, error) {
	var invites []models.TeamInvite
	query := `SELECT ` + inviteColumns + `
		FROM team_invites
		WHERE account_owner_id = $1 AND accepted_at IS NULL AND expires_at > $2
		ORDER BY created_at DESC`
	if err := r.db.SelectContext(ctx, &invites, query, ownerID, now); err != nil {
		return nil, err
	}
	return invites, nil
}

// DeleteExpired removes expired pending invites for email so a new one can be issued
func (r *InviteRepository) DeleteExpired(ctx context.Context, ownerID, email string, now time.Time) error {
	query := `
		DELETE FROM team_invites
		WHERE account_owner_id = $1 AND lower(email) = lower($2)
		  AND accepted_at IS NULL AND expires_at <= $3`
	_, err := r.db.ExecContext(ctx, query, ownerID, email, now)
	return err
}

// Claim marks the invite accepted by userID if and only if nobody accepted it yet.
// It returns nil when the token is unknown or already used.
func (r *InviteRepository) Claim(ctx context.Context, token, userID string, now time.Time) (*models.TeamInvite, error) {
	var inv models.TeamInvite
	query := `
		UPDATE team_invites SET accepted_at = $3, accepted_by_user_id = $2
		WHERE token = $1 AND accepted_at IS NULL
		RETURNING ` + inviteColumns
	err := r.db.GetContext(ctx, &inv, query, token, userID, now)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// ReleaseClaim undoes a Claim made by userID so the invite can still be used
func (r *InviteRepository) ReleaseClaim(ctx context.Context, id, userID string) error {
	query := `
		UPDATE team_invites SET accepted_at = NULL, accepted_by_user_id = NULL
		WHERE id = $1 AND accepted_by_user_id = $2`
	_, err := r.db.ExecContext(ctx, query, id, userID)
	return err
}

// DeletePending revokes a pending invite of ownerID. It reports whether a row was removed.
func (r *InviteRepository) DeletePending(ctx context.Context, id, ownerID string) (bool, error) {
	query := `DELETE FROM team_invites WHERE id = $1 AND account_owner_id = $2 AND accepted_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, id, ownerID)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
