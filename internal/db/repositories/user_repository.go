// Package repositories implements the data access layer for the console backend.
// Each repository type encapsulates all database queries for a domain entity.
// Handlers and services never issue SQL directly.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mlplatform/console-backend/internal/db/models"
	"github.com/shopspring/decimal"
)

// UserRepository handles user database operations
type UserRepository struct {
	db *sql.DB
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, email, name, billing_mode, status, account_owner_id,
	stripe_customer_id, stripe_subscription_id, stripe_subscription_status,
	hopsworks_username, hopsworks_user_id, spending_cap, spending_alerts_sent,
	downgrade_deadline, feature_flags, last_login_at, deleted_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanUser scans userColumns, followed by any extra destinations.
func scanUser(row rowScanner, extra ...interface{}) (*models.User, error) {
	user := &models.User{}
	var (
		alertsJSON  []byte
		flagsJSON   []byte
		spendingCap decimal.NullDecimal
	)
	dest := []interface{}{
		&user.ID,
		&user.Email,
		&user.Name,
		&user.BillingMode,
		&user.Status,
		&user.AccountOwnerID,
		&user.StripeCustomerID,
		&user.StripeSubscriptionID,
		&user.StripeSubscriptionStatus,
		&user.HopsworksUsername,
		&user.HopsworksUserID,
		&spendingCap,
		&alertsJSON,
		&user.DowngradeDeadline,
		&flagsJSON,
		&user.LastLoginAt,
		&user.DeletedAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	user.SpendingCap = spendingCap

	if len(alertsJSON) > 0 {
		if err := json.Unmarshal(alertsJSON, &user.SpendingAlertsSent); err != nil {
			return nil, fmt.Errorf("decode spending_alerts_sent: %w", err)
		}
	}
	if len(flagsJSON) > 0 {
		if err := json.Unmarshal(flagsJSON, &user.FeatureFlags); err != nil {
			return nil, fmt.Errorf("decode feature_flags: %w", err)
		}
	}
	return user, nil
}

func (r *UserRepository) getOne(ctx context.Context, where string, arg interface{}) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE ` + where

	user, err := scanUser(r.db.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (r *UserRepository) list(ctx context.Context, query string, args ...interface{}) ([]*models.User, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// GetUserByID retrieves a user by ID
func (r *UserRepository) GetUserByID(ctx context.Context, userID string) (*models.User, error) {
	return r.getOne(ctx, "id = $1", userID)
}

// GetUserByEmail retrieves a user by email, case-insensitively
func (r *UserRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.getOne(ctx, "lower(email) = lower($1)", email)
}

// GetUserByStripeCustomerID retrieves the owner attached to a billing customer
func (r *UserRepository) GetUserByStripeCustomerID(ctx context.Context, customerID string) (*models.User, error) {
	return r.getOne(ctx, "stripe_customer_id = $1", customerID)
}

// UpsertOnLogin creates the user on first login or refreshes email, name and last_login_at.
// created reports whether the row was inserted.
func (r *UserRepository) UpsertOnLogin(ctx context.Context, id, email, name string) (user *models.User, created bool, err error) {
	now := time.Now()
	query := `
		INSERT INTO users (id, email, name, billing_mode, status, last_login_at, created_at, updated_at)
		VALUES ($1, $2, $3, 'free', 'active', $4, $4, $4)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			name = CASE WHEN EXCLUDED.name = '' THEN users.name ELSE EXCLUDED.name END,
			last_login_at = EXCLUDED.last_login_at,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + userColumns + `, (xmax = 0) AS inserted`

	user, err = scanUser(r.db.QueryRowContext(ctx, query, id, email, name, now), &created)
	if isUniqueViolation(err) {
		return nil, false, ErrDuplicate
	}
	if err != nil {
		return nil, false, err
	}
	return user, created, nil
}

// UpsertTeamMember creates or converts the user into a member of ownerID's team.
func (r *UserRepository) UpsertTeamMember(ctx context.Context, id, email, name, ownerID string) (*models.User, error) {
	now := time.Now()
	query := `
		INSERT INTO users (id, email, name, billing_mode, status, account_owner_id, created_at, updated_at)
		VALUES ($1, $2, $3, 'postpaid', 'active', $4, $5, $5)
		ON CONFLICT (id) DO UPDATE SET
			account_owner_id = EXCLUDED.account_owner_id,
			billing_mode = 'postpaid',
			status = 'active',
			deleted_at = NULL,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + userColumns

	return scanUser(r.db.QueryRowContext(ctx, query, id, email, name, ownerID, now))
}

// ListTeamMembers returns the non-deleted members billed through ownerID
func (r *UserRepository) ListTeamMembers(ctx context.Context, ownerID string) ([]*models.User, error) {
	query := `SELECT ` + userColumns + `
		FROM users
		WHERE account_owner_id = $1 AND status <> 'deleted'
		ORDER BY created_at`
	return r.list(ctx, query, ownerID)
}

// UpdateStatus sets a single user's status. Setting deleted also stamps deleted_at.
func (r *UserRepository) UpdateStatus(ctx context.Context, userID string, status models.UserStatus) error {
	query := `
		UPDATE users SET
			status = $2,
			deleted_at = CASE WHEN $2 = 'deleted' THEN NOW() ELSE deleted_at END,
			updated_at = NOW()
		WHERE id = $1`

	_, err := r.db.ExecContext(ctx, query, userID, status)
	return err
}

// SuspendTeamMembers suspends every non-deleted member of ownerID and returns them.
func (r *UserRepository) SuspendTeamMembers(ctx context.Context, ownerID string) ([]*models.User, error) {
	query := `
		UPDATE users SET status = 'suspended', updated_at = NOW()
		WHERE account_owner_id = $1 AND status <> 'deleted'
		RETURNING ` + userColumns
	return r.list(ctx, query, ownerID)
}

// ReactivateTeamMembers reactivates only the suspended members of ownerID and returns them.
func (r *UserRepository) ReactivateTeamMembers(ctx context.Context, ownerID string) ([]*models.User, error) {
	query := `
		UPDATE users SET status = 'active', updated_at = NOW()
		WHERE account_owner_id = $1 AND status = 'suspended'
		RETURNING ` + userColumns
	return r.list(ctx, query, ownerID)
}

// SetHopsworksIdentity stores the external backend identity on the user row
func (r *UserRepository) SetHopsworksIdentity(ctx context.Context, userID, username string, externalID int64) error {
	query := `
		UPDATE users SET hopsworks_username = $2, hopsworks_user_id = $3, updated_at = NOW()
		WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, userID, username, externalID)
	return err
}

// SetStripeCustomer stores the billing customer id
func (r *UserRepository) SetStripeCustomer(ctx context.Context, userID, customerID string) error {
	query := `UPDATE users SET stripe_customer_id = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, userID, customerID)
	return err
}

// SetSubscription stores the subscription id and status. Nil values clear them.
func (r *UserRepository) SetSubscription(ctx context.Context, userID string, subscriptionID, status *string) error {
	query := `
		UPDATE users SET stripe_subscription_id = $2, stripe_subscription_status = $3, updated_at = NOW()
		WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, userID, subscriptionID, status)
	return err
}

// SetBillingMode changes the user's billing mode
func (r *UserRepository) SetBillingMode(ctx context.Context, userID string, mode models.BillingMode) error {
	query := `UPDATE users SET billing_mode = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, userID, mode)
	return err
}

// SetDowngradeDeadlineIfUnset stores deadline unless a deadline that is still in the
// future is already recorded. It reports whether the row was written.
func (r *UserRepository) SetDowngradeDeadlineIfUnset(ctx context.Context, userID string, deadline time.Time) (bool, error) {
	query := `
		UPDATE users SET downgrade_deadline = $2, updated_at = NOW()
		WHERE id = $1 AND (downgrade_deadline IS NULL OR downgrade_deadline <= NOW())`
	result, err := r.db.ExecContext(ctx, query, userID, deadline)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClearDowngradeDeadline removes the grace-period deadline
func (r *UserRepository) ClearDowngradeDeadline(ctx context.Context, userID string) error {
	query := `UPDATE users SET downgrade_deadline = NULL, updated_at = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, userID)
	return err
}

// ListDowngradeDue returns users whose grace period ended before now
func (r *UserRepository) ListDowngradeDue(ctx context.Context, now time.Time) ([]*models.User, error) {
	query := `SELECT ` + userColumns + `
		FROM users
		WHERE downgrade_deadline IS NOT NULL AND downgrade_deadline <= $1 AND status <> 'deleted'
		ORDER BY downgrade_deadline`
	return r.list(ctx, query, now)
}

// SetSpendingCap stores the monthly cap; an invalid NullDecimal clears it.
func (r *UserRepository) SetSpendingCap(ctx context.Context, userID string, amount decimal.NullDecimal) error {
	query := `UPDATE users SET spending_cap = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, userID, amount)
	return err
}

// SetSpendingAlertsSent replaces the per-month threshold record
func (r *UserRepository) SetSpendingAlertsSent(ctx context.Context, userID string, sent map[string][]int) error {
	data, err := json.Marshal(sent)
	if err != nil {
		return err
	}
	query := `UPDATE users SET spending_alerts_sent = $2, updated_at = NOW() WHERE id = $1`
	_, err = r.db.ExecContext(ctx, query, userID, data)
	return err
}

// SetFeatureFlag sets one key in the feature_flags map
func (r *UserRepository) SetFeatureFlag(ctx context.Context, userID, flag string, enabled bool) error {
	query := `
		UPDATE users SET
			feature_flags = COALESCE(feature_flags, '{}'::jsonb) || jsonb_build_object($2::text, $3::boolean),
			updated_at = NOW()
		WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, userID, flag, enabled)
	return err
}

// ListStuckPostpaid returns active postpaid owners that have no subscription id
func (r *UserRepository) ListStuckPostpaid(ctx context.Context) ([]*models.User, error) {
	query := `SELECT ` + userColumns + `
		FROM users
		WHERE billing_mode = 'postpaid' AND account_owner_id IS NULL
		  AND status = 'active' AND stripe_subscription_id IS NULL`
	return r.list(ctx, query)
}

// ListLocallyActiveSubscriptions returns owners whose stored subscription is active
func (r *UserRepository) ListLocallyActiveSubscriptions(ctx context.Context) ([]*models.User, error) {
	query := `SELECT ` + userColumns + `
		FROM users
		WHERE stripe_subscription_id IS NOT NULL AND stripe_subscription_status = 'active'
		  AND account_owner_id IS NULL AND status <> 'deleted'`
	return r.list(ctx, query)
}

// ListActiveMembersOfSuspendedOwners returns active members whose owner is suspended
func (r *UserRepository) ListActiveMembersOfSuspendedOwners(ctx context.Context) ([]*models.User, error) {
	query := `SELECT ` + prefixColumns("m", userColumns) + `
		FROM users m
		JOIN users o ON o.id = m.account_owner_id
		WHERE m.status = 'active' AND o.status = 'suspended'`
	return r.list(ctx, query)
}

// CountCreatedSince counts users created after since
func (r *UserRepository) CountCreatedSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE created_at >= $1`, since).Scan(&n)
	return n, err
}

// CountActiveSubscriptions counts owners with an active subscription
func (r *UserRepository) CountActiveSubscriptions(ctx context.Context) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM users WHERE stripe_subscription_status = 'active' AND account_owner_id IS NULL`
	err := r.db.QueryRowContext(ctx, query).Scan(&n)
	return n, err
}

func prefixColumns(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
