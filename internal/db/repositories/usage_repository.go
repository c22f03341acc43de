// usage_repository.go implements UsageRepository, reading the per-day usage counters for
// usage reporting, spending caps and the billing pages.
package repositories

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mlplatform/console-backend/internal/db/models"
)

// UsageRepository handles database operations for daily usage rows
type UsageRepository struct {
	db *sqlx.DB
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *sqlx.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

const usageColumns = `id, user_id, account_owner_id, usage_date, cpu_hours, gpu_hours, ram_gb_hours,
	online_storage_gb, offline_storage_gb, network_egress_gb, total_cost,
	reported_to_stripe, reported_at, created_at`

// OwnerSpend is an owner's summed cost over a period.
type OwnerSpend struct {
	AccountOwnerID string  `db:"account_owner_id"`
	TotalCost      float64 `db:"total_cost"`
}

// ListUnreported returns rows not yet reported for days before before, oldest first
func (r *UsageRepository) ListUnreported(ctx context.Context, before time.Time, limit int) ([]models.UsageDaily, error) {
	var rows []models.UsageDaily
	query := `SELECT ` + usageColumns + `
		FROM usage_daily
		WHERE reported_to_stripe = FALSE AND usage_date < $1
		ORDER BY usage_date, id
		LIMIT $2`
	if err := r.db.SelectContext(ctx, &rows, query, before, limit); err != nil {
		return nil, err
	}
	return rows, nil
}

// MarkReported flags a row as reported
func (r *UsageRepository) MarkReported(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE usage_daily SET reported_to_stripe = TRUE, reported_at = $2 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, at)
	return err
}

// ListForOwner returns the owner's rows (including team members') within [from, to)
func (r *UsageRepository) ListForOwner(ctx context.Context, ownerID string, from, to time.Time) ([]models.UsageDaily, error) {
	var rows []models.UsageDaily
	query := `SELECT ` + usageColumns + `
		FROM usage_daily
		WHERE account_owner_id = $1 AND usage_date >= $2 AND usage_date < $3
		ORDER BY usage_date, user_id`
	if err := r.db.SelectContext(ctx, &rows, query, ownerID, from, to); err != nil {
		return nil, err
	}
	return rows, nil
}

// SpendByOwner sums total_cost per owner within [from, to)
func (r *UsageRepository) SpendByOwner(ctx context.Context, from, to time.Time) ([]OwnerSpend, error) {
	var spend []OwnerSpend
	query := `
		SELECT account_owner_id, COALESCE(SUM(total_cost), 0) AS total_cost
		FROM usage_daily
		WHERE usage_date >= $1 AND usage_date < $2
		GROUP BY account_owner_id`
	if err := r.db.SelectContext(ctx, &spend, query, from, to); err != nil {
		return nil, err
	}
	return spend, nil
}

// BilledOn sums total_cost of rows for day that were reported
func (r *UsageRepository) BilledOn(ctx context.Context, day time.Time) (float64, error) {
	var total float64
	query := `
		SELECT COALESCE(SUM(total_cost), 0)
		FROM usage_daily
		WHERE usage_date = $1 AND reported_to_stripe = TRUE`
	err := r.db.GetContext(ctx, &total, query, day)
	return total, err
}
