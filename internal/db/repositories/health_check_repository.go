// health_check_repository.go implements HealthCheckRepository, the durable failure log that
// request paths append to and the repair queue consumes.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mlplatform/console-backend/internal/db/models"
	"github.com/mlplatform/console-backend/internal/telemetry"
)

// HealthCheckRepository handles health check failure database operations
type HealthCheckRepository struct {
	db *sql.DB
}

// NewHealthCheckRepository creates a new HealthCheckRepository
func NewHealthCheckRepository(db *sql.DB) *HealthCheckRepository {
	return &HealthCheckRepository{db: db}
}

// HealthCheckFilters contains filters for querying failures
type HealthCheckFilters struct {
	Resolved  *bool
	CheckType *string
	Severity  *string
	UserID    *string
}

const healthCheckColumns = `id, user_id, email, check_type, error_message, details, severity,
	attempts, resolved, resolved_at, created_at`

// Record appends a failure. A missing severity defaults to medium.
func (r *HealthCheckRepository) Record(ctx context.Context, f *models.HealthCheckFailure) error {
	f.ID = uuid.New().String()
	f.CreatedAt = time.Now()
	if f.Severity == "" {
		f.Severity = models.SeverityMedium
	}

	var detailsJSON []byte
	var err error
	if f.Details != nil {
		detailsJSON, err = json.Marshal(f.Details)
		if err != nil {
			return err
		}
	}

	query := `
		INSERT INTO health_check_failures (id, user_id, email, check_type, error_message, details, severity, attempts, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, FALSE, $8)
	`

	_, err = r.db.ExecContext(ctx, query,
		f.ID,
		f.UserID,
		f.Email,
		f.CheckType,
		f.ErrorMessage,
		detailsJSON,
		f.Severity,
		f.CreatedAt,
	)
	if err != nil {
		return err
	}

	telemetry.HealthCheckFailuresRecordedTotal.WithLabelValues(f.CheckType).Inc()
	return nil
}

func scanFailure(row rowScanner) (*models.HealthCheckFailure, error) {
	f := &models.HealthCheckFailure{}
	var detailsJSON []byte

	err := row.Scan(
		&f.ID,
		&f.UserID,
		&f.Email,
		&f.CheckType,
		&f.ErrorMessage,
		&detailsJSON,
		&f.Severity,
		&f.Attempts,
		&f.Resolved,
		&f.ResolvedAt,
		&f.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if detailsJSON != nil {
		if err := json.Unmarshal(detailsJSON, &f.Details); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (r *HealthCheckRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.HealthCheckFailure, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	failures := make([]*models.HealthCheckFailure, 0)
	for rows.Next() {
		f, err := scanFailure(rows)
		if err != nil {
			return nil, err
		}
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

// List retrieves failures with optional filters and pagination, newest first
func (r *HealthCheckRepository) List(ctx context.Context, filters HealthCheckFilters, limit, offset int) ([]*models.HealthCheckFailure, int, error) {
	where := ` WHERE 1=1`
	args := make([]interface{}, 0)
	paramIndex := 1

	if filters.Resolved != nil {
		where += fmt.Sprintf(` AND resolved = $%d`, paramIndex)
		args = append(args, *filters.Resolved)
		paramIndex++
	}

	if filters.CheckType != nil {
		where += fmt.Sprintf(` AND check_type = $%d`, paramIndex)
		args = append(args, *filters.CheckType)
		paramIndex++
	}

	if filters.Severity != nil {
		where += fmt.Sprintf(` AND severity = $%d`, paramIndex)
		args = append(args, *filters.Severity)
		paramIndex++
	}

	if filters.UserID != nil {
		where += fmt.Sprintf(` AND user_id = $%d`, paramIndex)
		args = append(args, *filters.UserID)
		paramIndex++
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM health_check_failures`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + healthCheckColumns + ` FROM health_check_failures` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, paramIndex, paramIndex+1)
	args = append(args, limit, offset)

	failures, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return failures, total, nil
}

// GetByID retrieves a single failure
func (r *HealthCheckRepository) GetByID(ctx context.Context, id string) (*models.HealthCheckFailure, error) {
	query := `SELECT ` + healthCheckColumns + ` FROM health_check_failures WHERE id = $1`

	f, err := scanFailure(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ListRepairable returns unresolved failures of the given types below maxAttempts, oldest first
func (r *HealthCheckRepository) ListRepairable(ctx context.Context, checkTypes []string, maxAttempts, limit int) ([]*models.HealthCheckFailure, error) {
	query := `SELECT ` + healthCheckColumns + `
		FROM health_check_failures
		WHERE resolved = FALSE AND check_type = ANY($1) AND attempts < $2
		ORDER BY created_at
		LIMIT $3`
	return r.query(ctx, query, pq.Array(checkTypes), maxAttempts, limit)
}

// Resolve marks a failure resolved. It reports whether an open failure was found.
func (r *HealthCheckRepository) Resolve(ctx context.Context, id string) (bool, error) {
	query := `UPDATE health_check_failures SET resolved = TRUE, resolved_at = NOW() WHERE id = $1 AND resolved = FALSE`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecordAttempt increments the attempt counter and stores the latest error. It returns the new count.
func (r *HealthCheckRepository) RecordAttempt(ctx context.Context, id, errMsg string) (int, error) {
	var attempts int
	query := `
		UPDATE health_check_failures SET attempts = attempts + 1, error_message = $2
		WHERE id = $1
		RETURNING attempts`
	err := r.db.QueryRowContext(ctx, query, id, errMsg).Scan(&attempts)
	return attempts, err
}

// CountUnresolvedBySeverity returns open failure counts keyed by severity
func (r *HealthCheckRepository) CountUnresolvedBySeverity(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT severity, COUNT(*)
		FROM health_check_failures
		WHERE resolved = FALSE
		GROUP BY severity`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var severity string
		var n int
		if err := rows.Scan(&severity, &n); err != nil {
			return nil, err
		}
		counts[strings.ToLower(severity)] = n
	}
	return counts, rows.Err()
}
