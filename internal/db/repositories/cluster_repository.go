// cluster_repository.go implements ClusterRepository, providing queries for the shared backend
// clusters and the single-statement counter updates used during assignment.
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

// ClusterRepository handles database operations for backend clusters
type ClusterRepository struct {
	db *sqlx.DB
}

// NewClusterRepository creates a new cluster repository
func NewClusterRepository(db *sqlx.DB) *ClusterRepository {
	return &ClusterRepository{db: db}
}

const clusterColumns = `id, name, api_url, api_key_encrypted, current_users, max_users, status, verify_tls, created_at, updated_at`

// Create inserts a cluster, assigning an ID when empty
func (r *ClusterRepository) Create(ctx context.Context, c *models.Cluster) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = models.ClusterStatusActive
	}

	query := `
		INSERT INTO hopsworks_clusters (` + clusterColumns + `)
		VALUES (:id, :name, :api_url, :api_key_encrypted, :current_users, :max_users, :status, :verify_tls, :created_at, :updated_at)`

	if _, err := r.db.NamedExecContext(ctx, query, c); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create cluster: %w", err)
	}
	return nil
}

// Update writes the mutable fields of a cluster. The counter is left alone.
func (r *ClusterRepository) Update(ctx context.Context, c *models.Cluster) error {
	c.UpdatedAt = time.Now()
	query := `
		UPDATE hopsworks_clusters SET
			name = :name,
			api_url = :api_url,
			api_key_encrypted = :api_key_encrypted,
			max_users = :max_users,
			status = :status,
			verify_tls = :verify_tls,
			updated_at = :updated_at
		WHERE id = :id`

	if _, err := r.db.NamedExecContext(ctx, query, c); err != nil {
		return fmt.Errorf("failed to update cluster: %w", err)
	}
	return nil
}

// GetByID returns a cluster or nil when it does not exist
func (r *ClusterRepository) GetByID(ctx context.Context, id string) (*models.Cluster, error) {
	var c models.Cluster
	query := `SELECT ` + clusterColumns + ` FROM hopsworks_clusters WHERE id = $1`
	err := r.db.GetContext(ctx, &c, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// List returns every cluster ordered by name
func (r *ClusterRepository) List(ctx context.Context) ([]models.Cluster, error) {
	var clusters []models.Cluster
	query := `SELECT ` + clusterColumns + ` FROM hopsworks_clusters ORDER BY name`
	if err := r.db.SelectContext(ctx, &clusters, query); err != nil {
		return nil, err
	}
	return clusters, nil
}

// ListActive returns the clusters that accept new users, oldest first so the
// capacity selector breaks ties deterministically.
func (r *ClusterRepository) ListActive(ctx context.Context) ([]models.Cluster, error) {
	var clusters []models.Cluster
	query := `SELECT ` + clusterColumns + `
		FROM hopsworks_clusters
		WHERE status = 'active'
		ORDER BY created_at, id`
	if err := r.db.SelectContext(ctx, &clusters, query); err != nil {
		return nil, err
	}
	return clusters, nil
}

// IncrementUsers bumps current_users in a single statement
func (r *ClusterRepository) IncrementUsers(ctx context.Context, id string) error {
	query := `UPDATE hopsworks_clusters SET current_users = current_users + 1, updated_at = NOW() WHERE id = $1`
	return r.execOne(ctx, query, id)
}

// DecrementUsers lowers current_users in a single statement, never below zero
func (r *ClusterRepository) DecrementUsers(ctx context.Context, id string) error {
	query := `UPDATE hopsworks_clusters SET current_users = GREATEST(current_users - 1, 0), updated_at = NOW() WHERE id = $1`
	return r.execOne(ctx, query, id)
}

func (r *ClusterRepository) execOne(ctx context.Context, query string, id string) error {
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("cluster %s not found", id)
	}
	return nil
}

// CounterDrift lists clusters whose counter disagrees with the number of assignment rows
func (r *ClusterRepository) CounterDrift(ctx context.Context) ([]models.ClusterCounterDrift, error) {
	var drift []models.ClusterCounterDrift
	query := `
		SELECT c.id AS cluster_id, c.name AS cluster_name, c.current_users,
		       COUNT(a.id) AS assigned
		FROM hopsworks_clusters c
		LEFT JOIN user_hopsworks_assignments a ON a.cluster_id = c.id
		GROUP BY c.id, c.name, c.current_users
		HAVING c.current_users <> COUNT(a.id)`
	if err := r.db.SelectContext(ctx, &drift, query); err != nil {
		return nil, err
	}
	return drift, nil
}
