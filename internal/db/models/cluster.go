// Package models - cluster.go defines the shared backend clusters users are assigned to
// and the one-row-per-user assignment that links them.
package models

import "time"

// ClusterStatus is the operational state of a cluster.
type ClusterStatus string

const (
	ClusterStatusActive      ClusterStatus = "active"
	ClusterStatusMaintenance ClusterStatus = "maintenance"
	ClusterStatusFull        ClusterStatus = "full"
	ClusterStatusInactive    ClusterStatus = "inactive"
)

// Valid reports whether s is a known cluster status.
func (s ClusterStatus) Valid() bool {
	switch s {
	case ClusterStatusActive, ClusterStatusMaintenance, ClusterStatusFull, ClusterStatusInactive:
		return true
	}
	return false
}

// Cluster is a shared backend deployment. CurrentUsers is advisory; nothing in the
// schema caps it at MaxUsers.
type Cluster struct {
	ID              string        `json:"id" db:"id"`
	Name            string        `json:"name" db:"name"`
	APIURL          string        `json:"api_url" db:"api_url"`
	APIKeyEncrypted string        `json:"-" db:"api_key_encrypted"`
	CurrentUsers    int           `json:"current_users" db:"current_users"`
	MaxUsers        int           `json:"max_users" db:"max_users"`
	Status          ClusterStatus `json:"status" db:"status"`
	VerifyTLS       bool          `json:"verify_tls" db:"verify_tls"`
	CreatedAt       time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at" db:"updated_at"`
}

// Assignment links a user to the cluster hosting their backend account.
type Assignment struct {
	ID                string    `json:"id" db:"id"`
	UserID            string    `json:"user_id" db:"user_id"`
	ClusterID         string    `json:"cluster_id" db:"cluster_id"`
	HopsworksUserID   *int64    `json:"hopsworks_user_id,omitempty" db:"hopsworks_user_id"`
	HopsworksUsername *string   `json:"hopsworks_username,omitempty" db:"hopsworks_username"`
	AssignedAt        time.Time `json:"assigned_at" db:"assigned_at"`
}

// ClusterCounterDrift is a cluster whose counter disagrees with its assignment rows.
type ClusterCounterDrift struct {
	ClusterID    string `db:"cluster_id"`
	ClusterName  string `db:"cluster_name"`
	CurrentUsers int    `db:"current_users"`
	Assigned     int    `db:"assigned"`
}

// ExternalIDMismatch is a user whose external id differs between users and assignments.
type ExternalIDMismatch struct {
	UserID             string `db:"user_id"`
	Email              string `db:"email"`
	UserExternalID     *int64 `db:"user_hopsworks_id"`
	AssignmentExternal *int64 `db:"assignment_hopsworks_id"`
}
