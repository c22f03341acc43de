// Package models - health_check.go defines the health check failure log. Rows are
// appended by request paths and integrity checks and consumed by the repair queue.
package models

import (
	"time"
)

// Check types written to health_check_failures.check_type.
const (
	CheckNoCapacity            = "cluster_no_capacity"
	CheckHopsworksUserCreate   = "hopsworks_user_create"
	CheckQuotaSync             = "quota_sync"
	CheckProjectMemberSync     = "project_member_sync"
	CheckStatusSync            = "status_sync"
	CheckEmailDelivery         = "email_delivery"
	CheckWebhookProcessing     = "stripe_webhook"
	CheckUsageOrphaned         = "usage_orphaned"
	CheckUsageReport           = "usage_report"
	CheckClusterCounterDrift   = "cluster_counter_drift"
	CheckExternalIDMismatch    = "external_id_mismatch"
	CheckStuckPostpaid         = "stuck_postpaid"
	CheckCanceledStillActive   = "subscription_canceled_still_active"
	CheckOwnerSuspended        = "owner_suspended_member_active"
	CheckDowngradeProjectCount = "downgrade_project_count"
	CheckTeamClusterFull       = "team_cluster_over_capacity"
)

// RepairableCheckTypes are the failure types the repair queue knows how to re-run.
var RepairableCheckTypes = []string{
	CheckHopsworksUserCreate,
	CheckQuotaSync,
	CheckProjectMemberSync,
	CheckStatusSync,
}

// Severity tiers. Critical and high findings raise an alert.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityInfo     = "info"
)

// HealthCheckFailure is one entry in the failure log.
type HealthCheckFailure struct {
	ID           string                 `json:"id"`
	UserID       *string                `json:"user_id,omitempty"`
	Email        *string                `json:"email,omitempty"`
	CheckType    string                 `json:"check_type"`
	ErrorMessage string                 `json:"error_message"`
	Details      map[string]interface{} `json:"details,omitempty"`
	Severity     string                 `json:"severity"`
	Attempts     int                    `json:"attempts"`
	Resolved     bool                   `json:"resolved"`
	ResolvedAt   *time.Time             `json:"resolved_at,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Alerting reports whether the failure's severity should page someone.
func (f *HealthCheckFailure) Alerting() bool {
	return f.Severity == SeverityCritical || f.Severity == SeverityHigh
}
