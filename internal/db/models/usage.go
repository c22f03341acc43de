// Package models - usage.go defines the per-user per-day usage counters consumed by
// usage reporting and the billing pages.
package models

import (
	"time"

	"github.com/mlplatform/console-backend/internal/billing"
)

// UsageDaily is one user's aggregated resource usage for a UTC day. AccountOwnerID is
// the billing target and is the owner when the producing user is a team member.
type UsageDaily struct {
	ID               string     `json:"id" db:"id"`
	UserID           string     `json:"user_id" db:"user_id"`
	AccountOwnerID   string     `json:"account_owner_id" db:"account_owner_id"`
	UsageDate        time.Time  `json:"usage_date" db:"usage_date"`
	CPUHours         float64    `json:"cpu_hours" db:"cpu_hours"`
	GPUHours         float64    `json:"gpu_hours" db:"gpu_hours"`
	RAMGBHours       float64    `json:"ram_gb_hours" db:"ram_gb_hours"`
	OnlineStorageGB  float64    `json:"online_storage_gb" db:"online_storage_gb"`
	OfflineStorageGB float64    `json:"offline_storage_gb" db:"offline_storage_gb"`
	NetworkEgressGB  float64    `json:"network_egress_gb" db:"network_egress_gb"`
	TotalCost        float64    `json:"total_cost" db:"total_cost"`
	ReportedToStripe bool       `json:"reported_to_stripe" db:"reported_to_stripe"`
	ReportedAt       *time.Time `json:"reported_at,omitempty" db:"reported_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
}

// Usage converts the row into the rate table's input type.
func (u *UsageDaily) Usage() billing.DailyUsage {
	return billing.DailyUsage{
		ComputeUsage: billing.ComputeUsage{
			CPUHours:   u.CPUHours,
			GPUHours:   u.GPUHours,
			RAMGBHours: u.RAMGBHours,
		},
		OnlineStorageGB:  u.OnlineStorageGB,
		OfflineStorageGB: u.OfflineStorageGB,
		NetworkEgressGB:  u.NetworkEgressGB,
	}
}
