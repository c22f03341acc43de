// stats.go implements the operator dashboard: account, billing, cluster and failure counts.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// StatsHandler handles stats-related API requests
type StatsHandler struct {
	db *sqlx.DB
}

// NewStatsHandler creates a new stats handler
func NewStatsHandler(database *sqlx.DB) *StatsHandler {
	return &StatsHandler{
		db: database,
	}
}

// DashboardStats represents the response for dashboard statistics
type DashboardStats struct {
	Users         UserStats          `json:"users"`
	Billing       BillingStats       `json:"billing"`
	Clusters      ClusterStats       `json:"clusters"`
	OpenFailures  map[string]int64   `json:"open_failures"`
	PendingInvite int64              `json:"pending_invites"`
	RecentEvents  []RecentEventEntry `json:"recent_events"`
}

// UserStats counts accounts by role and status.
type UserStats struct {
	Total     int64 `json:"total"`
	Owners    int64 `json:"owners"`
	Members   int64 `json:"members"`
	Active    int64 `json:"active"`
	Suspended int64 `json:"suspended"`
	New7d     int64 `json:"new_7d"`
}

// BillingStats counts owners by billing mode and sums this month's usage cost.
type BillingStats struct {
	Free                int64           `json:"free"`
	Prepaid             int64           `json:"prepaid"`
	Postpaid            int64           `json:"postpaid"`
	ActiveSubscriptions int64           `json:"active_subscriptions"`
	MonthToDate         decimal.Decimal `json:"month_to_date"`
	Unreported          int64           `json:"unreported_rows"`
}

// ClusterStats summarises capacity.
type ClusterStats struct {
	Total    int64 `json:"total"`
	Active   int64 `json:"active"`
	Assigned int64 `json:"assigned"`
	Capacity int64 `json:"capacity"`
}

// RecentEventEntry is one processed billing event.
type RecentEventEntry struct {
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	ProcessedAt time.Time       `json:"processed_at"`
	Summary     json.RawMessage `json:"summary,omitempty"`
}

// GetDashboardStats returns dashboard statistics. The core counts come from a
// single round-trip; the breakdowns that follow are best effort.
// GET /api/v1/admin/stats/dashboard
func (h *StatsHandler) GetDashboardStats(c *gin.Context) {
	ctx := c.Request.Context()

	query := `
		SELECT
			(SELECT COUNT(*) FROM users WHERE status <> 'deleted') AS user_count,
			(SELECT COUNT(*) FROM users WHERE status <> 'deleted' AND account_owner_id IS NULL) AS owner_count,
			(SELECT COUNT(*) FROM users WHERE status = 'active') AS active_count,
			(SELECT COUNT(*) FROM users WHERE status = 'suspended') AS suspended_count,
			(SELECT COUNT(*) FROM users WHERE created_at >= NOW() - INTERVAL '7 days') AS new_count,
			(SELECT COUNT(*) FROM hopsworks_clusters) AS cluster_count,
			(SELECT COUNT(*) FROM hopsworks_clusters WHERE status = 'active') AS active_cluster_count,
			(SELECT COUNT(*) FROM user_hopsworks_assignments) AS assigned_count,
			(SELECT COALESCE(SUM(max_users), 0) FROM hopsworks_clusters WHERE status = 'active') AS capacity
	`

	var stats DashboardStats
	err := h.db.QueryRowContext(ctx, query).Scan(
		&stats.Users.Total,
		&stats.Users.Owners,
		&stats.Users.Active,
		&stats.Users.Suspended,
		&stats.Users.New7d,
		&stats.Clusters.Total,
		&stats.Clusters.Active,
		&stats.Clusters.Assigned,
		&stats.Clusters.Capacity,
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load dashboard statistics"})
		return
	}
	stats.Users.Members = stats.Users.Total - stats.Users.Owners

	// Billing breakdown.
	_ = h.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE billing_mode = 'free') AS free,
			COUNT(*) FILTER (WHERE billing_mode = 'prepaid') AS prepaid,
			COUNT(*) FILTER (WHERE billing_mode = 'postpaid') AS postpaid,
			COUNT(*) FILTER (WHERE stripe_subscription_status IN ('active', 'trialing', 'past_due')) AS subscribed
		FROM users
		WHERE account_owner_id IS NULL AND status <> 'deleted'
	`).Scan(
		&stats.Billing.Free,
		&stats.Billing.Prepaid,
		&stats.Billing.Postpaid,
		&stats.Billing.ActiveSubscriptions,
	)
	var monthToDate float64
	_ = h.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(total_cost), 0) AS cost,
			COUNT(*) FILTER (WHERE reported_to_stripe = FALSE) AS unreported
		FROM usage_daily
		WHERE usage_date >= date_trunc('month', NOW())
	`).Scan(&monthToDate, &stats.Billing.Unreported)
	stats.Billing.MonthToDate = decimal.NewFromFloat(monthToDate).Round(2)

	_ = h.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM team_invites WHERE accepted_at IS NULL AND expires_at > NOW()
	`).Scan(&stats.PendingInvite)

	// Open failures by severity.
	stats.OpenFailures = map[string]int64{}
	if sevRows, sevErr := h.db.QueryContext(ctx, `
		SELECT severity, COUNT(*) FROM health_check_failures
		WHERE resolved = FALSE
		GROUP BY severity
	`); sevErr == nil {
		defer sevRows.Close()
		for sevRows.Next() {
			var severity string
			var count int64
			if scanErr := sevRows.Scan(&severity, &count); scanErr == nil {
				stats.OpenFailures[severity] = count
			}
		}
	}

	// Last 8 billing events.
	stats.RecentEvents = []RecentEventEntry{}
	if evRows, evErr := h.db.QueryContext(ctx, `
		SELECT event_id, event_type, processed_at, payload_summary
		FROM stripe_processed_events
		ORDER BY processed_at DESC
		LIMIT 8
	`); evErr == nil {
		defer evRows.Close()
		for evRows.Next() {
			var entry RecentEventEntry
			var summary []byte
			if scanErr := evRows.Scan(&entry.EventID, &entry.EventType, &entry.ProcessedAt, &summary); scanErr == nil {
				if len(summary) > 0 {
					entry.Summary = summary
				}
				stats.RecentEvents = append(stats.RecentEvents, entry)
			}
		}
	}

	c.JSON(http.StatusOK, stats)
}
