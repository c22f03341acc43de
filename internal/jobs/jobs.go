// Package jobs holds the batch work triggered by the /api/cron endpoints. Each job
// is a single bounded pass over the database: Run does its work, records what it
// could not finish, and returns a summary. Nothing here schedules itself; an
// external timer calls the endpoint.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mlplatform/console-backend/internal/alerts"
	"github.com/mlplatform/console-backend/internal/db/models"
	"github.com/mlplatform/console-backend/internal/telemetry"
)

// Job names used for logging and the cron_runs_total metric.
const (
	JobUsageReport      = "usage_report"
	JobSpendingCaps     = "spending_caps"
	JobIntegrityCheck   = "integrity_check"
	JobRepair           = "repair"
	JobDailyDigest      = "daily_digest"
	JobDowngradeEnforce = "downgrade_enforce"
)

// UserReader loads users by id.
type UserReader interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

// FailureRecorder appends to the health check failure log.
type FailureRecorder interface {
	Record(ctx context.Context, f *models.HealthCheckFailure) error
}

// Alerter posts operational alerts.
type Alerter interface {
	Ship(ctx context.Context, a *alerts.Alert) error
}

func record(ctx context.Context, rec FailureRecorder, f *models.HealthCheckFailure) {
	if rec == nil {
		return
	}
	if err := rec.Record(ctx, f); err != nil {
		slog.Error("failed to record health check failure", "check_type", f.CheckType, "error", err)
	}
}

func ship(ctx context.Context, alerter Alerter, a *alerts.Alert) {
	if alerter == nil {
		return
	}
	if err := alerter.Ship(ctx, a); err != nil {
		slog.Error("failed to ship alert", "source", a.Source, "error", err)
	}
}

func finish(job string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	telemetry.CronRunsTotal.WithLabelValues(job, outcome).Inc()
}

func strPtr(s string) *string { return &s }

// detailInt64 reads an integer from failure details. Rows read back from JSONB
// hold float64; rows built in process hold the original integer type.
func detailInt64(details map[string]interface{}, key string) (int64, error) {
	v, ok := details[key]
	if !ok {
		return 0, fmt.Errorf("details missing %q", key)
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	return 0, fmt.Errorf("details %q has unexpected type %T", key, v)
}
