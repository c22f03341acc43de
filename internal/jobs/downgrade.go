// downgrade.go implements the DowngradeEnforcer job. When a downgraded user's grace
// period ends their project quota drops to the free tier. Projects are never deleted.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mlplatform/console-backend/internal/db/models"
	"github.com/mlplatform/console-backend/internal/services"
)

// DowngradeStore finds and clears expired grace periods.
type DowngradeStore interface {
	ListDowngradeDue(ctx context.Context, now time.Time) ([]*models.User, error)
	ClearDowngradeDeadline(ctx context.Context, userID string) error
}

// QuotaSyncer pushes a user's recomputed quota to their cluster.
type QuotaSyncer interface {
	SyncQuota(ctx context.Context, userID string) (int, error)
}

// DowngradeNotifier emails the user once the quota is enforced.
type DowngradeNotifier interface {
	SendDowngradeEnforced(ctx context.Context, to, name string, limit int) error
}

// DowngradeEnforcer applies expired downgrade deadlines.
type DowngradeEnforcer struct {
	users    DowngradeStore
	quotas   QuotaSyncer
	notifier DowngradeNotifier
	failures FailureRecorder
	now      func() time.Time
}

// NewDowngradeEnforcer creates the job.
func NewDowngradeEnforcer(users DowngradeStore, quotas QuotaSyncer, notifier DowngradeNotifier, failures FailureRecorder) *DowngradeEnforcer {
	return &DowngradeEnforcer{
		users:    users,
		quotas:   quotas,
		notifier: notifier,
		failures: failures,
		now:      time.Now,
	}
}

// DowngradeSummary counts the outcomes of one run.
type DowngradeSummary struct {
	Enforced []string `json:"enforced"`
	// Cleared are users who paid again before enforcement.
	Cleared []string `json:"cleared"`
	Failed  []string `json:"failed"`
}

// Run enforces every due deadline. A user whose quota push fails keeps the
// deadline and is retried by the next run.
func (e *DowngradeEnforcer) Run(ctx context.Context) (summary *DowngradeSummary, err error) {
	defer func() { finish(JobDowngradeEnforce, err) }()

	due, err := e.users.ListDowngradeDue(ctx, e.now())
	if err != nil {
		return nil, fmt.Errorf("failed to list due downgrades: %w", err)
	}
	summary = &DowngradeSummary{}

	for _, u := range due {
		if u.BillingMode != models.BillingModeFree || u.HasActiveSubscription() {
			if err := e.users.ClearDowngradeDeadline(ctx, u.ID); err != nil {
				slog.Error("failed to clear stale downgrade deadline", "user_id", u.ID, "error", err)
				continue
			}
			summary.Cleared = append(summary.Cleared, u.ID)
			continue
		}

		limit, err := e.quotas.SyncQuota(ctx, u.ID)
		if err != nil && !errors.Is(err, services.ErrNotAssigned) {
			slog.Error("downgrade quota push failed", "user_id", u.ID, "error", err)
			summary.Failed = append(summary.Failed, u.ID)
			continue
		}
		if err := e.users.ClearDowngradeDeadline(ctx, u.ID); err != nil {
			slog.Error("failed to clear downgrade deadline", "user_id", u.ID, "error", err)
			summary.Failed = append(summary.Failed, u.ID)
			continue
		}
		summary.Enforced = append(summary.Enforced, u.ID)
		slog.Info("downgrade enforced", "user_id", u.ID, "max_projects", limit)

		if err := e.notifier.SendDowngradeEnforced(ctx, u.Email, u.Name, limit); err != nil {
			slog.Error("failed to send downgrade email", "user_id", u.ID, "error", err)
			record(ctx, e.failures, &models.HealthCheckFailure{
				UserID:       strPtr(u.ID),
				Email:        strPtr(u.Email),
				CheckType:    models.CheckEmailDelivery,
				ErrorMessage: err.Error(),
				Severity:     models.SeverityMedium,
				Details:      map[string]interface{}{"template": "downgrade_enforced"},
			})
		}
	}
	return summary, nil
}
