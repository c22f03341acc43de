// spending.go implements the SpendingMonitor job, which emails owners as their
// month-to-date spend crosses the thresholds of their spending cap.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mlplatform/console-backend/internal/alerts"
	"github.com/mlplatform/console-backend/internal/billing"
	"github.com/mlplatform/console-backend/internal/db/models"
	"github.com/mlplatform/console-backend/internal/db/repositories"
)

// SpendStore sums usage cost per owner.
type SpendStore interface {
	SpendByOwner(ctx context.Context, from, to time.Time) ([]repositories.OwnerSpend, error)
}

// SpendingAlertStore persists which thresholds were notified.
type SpendingAlertStore interface {
	UserReader
	SetSpendingAlertsSent(ctx context.Context, userID string, sent map[string][]int) error
}

// SpendingNotifier emails an owner about their spend.
type SpendingNotifier interface {
	SendSpendingAlert(ctx context.Context, to, name string, threshold int, spent, limit decimal.Decimal) error
}

// SpendingMonitor compares month-to-date spend with each owner's cap.
type SpendingMonitor struct {
	spend    SpendStore
	users    SpendingAlertStore
	notifier SpendingNotifier
	failures FailureRecorder
	alerter  Alerter
	now      func() time.Time
}

// NewSpendingMonitor creates the monitor.
func NewSpendingMonitor(spend SpendStore, users SpendingAlertStore, notifier SpendingNotifier,
	failures FailureRecorder, alerter Alerter) *SpendingMonitor {
	return &SpendingMonitor{
		spend:    spend,
		users:    users,
		notifier: notifier,
		failures: failures,
		alerter:  alerter,
		now:      time.Now,
	}
}

// SpendingAlert is one notification sent by a run.
type SpendingAlert struct {
	UserID    string          `json:"user_id"`
	Threshold int             `json:"threshold"`
	Spent     decimal.Decimal `json:"spent"`
	Cap       decimal.Decimal `json:"cap"`
}

// Run checks every owner with spend this month. Each threshold is notified at most
// once per month; when several are crossed at once only the highest is emailed.
// A failed email leaves the thresholds unrecorded so the next run retries.
func (m *SpendingMonitor) Run(ctx context.Context) (sent []SpendingAlert, err error) {
	defer func() { finish(JobSpendingCaps, err) }()

	now := m.now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	month := monthStart.Format("2006-01")

	totals, err := m.spend.SpendByOwner(ctx, monthStart, monthStart.AddDate(0, 1, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to sum spend: %w", err)
	}

	for _, total := range totals {
		owner, err := m.users.GetUserByID(ctx, total.AccountOwnerID)
		if err != nil {
			slog.Error("spending check: failed to load owner", "user_id", total.AccountOwnerID, "error", err)
			continue
		}
		if owner == nil || !owner.SpendingCap.Valid || owner.IsTeamMember() {
			continue
		}

		spent := decimal.NewFromFloat(total.TotalCost)
		limit := owner.SpendingCap.Decimal
		crossed := billing.CrossedThresholds(spent, limit, owner.AlertsSentFor(month))
		if len(crossed) == 0 {
			continue
		}
		highest := crossed[len(crossed)-1]

		if err := m.notifier.SendSpendingAlert(ctx, owner.Email, owner.Name, highest, spent, limit); err != nil {
			slog.Error("failed to send spending alert", "user_id", owner.ID, "threshold", highest, "error", err)
			record(ctx, m.failures, &models.HealthCheckFailure{
				UserID:       strPtr(owner.ID),
				Email:        strPtr(owner.Email),
				CheckType:    models.CheckEmailDelivery,
				ErrorMessage: err.Error(),
				Severity:     models.SeverityMedium,
				Details:      map[string]interface{}{"template": "spending_alert", "threshold": highest},
			})
			continue
		}

		history := make(map[string][]int, len(owner.SpendingAlertsSent)+1)
		for k, v := range owner.SpendingAlertsSent {
			history[k] = v
		}
		history[month] = append(append([]int(nil), owner.AlertsSentFor(month)...), crossed...)
		if err := m.users.SetSpendingAlertsSent(ctx, owner.ID, history); err != nil {
			slog.Error("failed to store spending alerts", "user_id", owner.ID, "error", err)
		}

		slog.Info("spending alert sent", "user_id", owner.ID, "threshold", highest,
			"spent", spent.StringFixed(2), "cap", limit.StringFixed(2))
		sent = append(sent, SpendingAlert{UserID: owner.ID, Threshold: highest, Spent: spent, Cap: limit})

		if highest >= 100 {
			ship(ctx, m.alerter, &alerts.Alert{
				Severity: alerts.SeverityMedium,
				Source:   JobSpendingCaps,
				Text:     fmt.Sprintf("%s reached their spending cap", owner.Email),
				Fields: map[string]interface{}{
					"user_id": owner.ID,
					"spent":   "$" + spent.StringFixed(2),
					"cap":     "$" + limit.StringFixed(2),
				},
			})
		}
	}
	return sent, nil
}
