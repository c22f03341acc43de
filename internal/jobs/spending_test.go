package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlplatform/console-backend/internal/db/models"
	"github.com/mlplatform/console-backend/internal/db/repositories"
)

func cappedOwner(id string, limit int64, sent map[string][]int) *models.User {
	return &models.User{
		ID:                 id,
		Email:              id + "@example.com",
		BillingMode:        models.BillingModePostpaid,
		SpendingCap:        decimal.NewNullDecimal(decimal.NewFromInt(limit)),
		SpendingAlertsSent: sent,
	}
}

func newSpendingMonitor(users *fakeUsers, totals ...repositories.OwnerSpend) (*SpendingMonitor, *fakeNotifier, *fakeAlerter, *fakeFailures) {
	notifier, alerter, failures := &fakeNotifier{}, &fakeAlerter{}, &fakeFailures{}
	m := NewSpendingMonitor(&fakeSpend{totals: totals}, users, notifier, failures, alerter)
	m.now = func() time.Time { return time.Date(2026, 3, 20, 6, 0, 0, 0, time.UTC) }
	return m, notifier, alerter, failures
}

func TestSpendingMonitor_HighestNewThresholdEmailed(t *testing.T) {
	users := newFakeUsers(cappedOwner("o1", 100, map[string][]int{"2026-02": {50, 80, 90, 100}}))
	m, notifier, alerter, _ := newSpendingMonitor(users, repositories.OwnerSpend{AccountOwnerID: "o1", TotalCost: 85})

	sent, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, 80, sent[0].Threshold)
	assert.Equal(t, []spendingMail{{to: "o1@example.com", threshold: 80}}, notifier.spending)
	assert.Equal(t, []int{50, 80}, users.sent["o1"]["2026-03"])
	assert.Equal(t, []int{50, 80, 90, 100}, users.sent["o1"]["2026-02"], "earlier months are kept")
	assert.Empty(t, alerter.alerts)
}

func TestSpendingMonitor_AlreadyNotified(t *testing.T) {
	users := newFakeUsers(cappedOwner("o1", 100, map[string][]int{"2026-03": {50, 80}}))
	m, notifier, _, _ := newSpendingMonitor(users, repositories.OwnerSpend{AccountOwnerID: "o1", TotalCost: 85})

	sent, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sent)
	assert.Empty(t, notifier.spending)
}

func TestSpendingMonitor_CapReachedAlerts(t *testing.T) {
	users := newFakeUsers(cappedOwner("o1", 100, map[string][]int{"2026-03": {50, 80, 90}}))
	m, notifier, alerter, _ := newSpendingMonitor(users, repositories.OwnerSpend{AccountOwnerID: "o1", TotalCost: 120})

	_, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, notifier.spending[0].threshold)
	require.Len(t, alerter.alerts, 1)
	assert.Equal(t, "$120.00", alerter.alerts[0].Fields["spent"])
}

func TestSpendingMonitor_SkipsUncappedAndMembers(t *testing.T) {
	ownerID := "o1"
	member := cappedOwner("m1", 10, nil)
	member.AccountOwnerID = &ownerID
	users := newFakeUsers(&models.User{ID: "o1"}, member)
	m, notifier, _, _ := newSpendingMonitor(users,
		repositories.OwnerSpend{AccountOwnerID: "o1", TotalCost: 500},
		repositories.OwnerSpend{AccountOwnerID: "m1", TotalCost: 500},
		repositories.OwnerSpend{AccountOwnerID: "ghost", TotalCost: 500},
	)

	sent, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sent)
	assert.Empty(t, notifier.spending)
}

func TestSpendingMonitor_EmailFailureRetriedNextRun(t *testing.T) {
	users := newFakeUsers(cappedOwner("o1", 100, nil))
	m, notifier, _, failures := newSpendingMonitor(users, repositories.OwnerSpend{AccountOwnerID: "o1", TotalCost: 60})
	notifier.err = errors.New("smtp down")

	sent, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sent)
	assert.Nil(t, users.sent["o1"], "thresholds are not recorded when the email fails")
	assert.Equal(t, []string{models.CheckEmailDelivery}, failures.checks())

	notifier.err = nil
	sent, err = m.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, 50, sent[0].Threshold)
}
