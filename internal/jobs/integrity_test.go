package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlplatform/console-backend/internal/db/models"
	"github.com/mlplatform/console-backend/internal/payments"
)

type fakeAudit struct {
	drift        []models.ClusterCounterDrift
	driftErr     error
	mismatches   []models.ExternalIDMismatch
	stuck        []*models.User
	activeSubs   []*models.User
	orphanedTeam []*models.User
}

func (f *fakeAudit) CounterDrift(context.Context) ([]models.ClusterCounterDrift, error) {
	return f.drift, f.driftErr
}

func (f *fakeAudit) ExternalIDMismatches(context.Context) ([]models.ExternalIDMismatch, error) {
	return f.mismatches, nil
}

func (f *fakeAudit) ListStuckPostpaid(context.Context) ([]*models.User, error) { return f.stuck, nil }

func (f *fakeAudit) ListLocallyActiveSubscriptions(context.Context) ([]*models.User, error) {
	return f.activeSubs, nil
}

func (f *fakeAudit) ListActiveMembersOfSuspendedOwners(context.Context) ([]*models.User, error) {
	return f.orphanedTeam, nil
}

type fakeSubscriptions map[string]string

func (f fakeSubscriptions) GetSubscription(_ context.Context, id string) (*payments.Subscription, error) {
	status, ok := f[id]
	if !ok {
		return nil, errors.New("no such subscription")
	}
	return &payments.Subscription{ID: id, Status: status}, nil
}

func subscriber(id, subID string) *models.User {
	return &models.User{ID: id, Email: id + "@example.com", StripeSubscriptionID: &subID}
}

func TestIntegrityChecker_Run(t *testing.T) {
	ownerID := "o1"
	audit := &fakeAudit{
		drift: []models.ClusterCounterDrift{{ClusterID: "c1", ClusterName: "eu-1", CurrentUsers: 7, Assigned: 5}},
		mismatches: []models.ExternalIDMismatch{
			{UserID: "u2", Email: "u2@example.com", UserExternalID: int64Ptr(10), AssignmentExternal: int64Ptr(11)},
		},
		stuck:        []*models.User{{ID: "u3", Email: "u3@example.com"}},
		activeSubs:   []*models.User{subscriber("u4", "sub_4"), subscriber("u5", "sub_5")},
		orphanedTeam: []*models.User{{ID: "m1", Email: "m1@example.com", AccountOwnerID: &ownerID}},
	}
	subs := fakeSubscriptions{"sub_4": payments.SubscriptionCanceled, "sub_5": payments.SubscriptionActive}
	failures, alerter := &fakeFailures{}, &fakeAlerter{}

	report, err := NewIntegrityChecker(audit, audit, audit, subs, failures, alerter).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Errors)

	assert.Equal(t, []string{
		models.CheckClusterCounterDrift,
		models.CheckExternalIDMismatch,
		models.CheckStuckPostpaid,
		models.CheckCanceledStillActive,
		models.CheckOwnerSuspended,
	}, failures.checks())

	bySeverity := map[string]string{}
	for _, f := range report.Findings {
		bySeverity[f.CheckType] = f.Severity
	}
	assert.Equal(t, models.SeverityHigh, bySeverity[models.CheckClusterCounterDrift])
	assert.Equal(t, models.SeverityCritical, bySeverity[models.CheckExternalIDMismatch])
	assert.Equal(t, models.SeverityCritical, bySeverity[models.CheckCanceledStillActive])
	assert.Equal(t, models.SeverityMedium, bySeverity[models.CheckOwnerSuspended])

	require.Len(t, alerter.alerts, 1, "one alert per run")
	assert.Equal(t, "critical", alerter.alerts[0].Severity)
	assert.Equal(t, 1, alerter.alerts[0].Fields[models.CheckCanceledStillActive])
	assert.NotContains(t, alerter.alerts[0].Fields, models.CheckOwnerSuspended)
}

func TestIntegrityChecker_CleanRunNoAlert(t *testing.T) {
	failures, alerter := &fakeFailures{}, &fakeAlerter{}
	audit := &fakeAudit{orphanedTeam: []*models.User{{ID: "m1"}}}

	report, err := NewIntegrityChecker(audit, audit, audit, nil, failures, alerter).Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Findings, 1)
	assert.Empty(t, alerter.alerts, "medium findings are recorded without alerting")
}

func TestIntegrityChecker_ScanDoesNotRecord(t *testing.T) {
	failures := &fakeFailures{}
	audit := &fakeAudit{stuck: []*models.User{{ID: "u3"}}}

	report := NewIntegrityChecker(audit, audit, audit, nil, failures, nil).Scan(context.Background())
	assert.Len(t, report.Findings, 1)
	assert.Empty(t, failures.checks())
}

func TestIntegrityChecker_FailingCheckDoesNotStopOthers(t *testing.T) {
	audit := &fakeAudit{driftErr: errors.New("db timeout"), stuck: []*models.User{{ID: "u3"}}}

	report, err := NewIntegrityChecker(audit, audit, audit, nil, &fakeFailures{}, nil).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], models.CheckClusterCounterDrift)
	assert.Len(t, report.Findings, 1)
}

func TestIntegrityChecker_SubscriptionLookupErrors(t *testing.T) {
	audit := &fakeAudit{activeSubs: []*models.User{subscriber("u4", "sub_missing")}}

	report := NewIntegrityChecker(audit, audit, audit, fakeSubscriptions{}, nil, nil).Scan(context.Background())
	assert.Empty(t, report.Findings)
	require.Len(t, report.Errors, 1)
}
