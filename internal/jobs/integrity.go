// integrity.go implements the IntegrityChecker job. It cross-checks counters,
// identities and billing state and records what it finds; it never repairs.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mlplatform/console-backend/internal/alerts"
	"github.com/mlplatform/console-backend/internal/db/models"
	"github.com/mlplatform/console-backend/internal/payments"
)

// ClusterAudit reports counter drift.
type ClusterAudit interface {
	CounterDrift(ctx context.Context) ([]models.ClusterCounterDrift, error)
}

// AssignmentAudit reports identity mismatches.
type AssignmentAudit interface {
	ExternalIDMismatches(ctx context.Context) ([]models.ExternalIDMismatch, error)
}

// UserAudit lists users in suspicious billing or status states.
type UserAudit interface {
	ListStuckPostpaid(ctx context.Context) ([]*models.User, error)
	ListLocallyActiveSubscriptions(ctx context.Context) ([]*models.User, error)
	ListActiveMembersOfSuspendedOwners(ctx context.Context) ([]*models.User, error)
}

// SubscriptionReader fetches the provider's view of a subscription.
type SubscriptionReader interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*payments.Subscription, error)
}

// Finding is one inconsistency.
type Finding struct {
	CheckType string                 `json:"check_type"`
	Severity  string                 `json:"severity"`
	UserID    string                 `json:"user_id,omitempty"`
	Email     string                 `json:"email,omitempty"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// IntegrityReport is the outcome of one pass.
type IntegrityReport struct {
	Findings []Finding `json:"findings"`
	// Errors lists checks that could not run.
	Errors []string `json:"errors,omitempty"`
}

// Alerting returns the critical and high findings.
func (r *IntegrityReport) Alerting() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity == models.SeverityCritical || f.Severity == models.SeverityHigh {
			out = append(out, f)
		}
	}
	return out
}

// IntegrityChecker runs the consistency checks.
type IntegrityChecker struct {
	clusters      ClusterAudit
	assignments   AssignmentAudit
	users         UserAudit
	subscriptions SubscriptionReader
	failures      FailureRecorder
	alerter       Alerter
}

// NewIntegrityChecker creates the checker. subscriptions may be nil when billing is
// disabled; the provider comparison is then skipped.
func NewIntegrityChecker(clusters ClusterAudit, assignments AssignmentAudit, users UserAudit,
	subscriptions SubscriptionReader, failures FailureRecorder, alerter Alerter) *IntegrityChecker {
	return &IntegrityChecker{
		clusters:      clusters,
		assignments:   assignments,
		users:         users,
		subscriptions: subscriptions,
		failures:      failures,
		alerter:       alerter,
	}
}

type integrityCheck struct {
	name string
	fn   func(context.Context) ([]Finding, error)
}

func (c *IntegrityChecker) checks() []integrityCheck {
	return []integrityCheck{
		{models.CheckClusterCounterDrift, c.counterDrift},
		{models.CheckExternalIDMismatch, c.externalIDs},
		{models.CheckStuckPostpaid, c.stuckPostpaid},
		{models.CheckCanceledStillActive, c.canceledStillActive},
		{models.CheckOwnerSuspended, c.ownerSuspended},
	}
}

// Scan runs every check and returns the findings without recording them. A check
// that errors is noted in the report and the others still run.
func (c *IntegrityChecker) Scan(ctx context.Context) *IntegrityReport {
	report := &IntegrityReport{}
	for _, check := range c.checks() {
		found, err := check.fn(ctx)
		if err != nil {
			slog.Error("integrity check failed", "check", check.name, "error", err)
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", check.name, err))
		}
		report.Findings = append(report.Findings, found...)
	}
	return report
}

// Run scans, records every finding and posts one alert when any finding is
// critical or high.
func (c *IntegrityChecker) Run(ctx context.Context) (report *IntegrityReport, err error) {
	defer func() { finish(JobIntegrityCheck, err) }()

	report = c.Scan(ctx)
	for _, f := range report.Findings {
		hf := &models.HealthCheckFailure{
			CheckType:    f.CheckType,
			ErrorMessage: f.Message,
			Severity:     f.Severity,
			Details:      f.Details,
		}
		if f.UserID != "" {
			hf.UserID = strPtr(f.UserID)
		}
		if f.Email != "" {
			hf.Email = strPtr(f.Email)
		}
		record(ctx, c.failures, hf)
	}

	if alerting := report.Alerting(); len(alerting) > 0 {
		ship(ctx, c.alerter, &alerts.Alert{
			Severity: highestSeverity(alerting),
			Source:   JobIntegrityCheck,
			Text:     fmt.Sprintf("%d integrity findings need attention", len(alerting)),
			Fields:   countByCheck(alerting),
		})
	}
	slog.Info("integrity check finished", "findings", len(report.Findings), "errors", len(report.Errors))
	if len(report.Errors) == len(c.checks()) {
		return report, fmt.Errorf("all integrity checks failed: %s", strings.Join(report.Errors, "; "))
	}
	return report, nil
}

func (c *IntegrityChecker) counterDrift(ctx context.Context) ([]Finding, error) {
	drift, err := c.clusters.CounterDrift(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Finding, 0, len(drift))
	for _, d := range drift {
		out = append(out, Finding{
			CheckType: models.CheckClusterCounterDrift,
			Severity:  models.SeverityHigh,
			Message:   fmt.Sprintf("cluster %s counts %d users but has %d assignments", d.ClusterName, d.CurrentUsers, d.Assigned),
			Details: map[string]interface{}{
				"cluster_id":    d.ClusterID,
				"current_users": d.CurrentUsers,
				"assigned":      d.Assigned,
			},
		})
	}
	return out, nil
}

func (c *IntegrityChecker) externalIDs(ctx context.Context) ([]Finding, error) {
	mismatches, err := c.assignments.ExternalIDMismatches(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Finding, 0, len(mismatches))
	for _, m := range mismatches {
		out = append(out, Finding{
			CheckType: models.CheckExternalIDMismatch,
			Severity:  models.SeverityCritical,
			UserID:    m.UserID,
			Email:     m.Email,
			Message:   "backend user id differs between user and assignment",
			Details: map[string]interface{}{
				"user_hopsworks_id":       idOrNil(m.UserExternalID),
				"assignment_hopsworks_id": idOrNil(m.AssignmentExternal),
			},
		})
	}
	return out, nil
}

func (c *IntegrityChecker) stuckPostpaid(ctx context.Context) ([]Finding, error) {
	users, err := c.users.ListStuckPostpaid(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Finding, 0, len(users))
	for _, u := range users {
		out = append(out, Finding{
			CheckType: models.CheckStuckPostpaid,
			Severity:  models.SeverityHigh,
			UserID:    u.ID,
			Email:     u.Email,
			Message:   "postpaid user has no subscription",
		})
	}
	return out, nil
}

func (c *IntegrityChecker) canceledStillActive(ctx context.Context) ([]Finding, error) {
	if c.subscriptions == nil {
		return nil, nil
	}
	users, err := c.users.ListLocallyActiveSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	var out []Finding
	var lookupErrs int
	for _, u := range users {
		if u.StripeSubscriptionID == nil {
			continue
		}
		sub, err := c.subscriptions.GetSubscription(ctx, *u.StripeSubscriptionID)
		if err != nil {
			lookupErrs++
			slog.Warn("integrity check: subscription lookup failed", "user_id", u.ID, "error", err)
			continue
		}
		if sub.Status != payments.SubscriptionCanceled {
			continue
		}
		out = append(out, Finding{
			CheckType: models.CheckCanceledStillActive,
			Severity:  models.SeverityCritical,
			UserID:    u.ID,
			Email:     u.Email,
			Message:   "subscription canceled at the billing provider but active locally",
			Details:   map[string]interface{}{"subscription_id": sub.ID},
		})
	}
	if lookupErrs > 0 && lookupErrs == len(users) {
		return out, fmt.Errorf("all %d subscription lookups failed", lookupErrs)
	}
	return out, nil
}

func (c *IntegrityChecker) ownerSuspended(ctx context.Context) ([]Finding, error) {
	members, err := c.users.ListActiveMembersOfSuspendedOwners(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Finding, 0, len(members))
	for _, m := range members {
		f := Finding{
			CheckType: models.CheckOwnerSuspended,
			Severity:  models.SeverityMedium,
			UserID:    m.ID,
			Email:     m.Email,
			Message:   "team member is active while their owner is suspended",
		}
		if m.AccountOwnerID != nil {
			f.Details = map[string]interface{}{"account_owner_id": *m.AccountOwnerID}
		}
		out = append(out, f)
	}
	return out, nil
}

func idOrNil(id *int64) interface{} {
	if id == nil {
		return nil
	}
	return *id
}

func highestSeverity(findings []Finding) string {
	for _, f := range findings {
		if f.Severity == models.SeverityCritical {
			return alerts.SeverityCritical
		}
	}
	return alerts.SeverityHigh
}

func countByCheck(findings []Finding) map[string]interface{} {
	fields := make(map[string]interface{})
	for _, f := range findings {
		n, _ := fields[f.CheckType].(int)
		fields[f.CheckType] = n + 1
	}
	return fields
}
