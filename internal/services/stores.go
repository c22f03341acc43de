// Package services implements the business logic that coordinates the repositories
// with the external systems: cluster assignment, the user status cascade, the team
// invite lifecycle and billing webhook reconciliation.
//
// Services depend on the small interfaces in this file rather than on concrete
// repositories or clients, so they are constructed once in the router and can be
// exercised against fakes.
package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/mlplatform/console-backend/internal/alerts"
	"github.com/mlplatform/console-backend/internal/db/models"
	"github.com/shopspring/decimal"
)

// UserStore is the part of repositories.UserRepository the services use.
type UserStore interface {
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByStripeCustomerID(ctx context.Context, customerID string) (*models.User, error)
	UpsertTeamMember(ctx context.Context, id, email, name, ownerID string) (*models.User, error)
	UpdateStatus(ctx context.Context, userID string, status models.UserStatus) error
	SuspendTeamMembers(ctx context.Context, ownerID string) ([]*models.User, error)
	ReactivateTeamMembers(ctx context.Context, ownerID string) ([]*models.User, error)
	SetHopsworksIdentity(ctx context.Context, userID, username string, externalID int64) error
	SetStripeCustomer(ctx context.Context, userID, customerID string) error
	SetSubscription(ctx context.Context, userID string, subscriptionID, status *string) error
	SetBillingMode(ctx context.Context, userID string, mode models.BillingMode) error
	SetDowngradeDeadlineIfUnset(ctx context.Context, userID string, deadline time.Time) (bool, error)
	ClearDowngradeDeadline(ctx context.Context, userID string) error
}

// ClusterStore is the part of repositories.ClusterRepository the services use.
type ClusterStore interface {
	GetByID(ctx context.Context, id string) (*models.Cluster, error)
	ListActive(ctx context.Context) ([]models.Cluster, error)
	IncrementUsers(ctx context.Context, id string) error
	DecrementUsers(ctx context.Context, id string) error
}

// AssignmentStore is the part of repositories.AssignmentRepository the services use.
type AssignmentStore interface {
	GetByUserID(ctx context.Context, userID string) (*models.Assignment, error)
	Create(ctx context.Context, a *models.Assignment) error
	SetHopsworksIdentity(ctx context.Context, userID, username string, externalID int64) error
}

// InviteStore is the part of repositories.InviteRepository the services use.
type InviteStore interface {
	Create(ctx context.Context, inv *models.TeamInvite) error
	FindPending(ctx context.Context, ownerID, email string, now time.Time) (*models.TeamInvite, error)
	ListPending(ctx context.Context, ownerID string, now time.Time) ([]models.TeamInvite, error)
	DeleteExpired(ctx context.Context, ownerID, email string, now time.Time) error
	Claim(ctx context.Context, token, userID string, now time.Time) (*models.TeamInvite, error)
	ReleaseClaim(ctx context.Context, id, userID string) error
	DeletePending(ctx context.Context, id, ownerID string) (bool, error)
}

// ProjectRoleStore is the part of repositories.ProjectRoleRepository the services use.
type ProjectRoleStore interface {
	Upsert(ctx context.Context, role *models.ProjectMemberRole) error
	Get(ctx context.Context, memberID string, projectID int64) (*models.ProjectMemberRole, error)
	MarkSynced(ctx context.Context, memberID string, projectID int64, syncErr *string) error
}

// EventStore records processed webhook event ids.
type EventStore interface {
	MarkProcessed(ctx context.Context, eventID, eventType string, summary map[string]interface{}) (bool, error)
}

// FailureRecorder appends to the health check failure log.
type FailureRecorder interface {
	Record(ctx context.Context, f *models.HealthCheckFailure) error
}

// Alerter posts to the operational alert channel. alerts.MultiShipper satisfies it.
type Alerter interface {
	Ship(ctx context.Context, alert *alerts.Alert) error
}

// Notifier sends the user-facing emails. mail.Mailer satisfies it.
type Notifier interface {
	SendInvite(ctx context.Context, to, inviterName, token string, expiresAt time.Time) error
	SendDowngradeNotice(ctx context.Context, to, name string, deadline time.Time, projectCount, limit int) error
	SendDowngradeEnforced(ctx context.Context, to, name string, limit int) error
	SendPaymentFailed(ctx context.Context, to, name string, amountDueCents int64, currency, invoiceURL string) error
	SendSpendingAlert(ctx context.Context, to, name string, threshold int, spent, limit decimal.Decimal) error
}

// recordFailure writes a failure row and only logs when the write itself fails.
func recordFailure(ctx context.Context, rec FailureRecorder, f *models.HealthCheckFailure) {
	if rec == nil {
		return
	}
	if err := rec.Record(ctx, f); err != nil {
		slog.Error("failed to record health check failure",
			"check_type", f.CheckType, "failure", f.ErrorMessage, "error", err)
	}
}

func strPtr(s string) *string { return &s }
