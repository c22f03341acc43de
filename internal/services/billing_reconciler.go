package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mlplatform/console-backend/internal/alerts"
	"github.com/mlplatform/console-backend/internal/db/models"
	"github.com/mlplatform/console-backend/internal/payments"
	"github.com/mlplatform/console-backend/internal/quota"
	"github.com/mlplatform/console-backend/internal/telemetry"
)

// Outcomes of HandleEvent, also used as the outcome metric label.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeFailed    = "failed"
)

// errUnknownCustomer marks events for customers the console does not know.
var errUnknownCustomer = errors.New("event does not resolve to a user")

// ReconcilerOptions configures BillingReconciler.
type ReconcilerOptions struct {
	// PriceID is the metered price used when a free user attaches a payment method.
	PriceID string
	// GracePeriod is how long a downgraded user has to reduce their projects.
	GracePeriod time.Duration
}

// BillingReconciler applies verified billing-provider events to users.
//
// Each event id is recorded before any work is done, so a redelivered event is
// skipped. A failure after that point is logged, recorded and alerted; the event
// is not retried.
type BillingReconciler struct {
	users       UserStore
	events      EventStore
	provider    payments.Provider
	provisioner ClusterProvisioner
	notifier    Notifier
	failures    FailureRecorder
	alerter     Alerter
	opts        ReconcilerOptions
	now         func() time.Time
}

// NewBillingReconciler creates the reconciler. A zero grace period means seven days.
func NewBillingReconciler(users UserStore, events EventStore, provider payments.Provider, provisioner ClusterProvisioner,
	notifier Notifier, failures FailureRecorder, alerter Alerter, opts ReconcilerOptions) *BillingReconciler {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 7 * 24 * time.Hour
	}
	return &BillingReconciler{
		users:       users,
		events:      events,
		provider:    provider,
		provisioner: provisioner,
		notifier:    notifier,
		failures:    failures,
		alerter:     alerter,
		opts:        opts,
		now:         time.Now,
	}
}

// HandleEvent processes ev at most once and returns the outcome. The error is
// non-nil only when the event id could not be recorded; processing failures are
// reported through OutcomeFailed so the endpoint still acknowledges the delivery.
func (r *BillingReconciler) HandleEvent(ctx context.Context, ev *payments.Event) (string, error) {
	fresh, err := r.events.MarkProcessed(ctx, ev.ID, ev.Type, ev.Summary())
	if err != nil {
		return "", fmt.Errorf("failed to record event %s: %w", ev.ID, err)
	}
	if !fresh {
		telemetry.StripeWebhookEventsTotal.WithLabelValues(ev.Type, OutcomeDuplicate).Inc()
		slog.Info("duplicate billing event skipped", "event_id", ev.ID, "type", ev.Type)
		return OutcomeDuplicate, nil
	}

	outcome, err := r.dispatch(ctx, ev)
	if errors.Is(err, errUnknownCustomer) {
		slog.Warn("billing event for unknown customer", "event_id", ev.ID, "type", ev.Type, "customer_id", ev.CustomerID)
		outcome, err = OutcomeIgnored, nil
	}
	if err != nil {
		r.reportFailure(ctx, ev, err)
		outcome = OutcomeFailed
	}
	telemetry.StripeWebhookEventsTotal.WithLabelValues(ev.Type, outcome).Inc()
	return outcome, nil
}

func (r *BillingReconciler) dispatch(ctx context.Context, ev *payments.Event) (string, error) {
	switch ev.Type {
	case payments.EventCheckoutCompleted:
		return r.checkoutCompleted(ctx, ev)
	case payments.EventSubscriptionCreated, payments.EventSubscriptionUpdated:
		return r.subscriptionChanged(ctx, ev)
	case payments.EventSubscriptionDeleted:
		user, err := r.resolveUser(ctx, ev)
		if err != nil {
			return "", err
		}
		return OutcomeProcessed, r.downgrade(ctx, user, ev)
	case payments.EventPaymentMethodAttached:
		return r.paymentMethodAttached(ctx, ev)
	case payments.EventPaymentMethodDetached:
		return r.paymentMethodDetached(ctx, ev)
	case payments.EventInvoicePaymentFailed:
		return r.invoicePaymentFailed(ctx, ev)
	case payments.EventInvoicePaymentSucceded:
		return r.invoicePaymentSucceeded(ctx, ev)
	}
	return OutcomeIgnored, nil
}

// resolveUser finds the owner behind an event, by customer id first and then by
// the user id stamped into metadata at checkout. The resolved id is written back to
// ev.UserID so failure reports carry it.
func (r *BillingReconciler) resolveUser(ctx context.Context, ev *payments.Event) (*models.User, error) {
	if ev.CustomerID != "" {
		user, err := r.users.GetUserByStripeCustomerID(ctx, ev.CustomerID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up customer: %w", err)
		}
		if user != nil {
			ev.UserID = user.ID
			return user, nil
		}
	}
	if ev.UserID == "" {
		return nil, errUnknownCustomer
	}
	user, err := r.users.GetUserByID(ctx, ev.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if user == nil {
		return nil, errUnknownCustomer
	}
	if ev.CustomerID != "" && (user.StripeCustomerID == nil || *user.StripeCustomerID != ev.CustomerID) {
		if err := r.users.SetStripeCustomer(ctx, user.ID, ev.CustomerID); err != nil {
			return nil, fmt.Errorf("failed to link customer: %w", err)
		}
		user.StripeCustomerID = strPtr(ev.CustomerID)
	}
	return user, nil
}

func (r *BillingReconciler) checkoutCompleted(ctx context.Context, ev *payments.Event) (string, error) {
	user, err := r.resolveUser(ctx, ev)
	if err != nil {
		return "", err
	}
	if ev.CheckoutMode != payments.CheckoutModeSubscription || ev.SubscriptionID == "" {
		// Credit purchases settle against the prepaid balance, which is managed elsewhere.
		slog.Info("checkout completed without subscription", "event_id", ev.ID, "user_id", user.ID,
			"mode", ev.CheckoutMode, "credit_amount_cents", ev.CreditAmountCents)
		return OutcomeIgnored, nil
	}
	return OutcomeProcessed, r.activate(ctx, user, ev.SubscriptionID, payments.SubscriptionActive)
}

func (r *BillingReconciler) subscriptionChanged(ctx context.Context, ev *payments.Event) (string, error) {
	user, err := r.resolveUser(ctx, ev)
	if err != nil {
		return "", err
	}
	switch ev.SubscriptionStatus {
	case payments.SubscriptionActive, payments.SubscriptionTrialing:
		return OutcomeProcessed, r.activate(ctx, user, ev.SubscriptionID, ev.SubscriptionStatus)
	case payments.SubscriptionCanceled:
		return OutcomeProcessed, r.downgrade(ctx, user, ev)
	}
	status := ev.SubscriptionStatus
	if err := r.users.SetSubscription(ctx, user.ID, strPtr(ev.SubscriptionID), &status); err != nil {
		return "", fmt.Errorf("failed to store subscription status: %w", err)
	}
	return OutcomeProcessed, nil
}

// activate records a live subscription, moves the user to postpaid and makes sure
// they have a cluster and the paid quota.
func (r *BillingReconciler) activate(ctx context.Context, user *models.User, subscriptionID, status string) error {
	if err := r.users.SetSubscription(ctx, user.ID, strPtr(subscriptionID), &status); err != nil {
		return fmt.Errorf("failed to store subscription: %w", err)
	}
	if user.BillingMode != models.BillingModePrepaid {
		if err := r.users.SetBillingMode(ctx, user.ID, models.BillingModePostpaid); err != nil {
			return fmt.Errorf("failed to set billing mode: %w", err)
		}
	}
	if user.DowngradeDeadline != nil {
		if err := r.users.ClearDowngradeDeadline(ctx, user.ID); err != nil {
			return fmt.Errorf("failed to clear downgrade deadline: %w", err)
		}
	}
	slog.Info("subscription active", "user_id", user.ID, "subscription_id", subscriptionID, "status", status)

	result, err := r.provisioner.AssignUserToCluster(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("cluster assignment: %w", err)
	}
	if result.AlreadyAssigned {
		// A newly created backend account already got the paid quota.
		if _, err := r.provisioner.SyncQuota(ctx, user.ID); err != nil {
			slog.Warn("quota sync after activation failed", "user_id", user.ID, "error", err)
		}
	}
	return nil
}

// paymentMethodAttached upgrades a free user to postpaid by creating the metered
// subscription, unless one already bills.
func (r *BillingReconciler) paymentMethodAttached(ctx context.Context, ev *payments.Event) (string, error) {
	user, err := r.resolveUser(ctx, ev)
	if err != nil {
		return "", err
	}
	if user.BillingMode != models.BillingModeFree || user.HasActiveSubscription() || user.IsTeamMember() {
		return OutcomeIgnored, nil
	}
	if user.StripeCustomerID == nil {
		return "", fmt.Errorf("user %s has no billing customer", user.ID)
	}

	sub, err := r.provider.CreateSubscription(ctx, *user.StripeCustomerID, r.opts.PriceID, user.ID)
	if err != nil {
		return "", fmt.Errorf("failed to create subscription: %w", err)
	}
	slog.Info("free user upgraded on payment method attach", "user_id", user.ID, "subscription_id", sub.ID)
	user.BillingMode = models.BillingModePostpaid
	return OutcomeProcessed, r.activate(ctx, user, sub.ID, sub.Status)
}

// paymentMethodDetached takes the downgrade path once the customer has no way to pay.
func (r *BillingReconciler) paymentMethodDetached(ctx context.Context, ev *payments.Event) (string, error) {
	user, err := r.resolveUser(ctx, ev)
	if err != nil {
		return "", err
	}
	if user.BillingMode != models.BillingModePostpaid || user.StripeCustomerID == nil {
		return OutcomeIgnored, nil
	}
	methods, err := r.provider.ListPaymentMethods(ctx, *user.StripeCustomerID)
	if err != nil {
		return "", fmt.Errorf("failed to list payment methods: %w", err)
	}
	if len(methods) > 0 {
		return OutcomeIgnored, nil
	}
	return OutcomeProcessed, r.downgrade(ctx, user, ev)
}

// downgrade moves the user to the free tier. Users over the free limit get a grace
// deadline and a notice; the deadline is never pushed back once set.
func (r *BillingReconciler) downgrade(ctx context.Context, user *models.User, ev *payments.Event) error {
	subID := ev.SubscriptionID
	if subID == "" && user.StripeSubscriptionID != nil {
		subID = *user.StripeSubscriptionID
	}
	canceled := payments.SubscriptionCanceled
	var subPtr *string
	if subID != "" {
		subPtr = &subID
	}
	if err := r.users.SetSubscription(ctx, user.ID, subPtr, &canceled); err != nil {
		return fmt.Errorf("failed to store canceled subscription: %w", err)
	}
	if user.BillingMode == models.BillingModePrepaid {
		slog.Info("subscription ended for prepaid user", "user_id", user.ID)
		return nil
	}
	if err := r.users.SetBillingMode(ctx, user.ID, models.BillingModeFree); err != nil {
		return fmt.Errorf("failed to set billing mode: %w", err)
	}
	slog.Info("user downgraded to free tier", "user_id", user.ID, "event_id", ev.ID, "type", ev.Type)

	limit := quota.FreeTierProjectLimit
	projects, err := r.provisioner.CountProjects(ctx, user.ID)
	switch {
	case err != nil:
		// The event is already recorded and will not be redelivered, so an unknown
		// count takes the grace path. Enforcement recomputes the quota at the deadline.
		slog.Warn("project count failed during downgrade, starting grace period", "user_id", user.ID, "error", err)
		recordFailure(ctx, r.failures, &models.HealthCheckFailure{
			UserID:       strPtr(user.ID),
			Email:        strPtr(user.Email),
			CheckType:    models.CheckDowngradeProjectCount,
			ErrorMessage: err.Error(),
			Severity:     models.SeverityMedium,
			Details:      map[string]interface{}{"event_id": ev.ID},
		})
		projects = 0
	case projects <= limit:
		if _, err := r.provisioner.SyncQuota(ctx, user.ID); err != nil && !errors.Is(err, ErrNotAssigned) {
			slog.Warn("quota sync after downgrade failed", "user_id", user.ID, "error", err)
		}
		return nil
	}

	deadline := r.now().Add(r.opts.GracePeriod)
	set, err := r.users.SetDowngradeDeadlineIfUnset(ctx, user.ID, deadline)
	if err != nil {
		return fmt.Errorf("failed to set downgrade deadline: %w", err)
	}
	if !set {
		slog.Info("downgrade deadline already pending", "user_id", user.ID)
		return nil
	}
	slog.Info("downgrade deadline set", "user_id", user.ID, "deadline", deadline, "projects", projects)

	// A zero count means unknown here; the notice omits it.

	if err := r.notifier.SendDowngradeNotice(ctx, user.Email, user.Name, deadline, projects, limit); err != nil {
		r.recordEmailFailure(ctx, user, "downgrade_notice", err)
	}
	return nil
}

// invoicePaymentFailed only notifies; the provider's dunning decides when the
// subscription ends.
func (r *BillingReconciler) invoicePaymentFailed(ctx context.Context, ev *payments.Event) (string, error) {
	user, err := r.resolveUser(ctx, ev)
	if err != nil {
		return "", err
	}
	slog.Warn("invoice payment failed", "user_id", user.ID, "event_id", ev.ID, "amount_due", ev.AmountDue)
	if err := r.notifier.SendPaymentFailed(ctx, user.Email, user.Name, ev.AmountDue, ev.Currency, ev.InvoiceURL); err != nil {
		r.recordEmailFailure(ctx, user, "payment_failed", err)
	}
	return OutcomeProcessed, nil
}

// invoicePaymentSucceeded clears a past_due marker left by an earlier failure.
func (r *BillingReconciler) invoicePaymentSucceeded(ctx context.Context, ev *payments.Event) (string, error) {
	user, err := r.resolveUser(ctx, ev)
	if err != nil {
		return "", err
	}
	if user.StripeSubscriptionStatus == nil || *user.StripeSubscriptionStatus != payments.SubscriptionPastDue {
		return OutcomeIgnored, nil
	}
	active := payments.SubscriptionActive
	if err := r.users.SetSubscription(ctx, user.ID, user.StripeSubscriptionID, &active); err != nil {
		return "", fmt.Errorf("failed to clear past_due: %w", err)
	}
	slog.Info("past_due subscription recovered", "user_id", user.ID)
	return OutcomeProcessed, nil
}

func (r *BillingReconciler) recordEmailFailure(ctx context.Context, user *models.User, template string, err error) {
	slog.Error("failed to send billing email", "user_id", user.ID, "template", template, "error", err)
	recordFailure(ctx, r.failures, &models.HealthCheckFailure{
		UserID:       strPtr(user.ID),
		Email:        strPtr(user.Email),
		CheckType:    models.CheckEmailDelivery,
		ErrorMessage: err.Error(),
		Severity:     models.SeverityMedium,
		Details:      map[string]interface{}{"template": template},
	})
}

func (r *BillingReconciler) reportFailure(ctx context.Context, ev *payments.Event, err error) {
	slog.Error("billing event processing failed",
		"event_id", ev.ID, "type", ev.Type, "customer_id", ev.CustomerID, "user_id", ev.UserID, "error", err)

	f := &models.HealthCheckFailure{
		CheckType:    models.CheckWebhookProcessing,
		ErrorMessage: err.Error(),
		Severity:     models.SeverityHigh,
		Details:      ev.Summary(),
	}
	f.Details["event_id"] = ev.ID
	if ev.UserID != "" {
		f.UserID = strPtr(ev.UserID)
	}
	recordFailure(ctx, r.failures, f)

	if r.alerter == nil {
		return
	}
	alert := &alerts.Alert{
		Severity: alerts.SeverityHigh,
		Source:   "stripe_webhook",
		Text:     fmt.Sprintf("failed to process %s: %v", ev.Type, err),
		Fields:   map[string]interface{}{"event_id": ev.ID, "customer_id": ev.CustomerID, "user_id": ev.UserID},
	}
	if shipErr := r.alerter.Ship(ctx, alert); shipErr != nil {
		slog.Error("failed to ship webhook alert", "event_id", ev.ID, "error", shipErr)
	}
}
