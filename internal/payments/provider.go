// Package payments wraps the billing provider. Services depend on the Provider
// interface and the plain types in this file; only stripe.go knows about the SDK.
package payments

import (
	"context"
	"errors"
	"time"
)

// ErrSignature is returned when a webhook payload fails signature verification.
var ErrSignature = errors.New("payments: webhook signature verification failed")

// Event types handled by the reconciler.
const (
	EventCheckoutCompleted      = "checkout.session.completed"
	EventSubscriptionCreated    = "customer.subscription.created"
	EventSubscriptionUpdated    = "customer.subscription.updated"
	EventSubscriptionDeleted    = "customer.subscription.deleted"
	EventPaymentMethodAttached  = "payment_method.attached"
	EventPaymentMethodDetached  = "payment_method.detached"
	EventInvoicePaymentFailed   = "invoice.payment_failed"
	EventInvoicePaymentSucceded = "invoice.payment_succeeded"
)

// Subscription statuses the backend reacts to.
const (
	SubscriptionActive   = "active"
	SubscriptionTrialing = "trialing"
	SubscriptionPastDue  = "past_due"
	SubscriptionCanceled = "canceled"
)

// Checkout modes
const (
	CheckoutModeSubscription = "subscription"
	CheckoutModePayment      = "payment"
)

// Event is a verified webhook event reduced to the fields the backend uses.
type Event struct {
	ID                 string
	Type               string
	Created            time.Time
	CustomerID         string
	UserID             string
	SubscriptionID     string
	SubscriptionStatus string
	PaymentMethodID    string
	CheckoutMode       string
	AmountDue          int64
	Currency           string
	InvoiceURL         string
	CreditAmountCents  int64
}

// Summary is the small JSON-safe description stored with processed event ids.
func (e *Event) Summary() map[string]interface{} {
	s := map[string]interface{}{"type": e.Type}
	if e.CustomerID != "" {
		s["customer_id"] = e.CustomerID
	}
	if e.SubscriptionID != "" {
		s["subscription_id"] = e.SubscriptionID
	}
	if e.SubscriptionStatus != "" {
		s["subscription_status"] = e.SubscriptionStatus
	}
	if e.UserID != "" {
		s["user_id"] = e.UserID
	}
	return s
}

// Subscription is the provider's view of a subscription.
type Subscription struct {
	ID         string
	CustomerID string
	Status     string
}

// PaymentMethod is a stored charge method
type PaymentMethod struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Brand    string `json:"brand,omitempty"`
	Last4    string `json:"last4,omitempty"`
	ExpMonth int64  `json:"exp_month,omitempty"`
	ExpYear  int64  `json:"exp_year,omitempty"`
}

// SetupIntent is a pending payment-method collection.
type SetupIntent struct {
	ID            string
	Status        string
	PaymentMethod string
}

// CheckoutRequest describes a hosted checkout session.
type CheckoutRequest struct {
	CustomerID string
	UserID     string
	Mode       string
	// PriceID is used for subscription mode.
	PriceID string
	// AmountCents and Description are used for one-off credit purchases.
	AmountCents int64
	Description string
	SuccessURL  string
	CancelURL   string
}

// MeterEvent is one metered-usage report.
type MeterEvent struct {
	EventName  string
	CustomerID string
	Value      string
	Identifier string
	Timestamp  time.Time
}

// Provider is the billing capability interface.
type Provider interface {
	CreateCustomer(ctx context.Context, email, name, userID string) (string, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	CreateSubscription(ctx context.Context, customerID, priceID, userID string) (*Subscription, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error)
	DetachPaymentMethod(ctx context.Context, paymentMethodID string) error
	ListSetupIntents(ctx context.Context, customerID string) ([]SetupIntent, error)
	ReportMeterEvent(ctx context.Context, ev MeterEvent) error
	VerifyEvent(payload []byte, signatureHeader string) (*Event, error)
}
