package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/billing/meterevent"
	billingsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	customerpkg "github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/paymentmethod"
	"github.com/stripe/stripe-go/v82/setupintent"
	subscriptionpkg "github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeProvider implements Provider against the Stripe API.
type StripeProvider struct {
	webhookSecret string
}

// NewStripeProvider sets the process-wide Stripe key and returns a provider.
func NewStripeProvider(secretKey, webhookSecret string) *StripeProvider {
	stripe.Key = secretKey
	return &StripeProvider{webhookSecret: webhookSecret}
}

func (p *StripeProvider) CreateCustomer(ctx context.Context, email, name, userID string) (string, error) {
	params := &stripe.CustomerParams{
		Params:   stripe.Params{Context: ctx},
		Email:    stripe.String(email),
		Name:     stripe.String(name),
		Metadata: map[string]string{"user_id": userID},
	}
	cust, err := customerpkg.New(params)
	if err != nil {
		return "", fmt.Errorf("create stripe customer: %w", err)
	}
	return cust.ID, nil
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Params:     stripe.Params{Context: ctx},
		Customer:   stripe.String(req.CustomerID),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		Metadata:   map[string]string{"user_id": req.UserID},
	}
	switch req.Mode {
	case CheckoutModeSubscription:
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		// Metered prices take no quantity.
		params.LineItems = []*stripe.CheckoutSessionLineItemParams{{Price: stripe.String(req.PriceID)}}
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"user_id": req.UserID},
		}
	case CheckoutModePayment:
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		params.LineItems = []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(string(stripe.CurrencyUSD)),
				UnitAmount: stripe.Int64(req.AmountCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(req.Description),
				},
			},
			Quantity: stripe.Int64(1),
		}}
		params.Metadata["credit_amount_cents"] = strconv.FormatInt(req.AmountCents, 10)
	default:
		return "", fmt.Errorf("invalid checkout mode: %s", req.Mode)
	}

	sess, err := checkoutsession.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

func (p *StripeProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Params:    stripe.Params{Context: ctx},
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	sess, err := billingsession.New(params)
	if err != nil {
		return "", fmt.Errorf("create billing portal session: %w", err)
	}
	return sess.URL, nil
}

func (p *StripeProvider) CreateSubscription(ctx context.Context, customerID, priceID, userID string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{
		Params:   stripe.Params{Context: ctx},
		Customer: stripe.String(customerID),
		Items:    []*stripe.SubscriptionItemsParams{{Price: stripe.String(priceID)}},
		Metadata: map[string]string{"user_id": userID},
	}
	sub, err := subscriptionpkg.New(params)
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	return toSubscription(sub), nil
}

func (p *StripeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	sub, err := subscriptionpkg.Get(subscriptionID, &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		return nil, fmt.Errorf("get subscription %s: %w", subscriptionID, err)
	}
	return toSubscription(sub), nil
}

func (p *StripeProvider) ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error) {
	params := &stripe.PaymentMethodListParams{
		ListParams: stripe.ListParams{Context: ctx},
		Customer:   stripe.String(customerID),
	}
	iter := paymentmethod.List(params)
	var methods []PaymentMethod
	for iter.Next() {
		pm := iter.PaymentMethod()
		m := PaymentMethod{ID: pm.ID, Type: string(pm.Type)}
		if pm.Card != nil {
			m.Brand = string(pm.Card.Brand)
			m.Last4 = pm.Card.Last4
			m.ExpMonth = pm.Card.ExpMonth
			m.ExpYear = pm.Card.ExpYear
		}
		methods = append(methods, m)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list payment methods: %w", err)
	}
	return methods, nil
}

func (p *StripeProvider) DetachPaymentMethod(ctx context.Context, paymentMethodID string) error {
	_, err := paymentmethod.Detach(paymentMethodID, &stripe.PaymentMethodDetachParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		return fmt.Errorf("detach payment method: %w", err)
	}
	return nil
}

func (p *StripeProvider) ListSetupIntents(ctx context.Context, customerID string) ([]SetupIntent, error) {
	params := &stripe.SetupIntentListParams{
		ListParams: stripe.ListParams{Context: ctx},
		Customer:   stripe.String(customerID),
	}
	iter := setupintent.List(params)
	var intents []SetupIntent
	for iter.Next() {
		si := iter.SetupIntent()
		intent := SetupIntent{ID: si.ID, Status: string(si.Status)}
		if si.PaymentMethod != nil {
			intent.PaymentMethod = si.PaymentMethod.ID
		}
		intents = append(intents, intent)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list setup intents: %w", err)
	}
	return intents, nil
}

func (p *StripeProvider) ReportMeterEvent(ctx context.Context, ev MeterEvent) error {
	params := &stripe.BillingMeterEventParams{
		Params:     stripe.Params{Context: ctx},
		EventName:  stripe.String(ev.EventName),
		Identifier: stripe.String(ev.Identifier),
		Payload: map[string]string{
			"stripe_customer_id": ev.CustomerID,
			"value":              ev.Value,
		},
	}
	if !ev.Timestamp.IsZero() {
		params.Timestamp = stripe.Int64(ev.Timestamp.Unix())
	}
	if _, err := meterevent.New(params); err != nil {
		return fmt.Errorf("report meter event %s: %w", ev.Identifier, err)
	}
	return nil
}

// VerifyEvent checks the Stripe-Signature header and decodes the event.
// Events pinned to another API version are accepted and logged; decodeEvent reads
// only fields that are stable across versions.
func (p *StripeProvider) VerifyEvent(payload []byte, signatureHeader string) (*Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, p.webhookSecret,
		webhook.ConstructEventOptions{Tolerance: webhook.DefaultTolerance, IgnoreAPIVersionMismatch: true})
	if err != nil {
		slog.Warn("stripe signature verification failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrSignature, err)
	}
	if event.APIVersion != "" && event.APIVersion != stripe.APIVersion {
		slog.Warn("stripe event api version differs from library",
			"event_id", event.ID, "event_api_version", event.APIVersion, "library_api_version", stripe.APIVersion)
	}
	return decodeEvent(event)
}

// decodeEvent extracts the fields of interest from the event's data object.
// Unknown event types decode to an Event with only ID and Type set.
func decodeEvent(event stripe.Event) (*Event, error) {
	ev := &Event{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
	}
	if event.Data == nil {
		return ev, nil
	}
	raw := event.Data.Raw

	switch ev.Type {
	case EventCheckoutCompleted:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(raw, &cs); err != nil {
			return nil, fmt.Errorf("decode checkout session: %w", err)
		}
		ev.CheckoutMode = string(cs.Mode)
		ev.UserID = cs.Metadata["user_id"]
		if cs.Customer != nil {
			ev.CustomerID = cs.Customer.ID
		}
		if cs.Subscription != nil {
			ev.SubscriptionID = cs.Subscription.ID
		}
		if cents := cs.Metadata["credit_amount_cents"]; cents != "" {
			ev.CreditAmountCents, _ = strconv.ParseInt(cents, 10, 64)
		}

	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		ev.SubscriptionID = sub.ID
		ev.SubscriptionStatus = string(sub.Status)
		ev.UserID = sub.Metadata["user_id"]
		if sub.Customer != nil {
			ev.CustomerID = sub.Customer.ID
		}

	case EventPaymentMethodAttached, EventPaymentMethodDetached:
		var pm stripe.PaymentMethod
		if err := json.Unmarshal(raw, &pm); err != nil {
			return nil, fmt.Errorf("decode payment method: %w", err)
		}
		ev.PaymentMethodID = pm.ID
		if pm.Customer != nil {
			ev.CustomerID = pm.Customer.ID
		}
		// A detached method no longer carries its customer; Stripe reports it
		// in previous_attributes instead.
		if ev.CustomerID == "" && event.Data.PreviousAttributes != nil {
			if prev, ok := event.Data.PreviousAttributes["customer"].(string); ok {
				ev.CustomerID = prev
			}
		}

	case EventInvoicePaymentFailed, EventInvoicePaymentSucceded:
		var inv stripe.Invoice
		if err := json.Unmarshal(raw, &inv); err != nil {
			return nil, fmt.Errorf("decode invoice: %w", err)
		}
		ev.AmountDue = inv.AmountDue
		ev.Currency = string(inv.Currency)
		ev.InvoiceURL = inv.HostedInvoiceURL
		ev.UserID = inv.Metadata["user_id"]
		if inv.Customer != nil {
			ev.CustomerID = inv.Customer.ID
		}
		if inv.Lines != nil {
			for _, line := range inv.Lines.Data {
				if line.Subscription != nil && line.Subscription.ID != "" {
					ev.SubscriptionID = line.Subscription.ID
					break
				}
			}
		}
	}
	return ev, nil
}

func toSubscription(sub *stripe.Subscription) *Subscription {
	s := &Subscription{ID: sub.ID, Status: string(sub.Status)}
	if sub.Customer != nil {
		s.CustomerID = sub.Customer.ID
	}
	return s
}
