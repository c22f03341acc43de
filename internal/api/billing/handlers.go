// Package billing implements the /api/v1/billing endpoints: checkout and portal
// sessions, prepaid credit purchases, spending caps, usage history and quotes.
//
// Every route resolves the paying account first. Team members read their owner's
// billing state and are refused on the routes that change it.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mlplatform/console-backend/internal/api/respond"
	pricing "github.com/mlplatform/console-backend/internal/billing"
	"github.com/mlplatform/console-backend/internal/db/models"
	"github.com/mlplatform/console-backend/internal/middleware"
	"github.com/mlplatform/console-backend/internal/payments"
)

// UserStore is the part of repositories.UserRepository the billing routes use.
type UserStore interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	SetStripeCustomer(ctx context.Context, userID, customerID string) error
	SetSpendingCap(ctx context.Context, userID string, amount decimal.NullDecimal) error
}

// UsageReader lists an owner's daily usage.
type UsageReader interface {
	ListForOwner(ctx context.Context, ownerID string, from, to time.Time) ([]models.UsageDaily, error)
}

// Options configures the handlers.
type Options struct {
	PriceID string
	AppURL  string
	Rates   pricing.Rates
}

// Handlers serves the billing routes. provider is nil when billing is disabled.
type Handlers struct {
	users    UserStore
	usage    UsageReader
	provider payments.Provider
	opts     Options
	now      func() time.Time
}

// NewHandlers creates the billing handlers
func NewHandlers(users UserStore, usage UsageReader, provider payments.Provider, opts Options) *Handlers {
	if opts.Rates.CreditUnitPrice.IsZero() {
		opts.Rates = pricing.DefaultRates()
	}
	return &Handlers{users: users, usage: usage, provider: provider, opts: opts, now: time.Now}
}

// account returns the user that pays for the caller. Mutating routes refuse team members.
func (h *Handlers) account(c *gin.Context, mutating bool) (*models.User, bool) {
	user := middleware.CurrentUser(c)
	if user == nil {
		respond.Error(c, http.StatusUnauthorized, "Not authenticated", nil)
		return nil, false
	}
	if !user.IsTeamMember() {
		return user, true
	}
	if mutating {
		respond.Error(c, http.StatusForbidden, "Only the account owner can manage billing", nil)
		return nil, false
	}
	owner, err := h.users.GetUserByID(c.Request.Context(), user.BillingAccountID())
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "Failed to load account owner", err)
		return nil, false
	}
	if owner == nil {
		respond.Error(c, http.StatusNotFound, "Account owner not found", nil)
		return nil, false
	}
	return owner, true
}

func (h *Handlers) requireProvider(c *gin.Context) bool {
	if h.provider == nil {
		respond.Error(c, http.StatusServiceUnavailable, "Billing is not enabled", nil)
		return false
	}
	return true
}

// ensureCustomer returns the owner's billing customer id, creating the customer on first use.
func (h *Handlers) ensureCustomer(ctx context.Context, owner *models.User) (string, error) {
	if owner.StripeCustomerID != nil && *owner.StripeCustomerID != "" {
		return *owner.StripeCustomerID, nil
	}
	customerID, err := h.provider.CreateCustomer(ctx, owner.Email, owner.Name, owner.ID)
	if err != nil {
		return "", fmt.Errorf("failed to create customer: %w", err)
	}
	if err := h.users.SetStripeCustomer(ctx, owner.ID, customerID); err != nil {
		return "", fmt.Errorf("failed to store customer: %w", err)
	}
	slog.Info("billing customer created", "user_id", owner.ID)
	return customerID, nil
}

// Checkout starts a hosted checkout for the metered subscription.
// POST /api/v1/billing/checkout
func (h *Handlers) Checkout() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := h.account(c, true)
		if !ok || !h.requireProvider(c) {
			return
		}
		if owner.HasActiveSubscription() {
			respond.Error(c, http.StatusConflict, "Subscription is already active", nil)
			return
		}

		ctx := c.Request.Context()
		customerID, err := h.ensureCustomer(ctx, owner)
		if err != nil {
			respond.Error(c, http.StatusBadGateway, "Failed to set up billing customer", err)
			return
		}
		sessionURL, err := h.provider.CreateCheckoutSession(ctx, payments.CheckoutRequest{
			CustomerID: customerID,
			UserID:     owner.ID,
			Mode:       payments.CheckoutModeSubscription,
			PriceID:    h.opts.PriceID,
			SuccessURL: h.opts.AppURL + "/billing?checkout=success",
			CancelURL:  h.opts.AppURL + "/billing?checkout=canceled",
		})
		if err != nil {
			respond.Error(c, http.StatusBadGateway, "Failed to create checkout session", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"url": sessionURL})
	}
}

// Portal opens the provider's self-service billing portal.
// POST /api/v1/billing/portal
func (h *Handlers) Portal() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := h.account(c, true)
		if !ok || !h.requireProvider(c) {
			return
		}
		if owner.StripeCustomerID == nil || *owner.StripeCustomerID == "" {
			respond.Error(c, http.StatusBadRequest, "No billing account exists yet", nil)
			return
		}
		portalURL, err := h.provider.CreatePortalSession(c.Request.Context(), *owner.StripeCustomerID, h.opts.AppURL+"/billing")
		if err != nil {
			respond.Error(c, http.StatusBadGateway, "Failed to create portal session", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"url": portalURL})
	}
}

// Subscription reports the subscription state and stored payment methods.
// GET /api/v1/billing/subscription
func (h *Handlers) Subscription() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := h.account(c, false)
		if !ok {
			return
		}
		methods := []payments.PaymentMethod{}
		if h.provider != nil && owner.StripeCustomerID != nil && *owner.StripeCustomerID != "" {
			listed, err := h.provider.ListPaymentMethods(c.Request.Context(), *owner.StripeCustomerID)
			if err != nil {
				respond.Error(c, http.StatusBadGateway, "Failed to list payment methods", err)
				return
			}
			methods = append(methods, listed...)
		}
		c.JSON(http.StatusOK, gin.H{
			"billing_mode":        owner.BillingMode,
			"has_subscription":    owner.HasActiveSubscription(),
			"subscription_id":     owner.StripeSubscriptionID,
			"subscription_status": owner.StripeSubscriptionStatus,
			"prepaid_enabled":     owner.PrepaidEnabled(),
			"downgrade_deadline":  owner.DowngradeDeadline,
			"payment_methods":     methods,
		})
	}
}

// CreditsCheckoutRequest buys prepaid credits. Amounts are in US cents.
type CreditsCheckoutRequest struct {
	AmountCents int64 `json:"amount_cents" binding:"required,min=1000,max=10000000"`
}

// CreditsCheckout starts a one-off payment for prepaid credits.
// POST /api/v1/billing/credits/checkout
func (h *Handlers) CreditsCheckout() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := h.account(c, true)
		if !ok || !h.requireProvider(c) {
			return
		}
		if !owner.PrepaidEnabled() {
			respond.Error(c, http.StatusForbidden, "Prepaid billing is not enabled for this account", nil)
			return
		}
		var req CreditsCheckoutRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respond.Error(c, http.StatusBadRequest, "Amount must be between $10 and $100,000", err)
			return
		}

		ctx := c.Request.Context()
		customerID, err := h.ensureCustomer(ctx, owner)
		if err != nil {
			respond.Error(c, http.StatusBadGateway, "Failed to set up billing customer", err)
			return
		}
		sessionURL, err := h.provider.CreateCheckoutSession(ctx, payments.CheckoutRequest{
			CustomerID:  customerID,
			UserID:      owner.ID,
			Mode:        payments.CheckoutModePayment,
			AmountCents: req.AmountCents,
			Description: "Platform credits",
			SuccessURL:  h.opts.AppURL + "/billing?credits=success",
			CancelURL:   h.opts.AppURL + "/billing?credits=canceled",
		})
		if err != nil {
			respond.Error(c, http.StatusBadGateway, "Failed to create checkout session", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"url": sessionURL})
	}
}

// SpendingCapRequest sets or clears (null) the monthly cap in dollars.
type SpendingCapRequest struct {
	Amount decimal.NullDecimal `json:"amount"`
}

// SetSpendingCap stores the owner's monthly spending cap.
// PUT /api/v1/billing/spending-cap
func (h *Handlers) SetSpendingCap() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := h.account(c, true)
		if !ok {
			return
		}
		var req SpendingCapRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respond.Error(c, http.StatusBadRequest, "Invalid request body", err)
			return
		}
		if req.Amount.Valid && !pricing.ValidSpendingCap(req.Amount.Decimal) {
			respond.Error(c, http.StatusBadRequest, "Spending cap must be positive and below 1,000,000", nil)
			return
		}
		if req.Amount.Valid {
			req.Amount.Decimal = pricing.RoundCents(req.Amount.Decimal)
		}
		if err := h.users.SetSpendingCap(c.Request.Context(), owner.ID, req.Amount); err != nil {
			respond.Error(c, http.StatusInternalServerError, "Failed to update spending cap", err)
			return
		}
		var spendingCap *decimal.Decimal
		if req.Amount.Valid {
			spendingCap = &req.Amount.Decimal
		}
		slog.Info("spending cap updated", "user_id", owner.ID, "cleared", !req.Amount.Valid)
		c.JSON(http.StatusOK, gin.H{"spending_cap": spendingCap})
	}
}

// UsageDay is one priced usage row.
type UsageDay struct {
	Date     string                `json:"date"`
	UserID   string                `json:"user_id"`
	Usage    pricing.DailyUsage    `json:"usage"`
	Cost     pricing.CostBreakdown `json:"cost"`
	Reported bool                  `json:"reported"`
}

// UsageResponse is the month view of an owner's usage.
type UsageResponse struct {
	Month       string                `json:"month"`
	Days        []UsageDay            `json:"days"`
	Totals      pricing.CostBreakdown `json:"totals"`
	SpendingCap *decimal.Decimal      `json:"spending_cap,omitempty"`
	// PercentOfCap is the month-to-date spend as a percentage of the cap.
	PercentOfCap *decimal.Decimal `json:"percent_of_cap,omitempty"`
}

func rounded(b pricing.CostBreakdown) pricing.CostBreakdown {
	return pricing.CostBreakdown{
		Credits:        b.Credits.Round(4),
		Compute:        pricing.RoundCents(b.Compute),
		OnlineStorage:  pricing.RoundCents(b.OnlineStorage),
		OfflineStorage: pricing.RoundCents(b.OfflineStorage),
		NetworkEgress:  pricing.RoundCents(b.NetworkEgress),
		Total:          pricing.RoundCents(b.Total),
	}
}

// Usage returns the daily rows and totals for a month (default: the current UTC month).
// GET /api/v1/billing/usage?month=YYYY-MM
func (h *Handlers) Usage() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := h.account(c, false)
		if !ok {
			return
		}
		month := c.DefaultQuery("month", h.now().UTC().Format("2006-01"))
		from, err := time.Parse("2006-01", month)
		if err != nil {
			respond.Error(c, http.StatusBadRequest, "month must be formatted YYYY-MM", err)
			return
		}
		to := from.AddDate(0, 1, 0)

		rows, err := h.usage.ListForOwner(c.Request.Context(), owner.ID, from, to)
		if err != nil {
			respond.Error(c, http.StatusInternalServerError, "Failed to load usage", err)
			return
		}

		resp := UsageResponse{Month: month, Days: make([]UsageDay, 0, len(rows))}
		costs := make([]pricing.CostBreakdown, 0, len(rows))
		for i := range rows {
			cost := h.opts.Rates.DailyCost(rows[i].Usage())
			costs = append(costs, cost)
			resp.Days = append(resp.Days, UsageDay{
				Date:     rows[i].UsageDate.Format("2006-01-02"),
				UserID:   rows[i].UserID,
				Usage:    rows[i].Usage(),
				Cost:     rounded(cost),
				Reported: rows[i].ReportedToStripe,
			})
		}
		total := pricing.Sum(costs)
		resp.Totals = rounded(total)
		if owner.SpendingCap.Valid {
			limit := owner.SpendingCap.Decimal
			pct := pricing.PercentOfCap(total.Total, limit).Round(1)
			resp.SpendingCap = &limit
			resp.PercentOfCap = &pct
		}
		c.JSON(http.StatusOK, resp)
	}
}

// QuoteRequest prices a hypothetical daily usage over Days days.
type QuoteRequest struct {
	Usage pricing.DailyUsage `json:"usage"`
	Days  int                `json:"days" binding:"omitempty,min=1,max=366"`
}

var errNegativeUsage = errors.New("usage values must not be negative")

func validateUsage(u pricing.DailyUsage) error {
	for _, v := range []float64{u.CPUHours, u.GPUHours, u.RAMGBHours, u.OnlineStorageGB, u.OfflineStorageGB, u.NetworkEgressGB} {
		if v < 0 {
			return errNegativeUsage
		}
	}
	return nil
}

// Quote prices usage with the same rate table as invoicing.
// POST /api/v1/billing/quote
func (h *Handlers) Quote() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req QuoteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respond.Error(c, http.StatusBadRequest, "Invalid request body", err)
			return
		}
		if err := validateUsage(req.Usage); err != nil {
			respond.Error(c, http.StatusBadRequest, err.Error(), nil)
			return
		}
		if req.Days == 0 {
			req.Days = 1
		}
		daily := h.opts.Rates.DailyCost(req.Usage)
		costs := make([]pricing.CostBreakdown, req.Days)
		for i := range costs {
			costs[i] = daily
		}
		c.JSON(http.StatusOK, gin.H{
			"days":              req.Days,
			"credit_unit_price": h.opts.Rates.CreditUnitPrice,
			"daily":             rounded(daily),
			"total":             rounded(pricing.Sum(costs)),
		})
	}
}
