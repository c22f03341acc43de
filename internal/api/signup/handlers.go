// Package signup implements corporate signup: a user listed as a contact on a
// CRM deal is switched to prepaid billing.
package signup

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mlplatform/console-backend/internal/api/respond"
	"github.com/mlplatform/console-backend/internal/db/models"
	"github.com/mlplatform/console-backend/internal/hubspot"
	"github.com/mlplatform/console-backend/internal/middleware"
)

// DealChecker answers whether an email is a contact on a deal.
type DealChecker interface {
	IsContactOnDeal(ctx context.Context, dealID, email string) (bool, error)
}

// UserStore updates the billing fields touched by a corporate signup.
type UserStore interface {
	SetBillingMode(ctx context.Context, userID string, mode models.BillingMode) error
	SetFeatureFlag(ctx context.Context, userID, flag string, enabled bool) error
}

// Handlers serves the signup routes.
type Handlers struct {
	deals DealChecker
	users UserStore
}

// NewHandlers creates the handlers. deals is nil when the CRM integration is off.
func NewHandlers(deals DealChecker, users UserStore) *Handlers {
	return &Handlers{deals: deals, users: users}
}

// CorporateRequest is the body of POST /api/v1/signup/corporate.
type CorporateRequest struct {
	DealID string `json:"deal_id" binding:"required"`
}

// Corporate verifies the caller against a deal and enables prepaid billing.
// POST /api/v1/signup/corporate
func (h *Handlers) Corporate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.deals == nil {
			respond.Error(c, http.StatusServiceUnavailable, "Corporate signup is not enabled", nil)
			return
		}
		user := middleware.CurrentUser(c)
		ctx := c.Request.Context()

		var req CorporateRequest
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.DealID) == "" {
			respond.Error(c, http.StatusBadRequest, "deal_id is required", nil)
			return
		}
		if user.IsTeamMember() {
			respond.Error(c, http.StatusForbidden, "Team members are billed through their account owner", nil)
			return
		}
		if user.HasActiveSubscription() {
			respond.Error(c, http.StatusConflict, "Cancel the existing subscription before switching to corporate billing", nil)
			return
		}
		if user.BillingMode == models.BillingModePrepaid && user.PrepaidEnabled() {
			c.JSON(http.StatusOK, gin.H{"billing_mode": user.BillingMode, "prepaid_enabled": true})
			return
		}

		ok, err := h.deals.IsContactOnDeal(ctx, strings.TrimSpace(req.DealID), user.Email)
		if errors.Is(err, hubspot.ErrDealNotFound) {
			respond.Error(c, http.StatusNotFound, "Deal not found", nil)
			return
		}
		if err != nil {
			respond.Error(c, http.StatusBadGateway, "Failed to verify deal", err)
			return
		}
		if !ok {
			respond.Error(c, http.StatusForbidden, "Your email is not a contact on this deal", nil)
			return
		}

		if err := h.users.SetBillingMode(ctx, user.ID, models.BillingModePrepaid); err != nil {
			respond.Error(c, http.StatusInternalServerError, "Failed to update billing mode", err)
			return
		}
		if err := h.users.SetFeatureFlag(ctx, user.ID, models.FeaturePrepaidEnabled, true); err != nil {
			respond.Error(c, http.StatusInternalServerError, "Failed to enable prepaid billing", err)
			return
		}
		slog.Info("corporate signup completed", "user_id", user.ID, "deal_id", req.DealID)
		c.JSON(http.StatusOK, gin.H{"billing_mode": models.BillingModePrepaid, "prepaid_enabled": true})
	}
}
