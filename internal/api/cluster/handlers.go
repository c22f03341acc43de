// Package cluster implements /api/v1/cluster: the caller's assignment and the
// self-service assignment request.
package cluster

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mlplatform/console-backend/internal/api/respond"
	"github.com/mlplatform/console-backend/internal/db/models"
	"github.com/mlplatform/console-backend/internal/middleware"
	"github.com/mlplatform/console-backend/internal/payments"
	"github.com/mlplatform/console-backend/internal/services"
)

// Assigner places users on clusters. services.AssignmentService satisfies it.
type Assigner interface {
	AssignUserToCluster(ctx context.Context, userID string) (*services.AssignmentResult, error)
}

// AssignmentReader looks up a user's assignment.
type AssignmentReader interface {
	GetByUserID(ctx context.Context, userID string) (*models.Assignment, error)
}

// ClusterReader loads clusters.
type ClusterReader interface {
	GetByID(ctx context.Context, id string) (*models.Cluster, error)
}

// PaymentMethodLister lists stored payment methods.
type PaymentMethodLister interface {
	ListPaymentMethods(ctx context.Context, customerID string) ([]payments.PaymentMethod, error)
}

// Handlers serves the cluster routes.
type Handlers struct {
	assigner    Assigner
	assignments AssignmentReader
	clusters    ClusterReader
	methods     PaymentMethodLister
}

// NewHandlers creates the handlers. methods is nil when billing is disabled, in
// which case every owner is eligible.
func NewHandlers(assigner Assigner, assignments AssignmentReader, clusters ClusterReader, methods PaymentMethodLister) *Handlers {
	return &Handlers{assigner: assigner, assignments: assignments, clusters: clusters, methods: methods}
}

// ClusterView is the part of a cluster shown to its users.
type ClusterView struct {
	ID     string               `json:"id"`
	Name   string               `json:"name"`
	APIURL string               `json:"api_url"`
	Status models.ClusterStatus `json:"status"`
}

// Current returns the caller's assignment.
// GET /api/v1/cluster
func (h *Handlers) Current() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.CurrentUser(c)
		ctx := c.Request.Context()

		a, err := h.assignments.GetByUserID(ctx, user.ID)
		if err != nil {
			respond.Error(c, http.StatusInternalServerError, "Failed to load assignment", err)
			return
		}
		if a == nil {
			c.JSON(http.StatusOK, gin.H{"assigned": false})
			return
		}
		cl, err := h.clusters.GetByID(ctx, a.ClusterID)
		if err != nil {
			respond.Error(c, http.StatusInternalServerError, "Failed to load cluster", err)
			return
		}
		resp := gin.H{"assigned": true, "assignment": a}
		if cl != nil {
			resp["cluster"] = ClusterView{ID: cl.ID, Name: cl.Name, APIURL: cl.APIURL, Status: cl.Status}
		}
		c.JSON(http.StatusOK, resp)
	}
}

// eligible reports whether the user may be given a cluster: team members and
// prepaid accounts always are, owners need a stored payment method.
func (h *Handlers) eligible(ctx context.Context, user *models.User) (bool, error) {
	if user.IsTeamMember() || user.BillingMode == models.BillingModePrepaid || user.HasActiveSubscription() {
		return true, nil
	}
	if h.methods == nil {
		return true, nil
	}
	if user.StripeCustomerID == nil || *user.StripeCustomerID == "" {
		return false, nil
	}
	methods, err := h.methods.ListPaymentMethods(ctx, *user.StripeCustomerID)
	if err != nil {
		return false, err
	}
	return len(methods) > 0, nil
}

// Assign gives the caller a cluster and a backend account.
// POST /api/v1/cluster/assign
func (h *Handlers) Assign() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.CurrentUser(c)
		ctx := c.Request.Context()

		ok, err := h.eligible(ctx, user)
		if err != nil {
			respond.Error(c, http.StatusBadGateway, "Failed to check payment methods", err)
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error": "Add a payment method before requesting a cluster",
				"code":  "payment_method_required",
			})
			return
		}

		result, err := h.assigner.AssignUserToCluster(ctx, user.ID)
		switch {
		case errors.Is(err, services.ErrNoCapacity):
			respond.Error(c, http.StatusServiceUnavailable, "No cluster capacity is available right now", nil)
			return
		case errors.Is(err, services.ErrUserNotFound):
			respond.Error(c, http.StatusNotFound, "User not found", nil)
			return
		case err != nil:
			respond.Error(c, http.StatusInternalServerError, "Failed to assign cluster", err)
			return
		}

		status := http.StatusCreated
		if result.AlreadyAssigned {
			status = http.StatusOK
		}
		c.JSON(status, result)
	}
}
