// health.go implements the operator view of the health check failure log.
package admin

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mlplatform/console-backend/internal/api/respond"
	"github.com/mlplatform/console-backend/internal/db/models"
	"github.com/mlplatform/console-backend/internal/db/repositories"
)

// FailureLog reads and resolves recorded failures. repositories.HealthCheckRepository
// satisfies it.
type FailureLog interface {
	List(ctx context.Context, filters repositories.HealthCheckFilters, limit, offset int) ([]*models.HealthCheckFailure, int, error)
	Resolve(ctx context.Context, id string) (bool, error)
}

// HealthHandlers handles failure log endpoints
type HealthHandlers struct {
	failures FailureLog
}

// NewHealthHandlers creates a new HealthHandlers instance
func NewHealthHandlers(failures FailureLog) *HealthHandlers {
	return &HealthHandlers{failures: failures}
}

func optionalQuery(c *gin.Context, key string) *string {
	if v, ok := c.GetQuery(key); ok && v != "" {
		return &v
	}
	return nil
}

// ListFailuresHandler lists failures, unresolved by default, newest first
// GET /api/v1/admin/health-failures?resolved=false&check_type=&severity=&user_id=&page=1&per_page=50
func (h *HealthHandlers) ListFailuresHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "50"))
		if page < 1 {
			page = 1
		}
		if perPage < 1 || perPage > 200 {
			perPage = 50
		}

		filters := repositories.HealthCheckFilters{
			CheckType: optionalQuery(c, "check_type"),
			Severity:  optionalQuery(c, "severity"),
			UserID:    optionalQuery(c, "user_id"),
		}
		switch c.DefaultQuery("resolved", "false") {
		case "all":
		case "true":
			resolved := true
			filters.Resolved = &resolved
		case "false":
			resolved := false
			filters.Resolved = &resolved
		default:
			respond.Error(c, http.StatusBadRequest, "resolved must be true, false or all", nil)
			return
		}

		failures, total, err := h.failures.List(c.Request.Context(), filters, perPage, (page-1)*perPage)
		if err != nil {
			respond.Error(c, http.StatusInternalServerError, "Failed to list failures", err)
			return
		}
		if failures == nil {
			failures = []*models.HealthCheckFailure{}
		}

		c.JSON(http.StatusOK, gin.H{
			"failures": failures,
			"pagination": gin.H{
				"page":     page,
				"per_page": perPage,
				"total":    total,
			},
		})
	}
}

// ResolveFailureHandler marks a failure resolved by hand
// POST /api/v1/admin/health-failures/:id/resolve
func (h *HealthHandlers) ResolveFailureHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := h.failures.Resolve(c.Request.Context(), c.Param("id"))
		if err != nil {
			respond.Error(c, http.StatusInternalServerError, "Failed to resolve failure", err)
			return
		}
		if !ok {
			respond.Error(c, http.StatusNotFound, "Failure not found or already resolved", nil)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "resolved": true})
	}
}
