// Package respond writes the JSON error bodies shared by every handler.
package respond

import (
	"log/slog"
	"sync/atomic"

	"github.com/gin-gonic/gin"

	"github.com/mlplatform/console-backend/internal/middleware"
)

var diagnostics atomic.Bool

// SetDiagnostics controls whether error details reach clients. The router enables
// it outside production.
func SetDiagnostics(enabled bool) {
	diagnostics.Store(enabled)
}

// Error aborts with {"error": msg}. err is logged for 5xx responses and added as
// "details" when diagnostics are enabled.
func Error(c *gin.Context, status int, msg string, err error) {
	body := gin.H{"error": msg}
	if err != nil {
		if status >= 500 {
			slog.ErrorContext(c.Request.Context(), msg,
				"error", err,
				"path", c.FullPath(),
				"request_id", middleware.RequestIDFromContext(c.Request.Context()))
		}
		if diagnostics.Load() {
			body["details"] = err.Error()
		}
	}
	c.AbortWithStatusJSON(status, body)
}
