// usage_reports.go serves the usage ledgers archived by the reporting job.
package admin

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mlplatform/console-backend/internal/api/respond"
	"github.com/mlplatform/console-backend/internal/storage"
)

// Archive is the read side of the storage backend.
type Archive interface {
	Download(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error)
}

// UsageReportHandlers handles archived usage report endpoints
type UsageReportHandlers struct {
	archive Archive
}

// NewUsageReportHandlers creates a new UsageReportHandlers instance
func NewUsageReportHandlers(archive Archive) *UsageReportHandlers {
	return &UsageReportHandlers{archive: archive}
}

// ListReportsHandler lists the ledgers archived on one UTC day (default today)
// GET /api/v1/admin/usage-reports?date=2026-01-31
func (h *UsageReportHandlers) ListReportsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		day := time.Now().UTC()
		if raw := c.Query("date"); raw != "" {
			parsed, err := time.Parse("2006-01-02", raw)
			if err != nil {
				respond.Error(c, http.StatusBadRequest, "date must be YYYY-MM-DD", nil)
				return
			}
			day = parsed
		}

		objects, err := h.archive.List(c.Request.Context(), storage.UsageReportDayPrefix(day))
		if err != nil {
			respond.Error(c, http.StatusInternalServerError, "Failed to list usage reports", err)
			return
		}
		if objects == nil {
			objects = []storage.ObjectInfo{}
		}
		c.JSON(http.StatusOK, gin.H{"date": day.Format("2006-01-02"), "reports": objects})
	}
}

// DownloadReportHandler streams one archived ledger. Only paths under the usage
// report prefix are served.
// GET /api/v1/admin/usage-reports/download?path=usage-reports/2026/01/31/<run>.json
func (h *UsageReportHandlers) DownloadReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := storage.CleanPath(c.Query("path"))
		if err != nil || !strings.HasPrefix(p, storage.UsageReportPrefix) || path.Ext(p) != ".json" {
			respond.Error(c, http.StatusBadRequest, "Invalid report path", nil)
			return
		}

		rc, err := h.archive.Download(c.Request.Context(), p)
		if errors.Is(err, storage.ErrNotFound) {
			respond.Error(c, http.StatusNotFound, "Report not found", nil)
			return
		}
		if err != nil {
			respond.Error(c, http.StatusInternalServerError, "Failed to read report", err)
			return
		}
		defer rc.Close()

		c.Header("Content-Disposition", `attachment; filename="`+path.Base(p)+`"`)
		c.DataFromReader(http.StatusOK, -1, "application/json", rc, nil)
	}
}
