// Package cron exposes the scheduled single-pass jobs as authenticated POST
// routes under /api/cron. An external scheduler calls them.
package cron

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mlplatform/console-backend/internal/jobs"
)

// UsageReporter reports unbilled usage. jobs.UsageReporter satisfies it.
type UsageReporter interface {
	Run(ctx context.Context) (*jobs.UsageReport, error)
}

// SpendingMonitor sends spending-cap alerts.
type SpendingMonitor interface {
	Run(ctx context.Context) ([]jobs.SpendingAlert, error)
}

// IntegrityChecker scans for cross-system inconsistencies.
type IntegrityChecker interface {
	Run(ctx context.Context) (*jobs.IntegrityReport, error)
}

// RepairQueue retries recorded failures.
type RepairQueue interface {
	Run(ctx context.Context) (*jobs.RepairSummary, error)
}

// DailyDigest posts the operator summary.
type DailyDigest interface {
	Run(ctx context.Context) (*jobs.Digest, error)
}

// DowngradeEnforcer applies expired downgrade deadlines.
type DowngradeEnforcer interface {
	Run(ctx context.Context) (*jobs.DowngradeSummary, error)
}

// Jobs groups the job runners served here.
type Jobs struct {
	Usage     UsageReporter
	Spending  SpendingMonitor
	Integrity IntegrityChecker
	Repair    RepairQueue
	Digest    DailyDigest
	Downgrade DowngradeEnforcer
}

// Handlers serves the cron routes.
type Handlers struct {
	jobs    Jobs
	timeout time.Duration
}

// NewHandlers creates the handlers. Each run is bounded by timeout.
func NewHandlers(j Jobs, timeout time.Duration) *Handlers {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Handlers{jobs: j, timeout: timeout}
}

// run executes one job and writes its result. A failed run answers 500 with
// whatever partial result the job produced.
func run[T any](h *Handlers, c *gin.Context, name string, fn func(context.Context) (T, error)) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	start := time.Now()
	result, err := fn(ctx)
	if err != nil {
		slog.Error("cron job failed", "job", name, "error", err, "duration", time.Since(start))
		c.JSON(http.StatusInternalServerError, gin.H{"job": name, "error": err.Error(), "result": result})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": name, "result": result})
}

// UsageReport bills yesterday's usage and then checks spending caps against the
// updated totals. The cap check runs even when reporting failed.
// POST /api/cron/usage-report
func (h *Handlers) UsageReport() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
		defer cancel()

		report, reportErr := h.jobs.Usage.Run(ctx)
		if reportErr != nil {
			slog.Error("cron job failed", "job", jobs.JobUsageReport, "error", reportErr)
		}
		alerts, alertErr := h.jobs.Spending.Run(ctx)
		if alertErr != nil {
			slog.Error("cron job failed", "job", jobs.JobSpendingCaps, "error", alertErr)
		}

		resp := gin.H{"job": jobs.JobUsageReport, "result": report, "spending_alerts": alerts}
		status := http.StatusOK
		if reportErr != nil {
			status = http.StatusInternalServerError
			resp["error"] = reportErr.Error()
		}
		if alertErr != nil {
			status = http.StatusInternalServerError
			resp["spending_error"] = alertErr.Error()
		}
		c.JSON(status, resp)
	}
}

// IntegrityCheck runs the consistency checks.
// POST /api/cron/integrity-check
func (h *Handlers) IntegrityCheck() gin.HandlerFunc {
	return func(c *gin.Context) {
		run(h, c, jobs.JobIntegrityCheck, h.jobs.Integrity.Run)
	}
}

// Repair retries repairable failures.
// POST /api/cron/repair
func (h *Handlers) Repair() gin.HandlerFunc {
	return func(c *gin.Context) {
		run(h, c, jobs.JobRepair, h.jobs.Repair.Run)
	}
}

// DailyDigest posts the daily summary.
// POST /api/cron/daily-digest
func (h *Handlers) DailyDigest() gin.HandlerFunc {
	return func(c *gin.Context) {
		run(h, c, jobs.JobDailyDigest, h.jobs.Digest.Run)
	}
}

// DowngradeEnforce applies due downgrade deadlines.
// POST /api/cron/downgrade-enforce
func (h *Handlers) DowngradeEnforce() gin.HandlerFunc {
	return func(c *gin.Context) {
		run(h, c, jobs.JobDowngradeEnforce, h.jobs.Downgrade.Run)
	}
}
