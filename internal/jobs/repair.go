// repair.go implements the RepairQueue job, which consumes health_check_failures
// rows whose operation can simply be run again.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mlplatform/console-backend/internal/alerts"
	"github.com/mlplatform/console-backend/internal/db/models"
)

// FailureQueue is the repair view of the failure log.
type FailureQueue interface {
	ListRepairable(ctx context.Context, checkTypes []string, maxAttempts, limit int) ([]*models.HealthCheckFailure, error)
	Resolve(ctx context.Context, id string) (bool, error)
	RecordAttempt(ctx context.Context, id, errMsg string) (int, error)
}

// RepairFunc re-runs the operation behind a failure. It must be idempotent.
type RepairFunc func(ctx context.Context, f *models.HealthCheckFailure) error

// UserRepair adapts an operation keyed by user id.
func UserRepair(fn func(ctx context.Context, userID string) error) RepairFunc {
	return func(ctx context.Context, f *models.HealthCheckFailure) error {
		if f.UserID == nil || *f.UserID == "" {
			return errors.New("failure has no user id")
		}
		return fn(ctx, *f.UserID)
	}
}

// ProjectMemberRepair adapts an operation keyed by member and project id. The
// project id is read from the failure details.
func ProjectMemberRepair(fn func(ctx context.Context, memberID string, projectID int64) error) RepairFunc {
	return func(ctx context.Context, f *models.HealthCheckFailure) error {
		if f.UserID == nil || *f.UserID == "" {
			return errors.New("failure has no user id")
		}
		projectID, err := detailInt64(f.Details, "project_id")
		if err != nil {
			return err
		}
		return fn(ctx, *f.UserID, projectID)
	}
}

// RepairOptions bounds one run.
type RepairOptions struct {
	BatchSize   int
	MaxAttempts int
}

// RepairQueue dispatches repairable failures to registered handlers.
type RepairQueue struct {
	queue    FailureQueue
	alerter  Alerter
	handlers map[string]RepairFunc
	opts     RepairOptions
}

// NewRepairQueue creates an empty queue; handlers are added with Register.
func NewRepairQueue(queue FailureQueue, alerter Alerter, opts RepairOptions) *RepairQueue {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &RepairQueue{
		queue:    queue,
		alerter:  alerter,
		handlers: make(map[string]RepairFunc),
		opts:     opts,
	}
}

// Register sets the handler for a check type.
func (q *RepairQueue) Register(checkType string, fn RepairFunc) {
	q.handlers[checkType] = fn
}

// RepairSummary counts the outcomes of one run.
type RepairSummary struct {
	Attempted int `json:"attempted"`
	Resolved  int `json:"resolved"`
	Failed    int `json:"failed"`
	Escalated int `json:"escalated"`
}

// Run takes up to BatchSize open failures, oldest first, and re-runs each. A success
// resolves the row. A failure bumps its attempt count; the attempt that reaches
// MaxAttempts posts an alert, after which the row is no longer picked up.
func (q *RepairQueue) Run(ctx context.Context) (summary *RepairSummary, err error) {
	defer func() { finish(JobRepair, err) }()

	types := make([]string, 0, len(q.handlers))
	for _, t := range models.RepairableCheckTypes {
		if _, ok := q.handlers[t]; ok {
			types = append(types, t)
		}
	}
	summary = &RepairSummary{}
	if len(types) == 0 {
		return summary, nil
	}

	failures, err := q.queue.ListRepairable(ctx, types, q.opts.MaxAttempts, q.opts.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list repairable failures: %w", err)
	}

	for _, f := range failures {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Attempted++
		q.repair(ctx, f, summary)
	}
	slog.Info("repair run finished", "attempted", summary.Attempted, "resolved", summary.Resolved,
		"failed", summary.Failed, "escalated", summary.Escalated)
	return summary, nil
}

func (q *RepairQueue) repair(ctx context.Context, f *models.HealthCheckFailure, summary *RepairSummary) {
	repairErr := q.handlers[f.CheckType](ctx, f)
	if repairErr == nil {
		if _, err := q.queue.Resolve(ctx, f.ID); err != nil {
			slog.Error("repaired failure could not be resolved", "failure_id", f.ID, "error", err)
			return
		}
		summary.Resolved++
		slog.Info("failure repaired", "failure_id", f.ID, "check_type", f.CheckType)
		return
	}

	summary.Failed++
	attempts, err := q.queue.RecordAttempt(ctx, f.ID, repairErr.Error())
	if err != nil {
		slog.Error("failed to record repair attempt", "failure_id", f.ID, "error", err)
		return
	}
	slog.Warn("repair attempt failed", "failure_id", f.ID, "check_type", f.CheckType,
		"attempts", attempts, "error", repairErr)
	if attempts < q.opts.MaxAttempts {
		return
	}

	summary.Escalated++
	fields := map[string]interface{}{
		"failure_id": f.ID,
		"check_type": f.CheckType,
		"attempts":   attempts,
	}
	if f.UserID != nil {
		fields["user_id"] = *f.UserID
	}
	ship(ctx, q.alerter, &alerts.Alert{
		Severity: alerts.SeverityHigh,
		Source:   JobRepair,
		Text:     fmt.Sprintf("repair gave up after %d attempts: %v", attempts, repairErr),
		Fields:   fields,
	})
}
