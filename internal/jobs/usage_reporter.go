// usage_reporter.go implements the UsageReporter job, which pushes finished usage
// days to the billing provider's meters and archives a JSON ledger of each run.
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mlplatform/console-backend/internal/alerts"
	"github.com/mlplatform/console-backend/internal/billing"
	"github.com/mlplatform/console-backend/internal/config"
	"github.com/mlplatform/console-backend/internal/db/models"
	"github.com/mlplatform/console-backend/internal/payments"
	"github.com/mlplatform/console-backend/internal/storage"
	"github.com/mlplatform/console-backend/internal/telemetry"
)

// Per-row outcomes, also the usage_reports_total label.
const (
	UsageReported       = "reported"
	UsagePrepaidSkipped = "prepaid_skipped"
	UsageNoCustomer     = "no_customer"
	UsageOrphaned       = "orphaned"
	UsageFailed         = "failed"
)

// UsageStore reads and marks daily usage rows.
type UsageStore interface {
	ListUnreported(ctx context.Context, before time.Time, limit int) ([]models.UsageDaily, error)
	MarkReported(ctx context.Context, id string, at time.Time) error
}

// MeterReporter sends metered usage to the billing provider.
type MeterReporter interface {
	ReportMeterEvent(ctx context.Context, ev payments.MeterEvent) error
}

// Meters names the provider meters. An empty name disables that meter.
type Meters struct {
	Compute        string
	OnlineStorage  string
	OfflineStorage string
	Egress         string
}

// UsageReporterOptions configures UsageReporter.
type UsageReporterOptions struct {
	Meters       Meters
	OrphanPolicy string
	BatchSize    int
	Rates        billing.Rates
}

// UsageReporter reports unreported usage days, oldest first.
type UsageReporter struct {
	usage    UsageStore
	users    UserReader
	meter    MeterReporter
	archive  storage.Storage
	failures FailureRecorder
	alerter  Alerter
	opts     UsageReporterOptions
	now      func() time.Time
	newRunID func() string
}

// NewUsageReporter creates the reporter. archive may be nil, in which case ledgers
// are only logged.
func NewUsageReporter(usage UsageStore, users UserReader, meter MeterReporter, archive storage.Storage,
	failures FailureRecorder, alerter Alerter, opts UsageReporterOptions) *UsageReporter {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.OrphanPolicy == "" {
		opts.OrphanPolicy = config.OrphanPolicyLog
	}
	if opts.Rates.CreditUnitPrice.IsZero() {
		opts.Rates = billing.DefaultRates()
	}
	return &UsageReporter{
		usage:    usage,
		users:    users,
		meter:    meter,
		archive:  archive,
		failures: failures,
		alerter:  alerter,
		opts:     opts,
		now:      time.Now,
		newRunID: uuid.NewString,
	}
}

// LedgerEntry is one usage row in the archived ledger.
type LedgerEntry struct {
	UsageID        string            `json:"usage_id"`
	UserID         string            `json:"user_id"`
	AccountOwnerID string            `json:"account_owner_id"`
	UsageDate      string            `json:"usage_date"`
	Outcome        string            `json:"outcome"`
	Meters         map[string]string `json:"meters,omitempty"`
	Cost           decimal.Decimal   `json:"cost"`
	Error          string            `json:"error,omitempty"`
}

// UsageReport summarises one run. It is also the archived ledger.
type UsageReport struct {
	RunID       string          `json:"run_id"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
	Counts      map[string]int  `json:"counts"`
	Unbilled    decimal.Decimal `json:"unbilled"`
	Entries     []LedgerEntry   `json:"entries"`
	ArchivePath string          `json:"archive_path,omitempty"`
}

// Run reports every unreported row for days before today (UTC), up to BatchSize rows.
// A row that fails stays unreported and is retried by the next run; meter event
// identifiers make the retry safe.
func (r *UsageReporter) Run(ctx context.Context) (report *UsageReport, err error) {
	defer func() { finish(JobUsageReport, err) }()

	started := r.now().UTC()
	today := time.Date(started.Year(), started.Month(), started.Day(), 0, 0, 0, 0, time.UTC)
	report = &UsageReport{
		RunID:     r.newRunID(),
		StartedAt: started,
		Counts:    make(map[string]int),
		Unbilled:  decimal.Zero,
	}

	rows, err := r.usage.ListUnreported(ctx, today, r.opts.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list unreported usage: %w", err)
	}
	slog.Info("usage report started", "run_id", report.RunID, "rows", len(rows))

	owners := make(map[string]*models.User)
	for i := range rows {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		entry := r.reportRow(ctx, &rows[i], owners)
		report.Counts[entry.Outcome]++
		if entry.Outcome == UsageOrphaned {
			report.Unbilled = report.Unbilled.Add(entry.Cost)
		}
		report.Entries = append(report.Entries, entry)
		telemetry.UsageReportsTotal.WithLabelValues(entry.Outcome).Inc()
	}
	report.FinishedAt = r.now().UTC()

	if report.Counts[UsageOrphaned] > 0 {
		r.handleOrphans(ctx, report)
	}
	if len(report.Entries) > 0 {
		r.archiveLedger(ctx, report)
	}

	slog.Info("usage report finished", "run_id", report.RunID,
		"reported", report.Counts[UsageReported],
		"prepaid_skipped", report.Counts[UsagePrepaidSkipped],
		"no_customer", report.Counts[UsageNoCustomer],
		"orphaned", report.Counts[UsageOrphaned],
		"failed", report.Counts[UsageFailed])
	return report, nil
}

func (r *UsageReporter) reportRow(ctx context.Context, row *models.UsageDaily, owners map[string]*models.User) LedgerEntry {
	cost := r.opts.Rates.DailyCost(row.Usage())
	entry := LedgerEntry{
		UsageID:        row.ID,
		UserID:         row.UserID,
		AccountOwnerID: row.AccountOwnerID,
		UsageDate:      row.UsageDate.UTC().Format("2006-01-02"),
		Cost:           billing.RoundCents(cost.Total),
	}

	owner, ok := owners[row.AccountOwnerID]
	if !ok {
		var err error
		owner, err = r.users.GetUserByID(ctx, row.AccountOwnerID)
		if err != nil {
			return r.failRow(ctx, row, entry, fmt.Errorf("failed to load owner: %w", err))
		}
		owners[row.AccountOwnerID] = owner
	}

	if owner == nil {
		entry.Outcome = UsageOrphaned
		slog.Error("usage row has no resolvable owner", "usage_id", row.ID, "user_id", row.UserID,
			"account_owner_id", row.AccountOwnerID, "usage_date", entry.UsageDate, "unbilled", entry.Cost)
		if r.opts.OrphanPolicy == config.OrphanPolicySkipMark {
			r.mark(ctx, row)
		}
		return entry
	}

	if owner.BillingMode == models.BillingModePrepaid {
		// Prepaid usage is drawn from the credit balance, not metered.
		entry.Outcome = UsagePrepaidSkipped
		r.mark(ctx, row)
		return entry
	}
	if owner.StripeCustomerID == nil || *owner.StripeCustomerID == "" {
		entry.Outcome = UsageNoCustomer
		r.mark(ctx, row)
		return entry
	}

	events := r.meterEvents(row, *owner.StripeCustomerID, cost)
	entry.Meters = make(map[string]string, len(events))
	for _, ev := range events {
		if err := r.meter.ReportMeterEvent(ctx, ev); err != nil {
			return r.failRow(ctx, row, entry, fmt.Errorf("meter %s: %w", ev.EventName, err))
		}
		entry.Meters[ev.EventName] = ev.Value
	}
	if err := r.usage.MarkReported(ctx, row.ID, r.now().UTC()); err != nil {
		return r.failRow(ctx, row, entry, fmt.Errorf("failed to mark reported: %w", err))
	}
	entry.Outcome = UsageReported
	return entry
}

// meterEvents builds the provider events for one row. Storage values are prorated
// snapshots; zero quantities are not sent.
func (r *UsageReporter) meterEvents(row *models.UsageDaily, customerID string, cost billing.CostBreakdown) []payments.MeterEvent {
	u := row.Usage()
	values := []struct {
		meter string
		value decimal.Decimal
	}{
		{r.opts.Meters.Compute, cost.Credits},
		{r.opts.Meters.OnlineStorage, billing.ProrateStorage(u.OnlineStorageGB)},
		{r.opts.Meters.OfflineStorage, billing.ProrateStorage(u.OfflineStorageGB)},
		{r.opts.Meters.Egress, decimal.NewFromFloat(u.NetworkEgressGB)},
	}

	// Midday keeps the timestamp inside the usage day in every timezone the provider renders.
	ts := time.Date(row.UsageDate.Year(), row.UsageDate.Month(), row.UsageDate.Day(), 12, 0, 0, 0, time.UTC)
	var events []payments.MeterEvent
	for _, v := range values {
		if v.meter == "" || !v.value.IsPositive() {
			continue
		}
		events = append(events, payments.MeterEvent{
			EventName:  v.meter,
			CustomerID: customerID,
			Value:      v.value.StringFixed(6),
			Identifier: row.ID + "-" + v.meter,
			Timestamp:  ts,
		})
	}
	return events
}

func (r *UsageReporter) mark(ctx context.Context, row *models.UsageDaily) {
	if err := r.usage.MarkReported(ctx, row.ID, r.now().UTC()); err != nil {
		slog.Error("failed to mark usage row", "usage_id", row.ID, "error", err)
	}
}

func (r *UsageReporter) failRow(ctx context.Context, row *models.UsageDaily, entry LedgerEntry, err error) LedgerEntry {
	slog.Error("usage row not reported", "usage_id", row.ID, "account_owner_id", row.AccountOwnerID, "error", err)
	record(ctx, r.failures, &models.HealthCheckFailure{
		UserID:       strPtr(row.AccountOwnerID),
		CheckType:    models.CheckUsageReport,
		ErrorMessage: err.Error(),
		Severity:     models.SeverityMedium,
		Details:      map[string]interface{}{"usage_id": row.ID, "usage_date": entry.UsageDate},
	})
	entry.Outcome = UsageFailed
	entry.Error = err.Error()
	return entry
}

func (r *UsageReporter) handleOrphans(ctx context.Context, report *UsageReport) {
	if r.opts.OrphanPolicy != config.OrphanPolicyAlert {
		return
	}
	ship(ctx, r.alerter, &alerts.Alert{
		Severity: alerts.SeverityHigh,
		Source:   JobUsageReport,
		Text:     fmt.Sprintf("%d usage rows could not be attributed to a billing owner", report.Counts[UsageOrphaned]),
		Fields: map[string]interface{}{
			"run_id":   report.RunID,
			"unbilled": "$" + report.Unbilled.StringFixed(2),
		},
	})
}

func (r *UsageReporter) archiveLedger(ctx context.Context, report *UsageReport) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		slog.Error("failed to encode usage ledger", "run_id", report.RunID, "error", err)
		return
	}
	if r.archive == nil {
		slog.Info("usage ledger not archived, no storage backend", "run_id", report.RunID, "bytes", len(data))
		return
	}

	path := storage.UsageReportPath(report.StartedAt, report.RunID)
	result, err := r.archive.Upload(ctx, path, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		slog.Error("failed to archive usage ledger", "run_id", report.RunID, "path", path, "error", err)
		record(ctx, r.failures, &models.HealthCheckFailure{
			CheckType:    models.CheckUsageReport,
			ErrorMessage: fmt.Sprintf("ledger archive failed: %v", err),
			Severity:     models.SeverityMedium,
			Details:      map[string]interface{}{"run_id": report.RunID, "path": path},
		})
		return
	}
	report.ArchivePath = result.Path
	slog.Info("usage ledger archived", "run_id", report.RunID, "path", result.Path, "checksum", result.Checksum)
}
