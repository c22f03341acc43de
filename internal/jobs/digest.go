// digest.go implements the DailyDigest job, a plain-text operational summary posted
// to the alert channel once a day.
package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mlplatform/console-backend/internal/alerts"
	"github.com/mlplatform/console-backend/internal/db/models"
)

// DigestUsers counts users for the digest.
type DigestUsers interface {
	CountCreatedSince(ctx context.Context, since time.Time) (int, error)
	CountActiveSubscriptions(ctx context.Context) (int, error)
}

// DigestFailures counts open failures.
type DigestFailures interface {
	CountUnresolvedBySeverity(ctx context.Context) (map[string]int, error)
}

// DigestClusters lists every cluster.
type DigestClusters interface {
	List(ctx context.Context) ([]models.Cluster, error)
}

// DigestUsage sums billed usage for a day.
type DigestUsage interface {
	BilledOn(ctx context.Context, day time.Time) (float64, error)
}

// Digest is the content of one summary.
type Digest struct {
	Date                string           `json:"date"`
	NewUsers            int              `json:"new_users"`
	ActiveSubscriptions int              `json:"active_subscriptions"`
	OpenFailures        map[string]int   `json:"open_failures"`
	Clusters            []models.Cluster `json:"clusters"`
	BilledYesterday     decimal.Decimal  `json:"billed_yesterday"`
}

// Text renders the digest for chat.
func (d *Digest) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Daily digest for %s\n", d.Date)
	fmt.Fprintf(&b, "New users (24h): %d\n", d.NewUsers)
	fmt.Fprintf(&b, "Active subscriptions: %d\n", d.ActiveSubscriptions)
	fmt.Fprintf(&b, "Billed yesterday: $%s\n", d.BilledYesterday.StringFixed(2))

	b.WriteString("Open failures:")
	listed := false
	for _, sev := range []string{models.SeverityCritical, models.SeverityHigh, models.SeverityMedium, models.SeverityInfo} {
		if n := d.OpenFailures[sev]; n > 0 {
			fmt.Fprintf(&b, " %s=%d", sev, n)
			listed = true
		}
	}
	if !listed {
		b.WriteString(" none")
	}
	b.WriteString("\n")

	b.WriteString("Clusters:")
	if len(d.Clusters) == 0 {
		b.WriteString(" none\n")
	}
	for _, c := range d.Clusters {
		pct := 0
		if c.MaxUsers > 0 {
			pct = c.CurrentUsers * 100 / c.MaxUsers
		}
		fmt.Fprintf(&b, "\n  %s (%s): %d/%d users, %d%%", c.Name, c.Status, c.CurrentUsers, c.MaxUsers, pct)
	}
	return strings.TrimRight(b.String(), "\n")
}

// DailyDigest gathers and posts the digest.
type DailyDigest struct {
	users    DigestUsers
	failures DigestFailures
	clusters DigestClusters
	usage    DigestUsage
	alerter  Alerter
	now      func() time.Time
}

// NewDailyDigest creates the digest job.
func NewDailyDigest(users DigestUsers, failures DigestFailures, clusters DigestClusters, usage DigestUsage, alerter Alerter) *DailyDigest {
	return &DailyDigest{
		users:    users,
		failures: failures,
		clusters: clusters,
		usage:    usage,
		alerter:  alerter,
		now:      time.Now,
	}
}

// Run builds the digest and ships it. Any query error aborts the run without posting.
func (j *DailyDigest) Run(ctx context.Context) (digest *Digest, err error) {
	defer func() { finish(JobDailyDigest, err) }()

	now := j.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	digest = &Digest{Date: today.Format("2006-01-02")}

	if digest.NewUsers, err = j.users.CountCreatedSince(ctx, now.Add(-24*time.Hour)); err != nil {
		return nil, fmt.Errorf("failed to count new users: %w", err)
	}
	if digest.ActiveSubscriptions, err = j.users.CountActiveSubscriptions(ctx); err != nil {
		return nil, fmt.Errorf("failed to count subscriptions: %w", err)
	}
	if digest.OpenFailures, err = j.failures.CountUnresolvedBySeverity(ctx); err != nil {
		return nil, fmt.Errorf("failed to count failures: %w", err)
	}
	if digest.Clusters, err = j.clusters.List(ctx); err != nil {
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}
	billed, err := j.usage.BilledOn(ctx, today.AddDate(0, 0, -1))
	if err != nil {
		return nil, fmt.Errorf("failed to sum billed usage: %w", err)
	}
	digest.BilledYesterday = decimal.NewFromFloat(billed)

	ship(ctx, j.alerter, &alerts.Alert{
		Timestamp: now,
		Severity:  alerts.SeverityInfo,
		Source:    JobDailyDigest,
		Text:      digest.Text(),
	})
	return digest, nil
}
