// Package telemetry provides application-level observability for the console backend.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<MLP_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Cluster assignment, backend API and billing webhook outcome counters
//   - Usage reporting, health check failure and invite counters
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/v1/team/invites/:id)
// rather than the raw request URL. Domain counters never carry user or cluster ids.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template and status code.
//
// HTTPRequestsTotal is a CounterVec with labels {method, path, status}.
// The path label holds the Gin route template (e.g. /api/v1/team/invites/:id),
// NOT the raw URL, to prevent unbounded cardinality.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - Requests by route:                 sum by (path) (rate(http_requests_total[5m]))
//
// HTTPRequestDuration is a HistogramVec with labels {method, path} and exponential-ish
// buckets from 5 ms to 30 s.  Use histogram_quantile to compute latency percentiles.
//
// Example PromQL queries:
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
//   - Average latency:                   rate(http_request_duration_seconds_sum[5m]) / rate(http_request_duration_seconds_count[5m])
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Reconciliation metrics. Each is incremented by the component that owns the outcome.
//
// ClusterAssignmentsTotal {result}: assigned, already_assigned, no_capacity, error.
//
// Example PromQL queries:
//   - Capacity exhaustion alert:  increase(cluster_assignments_total{result="no_capacity"}[15m]) > 0
//
// HopsworksRequestsTotal {op, outcome}: one increment per HTTP attempt against a cluster,
// so retries are visible as repeated "retryable" outcomes before a final "ok".
//
// StripeWebhookEventsTotal {type, outcome}: processed, duplicate, ignored, failed.
//
// UsageReportsTotal {outcome}: reported, prepaid_skipped, orphaned, failed, per usage row.
//
// HealthCheckFailuresRecordedTotal {check_type}: rows appended to health_check_failures.
//
// InvitesTotal {action}: created, accepted, revoked, rejected.
//
// CronRunsTotal {job, outcome}: one increment per externally triggered batch run.
var (
	ClusterAssignmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cluster_assignments_total",
			Help: "Total number of cluster assignment attempts, by result.",
		},
		[]string{"result"},
	)

	HopsworksRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopsworks_requests_total",
			Help: "Total number of backend admin API requests, by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	StripeWebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stripe_webhook_events_total",
			Help: "Total number of verified billing webhook events, by event type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	UsageReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_reports_total",
			Help: "Total number of daily usage rows handled by the usage reporter, by outcome.",
		},
		[]string{"outcome"},
	)

	HealthCheckFailuresRecordedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "health_check_failures_recorded_total",
			Help: "Total number of health check failures recorded, by check type.",
		},
		[]string{"check_type"},
	)

	InvitesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invites_total",
			Help: "Total number of team invite lifecycle actions, by action.",
		},
		[]string{"action"},
	)

	CronRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cron_runs_total",
			Help: "Total number of batch job runs, by job and outcome.",
		},
		[]string{"job", "outcome"},
	)
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool.  It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request to avoid the overhead of sql.DB.Stats().
//
// Example PromQL queries:
//   - Pool utilisation (%): db_open_connections / <MLP_DATABASE_MAX_CONNECTIONS> * 100
//   - Alert on near-exhaustion: db_open_connections > 20  (for max_connections=25)
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits cleanly when the database becomes unreachable (db.Ping fails),
// which happens automatically when the application shuts down and defers db.Close().
//
// Call this once, immediately after db.Connect() succeeds in main.go:
//
//	telemetry.StartDBStatsCollector(database)
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
