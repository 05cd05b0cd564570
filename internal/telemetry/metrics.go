// Package telemetry provides application-level observability for the travel API.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and served by the
// side-channel HTTP server started in cmd/server:
//
//	GET http://<host>:<LAASY_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - API key authentication outcomes and key lifecycle events
//   - Pre-auth throttle rejections
//   - Usage ledger retention (pruned and archived rows)
//   - Quota warning emails
//   - Background goroutine panics
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api-keys/:id) rather than the
// raw request URL so key ids and query strings never become label values.
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Error rate (%):       sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency by route: histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
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

// Authentication outcome labels for APIKeyAuthTotal
const (
	AuthOutcomeOK              = "ok"
	AuthOutcomeUnauthenticated = "unauthenticated"
	AuthOutcomeRateLimited     = "rate_limited"
	AuthOutcomeError           = "error"
)

// API key metrics.
//
// APIKeyAuthTotal counts every credential check by outcome. A rising rate_limited share
// usually means a client loops on retries; a rising unauthenticated share without a
// matching throttle_rejections increase suggests a slow credential scan.
//
// Example PromQL queries:
//   - Rejection ratio: sum(rate(apikey_auth_total{outcome!="ok"}[5m])) / sum(rate(apikey_auth_total[5m]))
var (
	APIKeyAuthTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apikey_auth_total",
			Help: "Total number of API key authentication attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	APIKeyLifecycleTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apikey_lifecycle_events_total",
			Help: "Total number of API key lifecycle operations, by action (bootstrap, generate, toggle, delete).",
		},
		[]string{"action"},
	)
)

// ThrottleRejectionsTotal counts requests refused by the per-IP pre-auth throttle,
// labelled by backend ("redis" or "memory") and limiter ("global" or "bootstrap").
var ThrottleRejectionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "throttle_rejections_total",
		Help: "Total number of requests rejected by the pre-auth IP throttle, by backend and limiter.",
	},
	[]string{"backend", "limiter"},
)

// Usage ledger retention metrics, recorded by the retention job.
var (
	LedgerPrunedRowsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usage_ledger_pruned_rows_total",
			Help: "Total number of usage ledger rows deleted by the retention job.",
		},
	)

	LedgerArchivedRowsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usage_ledger_archived_rows_total",
			Help: "Total number of usage ledger rows written to archive storage before deletion.",
		},
	)

	LedgerPruneDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "usage_ledger_prune_duration_seconds",
			Help:    "Duration of a single retention pass over the usage ledger.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// QuotaWarningsSentTotal is incremented once per quota warning email delivered.
var QuotaWarningsSentTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "apikey_quota_warnings_sent_total",
		Help: "Total number of API key quota warning emails successfully sent.",
	},
)

// BackgroundPanicsTotal counts panics recovered in background goroutines, by task name.
var BackgroundPanicsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "background_task_panics_total",
		Help: "Total number of panics recovered in background goroutines, by task.",
	},
	[]string{"task"},
)

// DBOpenConnections tracks open connections in the sql.DB pool. It is sampled every
// 30 seconds by StartDBStatsCollector rather than per request.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector samples pool statistics every 30 seconds until ctx is cancelled
// or the database becomes unreachable.
func StartDBStatsCollector(ctx context.Context, db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.PingContext(ctx); err != nil {
					slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
					return
				}
				DBOpenConnections.Set(float64(db.Stats().OpenConnections))
			}
		}
	}()
}
