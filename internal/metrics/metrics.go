// Package metrics provides Prometheus instrumentation for the kernel.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kernel",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kernel",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// QuotesIssuedTotal counts can_do outcomes by whether the quote was allowed.
	QuotesIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kernel",
			Name:      "quotes_issued_total",
			Help:      "Total quotes issued by allowed/denied outcome.",
		},
		[]string{"allowed", "reason"},
	)

	// ExecutionsTotal counts execute outcomes by terminal status.
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kernel",
			Name:      "executions_total",
			Help:      "Total executions by terminal status (applied, failed, idempotent).",
		},
		[]string{"status", "intent_type"},
	)

	// StepUpOutcomesTotal counts step-up confirm attempts by result.
	StepUpOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kernel",
			Name:      "step_up_outcomes_total",
			Help:      "Total step-up confirmations by result (confirmed, invalid_code, expired).",
		},
		[]string{"result"},
	)

	// FreshnessOverridesTotal counts executes that bypassed a stale/unknown
	// environment reading.
	FreshnessOverridesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kernel",
		Name:      "freshness_overrides_total",
		Help:      "Total executions that overrode a non-fresh environment reading.",
	})

	// AgentsDeadTotal counts agents transitioned to the dead state by cause.
	AgentsDeadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kernel",
			Name:      "agents_dead_total",
			Help:      "Total agents transitioned to dead, by cause.",
		},
		[]string{"reason"},
	)

	// ReplayVerificationsTotal counts replay verifier runs by outcome.
	ReplayVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kernel",
			Name:      "replay_verifications_total",
			Help:      "Total replay verifier runs by outcome (ok, hash_mismatch, budget_mismatch).",
		},
		[]string{"outcome"},
	)

	// ReplayVerificationDuration observes how long a full-log replay takes.
	ReplayVerificationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kernel",
		Name:      "replay_verification_duration_seconds",
		Help:      "Time to replay and verify one agent's full event log.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kernel", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kernel", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kernel", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kernel", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kernel", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kernel", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		QuotesIssuedTotal,
		ExecutionsTotal,
		StepUpOutcomesTotal,
		FreshnessOverridesTotal,
		AgentsDeadTotal,
		ReplayVerificationsTotal,
		ReplayVerificationDuration,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
