// Package metrics provides Prometheus instrumentation for escrowd.
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
			Namespace: "escrowd",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrowd",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// --- Escrow lifecycle ---

	EscrowsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "escrows_created_total",
		Help:      "Total escrows created.",
	})

	// EscrowTransitionsTotal counts state machine transitions by target state.
	EscrowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "escrow_transitions_total",
			Help:      "Total escrow state transitions by target state.",
		},
		[]string{"to"},
	)

	// EscrowsResolvedTotal counts escrows reaching a terminal state by outcome.
	EscrowsResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "escrows_resolved_total",
			Help:      "Total escrows resolved by terminal outcome.",
		},
		[]string{"outcome"},
	)

	EscrowsExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "escrows_expired_total",
		Help:      "Total escrows expired by the timeout monitor.",
	})

	ExpiryWarningsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "expiry_warnings_total",
		Help:      "Total expiry warnings emitted.",
	})

	DisputesOpenedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "disputes_opened_total",
		Help:      "Total disputes opened.",
	})

	// --- Multisig handshake ---

	// HandshakeRoundsTotal counts handshake submissions by step.
	HandshakeRoundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "handshake_rounds_total",
			Help:      "Total multisig handshake submissions by step.",
		},
		[]string{"step"},
	)

	AddressMismatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "address_mismatches_total",
		Help:      "Total multisig address convergence failures.",
	})

	HandshakesStalledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "handshakes_stalled_total",
		Help:      "Total multisig handshakes flagged as stalled.",
	})

	// --- Challenges ---

	ChallengesIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "challenges_issued_total",
		Help:      "Total possession challenges issued.",
	})

	// ChallengeVerificationsTotal counts verification attempts by result.
	ChallengeVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "challenge_verifications_total",
			Help:      "Total challenge verification attempts by result.",
		},
		[]string{"result"},
	)

	// --- Air-gapped disputes ---

	DisputeEnvelopesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Name:      "dispute_envelopes_total",
		Help:      "Total dispute envelopes exported.",
	})

	// DecisionsImportedTotal counts arbiter decision imports by result.
	DecisionsImportedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "decisions_imported_total",
			Help:      "Total arbiter decision imports by result.",
		},
		[]string{"result"},
	)

	// --- Wallet RPC ---

	// WalletProbesTotal counts wallet endpoint liveness probes by result.
	WalletProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "wallet_probes_total",
			Help:      "Total wallet RPC liveness probes by result.",
		},
		[]string{"result"},
	)

	// --- Infrastructure ---

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "escrowd",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowsCreatedTotal,
		EscrowTransitionsTotal,
		EscrowsResolvedTotal,
		EscrowsExpiredTotal,
		ExpiryWarningsTotal,
		DisputesOpenedTotal,
		HandshakeRoundsTotal,
		AddressMismatchesTotal,
		HandshakesStalledTotal,
		ChallengesIssuedTotal,
		ChallengeVerificationsTotal,
		DisputeEnvelopesTotal,
		DecisionsImportedTotal,
		WalletProbesTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
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
