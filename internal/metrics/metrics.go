// Package metrics provides Prometheus instrumentation for the trade engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesCreated counts trades opened against listings.
	TradesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "p2p_trades_created_total",
		Help: "Total number of trades created",
	})

	// TradeTransitions counts state machine transitions by target state.
	TradeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "p2p_trade_transitions_total",
		Help: "Total trade state transitions",
	}, []string{"to"})

	// CapacityRejections counts reservations refused for insufficient capacity.
	CapacityRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "p2p_capacity_rejections_total",
		Help: "Reservations rejected for insufficient listing capacity",
	})

	// RiskBlocks counts actions vetoed by the risk gate, by triggered rule.
	RiskBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "p2p_risk_blocks_total",
		Help: "Actions blocked by the risk gate",
	}, []string{"rule"})

	// CustodyRetries counts retried custody transfer attempts.
	CustodyRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "p2p_custody_retries_total",
		Help: "Custody transfer attempts retried after failure",
	})

	// AutoReleases counts scheduler-driven releases.
	AutoReleases = promauto.NewCounter(prometheus.CounterOpts{
		Name: "p2p_auto_releases_total",
		Help: "Trades auto-released by the scheduler",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "p2p_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "p2p_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "p2p_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; route patterns keep cardinality low.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
