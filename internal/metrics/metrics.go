// Package metrics provides Prometheus instrumentation for the escrow engine.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesCreated counts trades that locked escrow.
	TradesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_trades_created_total",
		Help: "Total number of trades created",
	})

	// Transitions counts state machine operations by name and outcome.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_transitions_total",
		Help: "Trade state transitions attempted, by operation and outcome",
	}, []string{"operation", "outcome"})

	// TransitionLatency tracks the time spent in one operation, retries included.
	TransitionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "escrow_transition_latency_seconds",
		Help:    "Trade operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// SettledAmount accumulates money moved at settlement, per recipient.
	SettledAmount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_settled_amount_total",
		Help: "Cumulative settled money by recipient (seller, buyer, platform)",
	}, []string{"recipient"})

	// TxRetries counts transactions re-run after lock contention.
	TxRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_tx_retries_total",
		Help: "Transactions retried after lock contention",
	}, []string{"operation"})

	// SweepRuns counts sweeper passes.
	SweepRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_sweep_runs_total",
		Help: "Number of expiry sweeps executed",
	})

	// SweepExpired counts trades and listings the sweeper moved to a terminal state.
	SweepExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_sweep_expired_total",
		Help: "Items expired by the sweeper",
	}, []string{"kind"})

	// SweepErrors counts per-item sweep failures.
	SweepErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_sweep_errors_total",
		Help: "Per-item errors during expiry sweeps",
	})

	// NotificationsDropped counts notifications discarded because a buffer was full.
	NotificationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_notifications_dropped_total",
		Help: "Notifications dropped, by sink",
	}, []string{"sink"})

	// NotificationErrors counts failed deliveries, by sink.
	NotificationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_notification_errors_total",
		Help: "Notification delivery failures, by sink",
	}, []string{"sink"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "escrow_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "escrow_http_request_duration_seconds",
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

		// Label by route pattern so trade IDs don't explode cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
