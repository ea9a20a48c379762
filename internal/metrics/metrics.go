// Package metrics provides Prometheus instrumentation for the trading engine.
package metrics

import (
	"bufio"
	"errors"
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
	// TradesTotal counts trade attempts, partitioned by side and outcome.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trading_trades_total",
		Help: "Total number of trade requests by outcome",
	}, []string{"side", "result"})

	// TradeLatency tracks trade execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trading_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TradeConflicts counts optimistic version conflicts (each retry counts).
	TradeConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trading_trade_conflicts_total",
		Help: "Portfolio version conflicts encountered during trade commit",
	})

	// PriceCacheRequests counts price lookups by result: hit, miss, stale, error.
	PriceCacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trading_price_cache_requests_total",
		Help: "Price cache lookups by result",
	}, []string{"result"})

	// QuoteFetches counts upstream quote fetches by result.
	QuoteFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trading_quote_fetches_total",
		Help: "Upstream quote fetches by result",
	}, []string{"result"})

	// SnapshotsTotal counts per-portfolio snapshot outcomes.
	SnapshotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trading_snapshots_total",
		Help: "Portfolio snapshots by result",
	}, []string{"result"})

	// SnapshotCycleDuration tracks the duration of a full snapshot cycle.
	SnapshotCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trading_snapshot_cycle_seconds",
		Help:    "Snapshot cycle duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
	})

	// ActiveCompetitions tracks competitions that have not ended.
	ActiveCompetitions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trading_active_competitions",
		Help: "Number of competitions that have not ended",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trading_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trading_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trading_http_request_duration_seconds",
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

		// Route pattern keeps label cardinality bounded.
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
