// Package metrics provides Prometheus instrumentation for the perp engine.
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
	// SettlementsTotal counts settlement attempts, partitioned by outcome.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_settlements_total",
		Help: "Total number of settlement attempts",
	}, []string{"outcome"}) // committed, replayed, rejected, failed

	// SettlementLatency tracks Settle latency, including the commit.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_settlement_latency_seconds",
		Help:    "Settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	// SpreadCharged tracks cumulative spread charged per market and payer.
	SpreadCharged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_spread_charged_total",
		Help: "Cumulative spread charged, in quote units",
	}, []string{"market_id", "side"}) // maker, long, short

	// ActiveMarkets tracks the number of open markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_active_markets",
		Help: "Number of currently open markets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// LimitRejections counts settlements rejected by the position limiter.
	LimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_limit_rejections_total",
		Help: "Settlements rejected by the position limiter",
	}, []string{"limit"}) // maker, efficiency, correlated

	// CommitRetries counts store commits retried after a transient error.
	CommitRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_commit_retries_total",
		Help: "Settlement commits retried after a transient store error",
	})

	// RateLimited counts requests rejected by the write throttle.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perp_rate_limited_total",
		Help: "Requests rejected by the write rate limiter",
	})
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

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern returns the matched chi route, e.g. /api/v1/markets/{marketID},
// so market IDs do not become label values.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
