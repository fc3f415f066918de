// Package metrics provides Prometheus instrumentation for the exchange engine.
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
	// TicksTotal counts completed price-formation ticks.
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_price_ticks_total",
		Help: "Total number of committed price-formation ticks",
	})

	// TickFailures counts ticks discarded because the store transaction
	// could not begin or commit.
	TickFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_price_tick_failures_total",
		Help: "Price ticks discarded due to store failure",
	})

	// TicksSkipped counts timer fires skipped because the previous tick
	// was still running.
	TicksSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_price_ticks_skipped_total",
		Help: "Price ticks skipped due to an overlapping tick",
	})

	// TickDuration tracks the wall time of one full repricing transaction.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "exchange_price_tick_duration_seconds",
		Help:    "Duration of one price-formation tick",
		Buckets: prometheus.DefBuckets,
	})

	// VolumeScanDuration tracks the wall time of one pending-volume scan.
	VolumeScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "exchange_volume_scan_duration_seconds",
		Help:    "Duration of one pending-volume order scan",
		Buckets: prometheus.DefBuckets,
	})

	// OrdersPlaced counts orders accepted onto the book, by side.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_orders_placed_total",
		Help: "Total orders placed",
	}, []string{"side"})

	// OrdersCancelled counts successful cancellations.
	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_orders_cancelled_total",
		Help: "Total orders cancelled",
	})

	// OrderLimitRejections counts orders rejected by the exposure limiter.
	OrderLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_order_limit_rejections_total",
		Help: "Orders rejected by the exposure limiter",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_http_request_duration_seconds",
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

		// Use the raw path for the label; route cardinality here is low.
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
