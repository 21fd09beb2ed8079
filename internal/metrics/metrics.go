// Package metrics provides Prometheus instrumentation for the ledger engine.
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
	// FillsTotal counts fills applied to ledgers, partitioned by side and
	// position effect.
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lotbook_fills_total",
		Help: "Total number of fills applied",
	}, []string{"side", "effect"})

	// RecoveriesTotal counts ledger reconstructions by outcome source.
	RecoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lotbook_recoveries_total",
		Help: "Total number of ledger reconstructions",
	}, []string{"source"}) // "checkpoint" or "replay"

	// RecoveredLots observes how many today-holding lots each replay
	// reconstructs.
	RecoveredLots = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lotbook_recovered_lots",
		Help:    "Today-holding lots reconstructed per recovery",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
	})

	// CheckpointSavesTotal counts checkpoint writes.
	CheckpointSavesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lotbook_checkpoint_saves_total",
		Help: "Total checkpoint saves",
	})

	// ActivePositions tracks the number of live ledgers.
	ActivePositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lotbook_active_positions",
		Help: "Number of live position ledgers",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lotbook_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lotbook_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lotbook_http_request_duration_seconds",
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

		// Use the raw path for the label to avoid pulling in the router.
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
