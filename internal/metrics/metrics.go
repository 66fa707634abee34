// Package metrics provides Prometheus instrumentation for the trade engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesOpened counts trades that reached the opened state, by product.
	TradesOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syntrade_trades_opened_total",
		Help: "Total number of trades opened",
	}, []string{"product"})

	// TradesRejected counts rejected open requests by reason.
	TradesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syntrade_trades_rejected_total",
		Help: "Total number of trade requests rejected",
	}, []string{"reason"})

	// OpenLatency tracks OpenTrade latency, including the entry price fetch.
	OpenLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "syntrade_open_latency_seconds",
		Help:    "Trade open latency in seconds",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	// Settlements counts settlement attempts by outcome
	// (settled, duplicate, failed).
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syntrade_settlements_total",
		Help: "Settlement attempts by outcome",
	}, []string{"outcome"})

	// SettlementLag is the delay between a trade's due time and its settlement.
	SettlementLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "syntrade_settlement_lag_seconds",
		Help:    "Seconds between due time and settlement",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 300},
	})

	// PendingSettlements tracks armed settlement timers.
	PendingSettlements = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "syntrade_pending_settlements",
		Help: "Number of settlements waiting to fire",
	})

	// PriceFetchAttempts counts price feed queries; PriceFetchFailures counts
	// fetches that exhausted every attempt.
	PriceFetchAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syntrade_price_fetch_attempts_total",
		Help: "Price feed query attempts",
	})
	PriceFetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syntrade_price_fetch_failures_total",
		Help: "Price fetches that exhausted their retries",
	})

	// WalletMutations counts applied ledger entries by kind.
	WalletMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syntrade_wallet_mutations_total",
		Help: "Applied wallet ledger entries by kind",
	}, []string{"kind"})

	// CompensationFailures counts refunds that could not be applied.
	CompensationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syntrade_compensation_failures_total",
		Help: "Compensating credits that failed after retries",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "syntrade_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// ArchivedTrades counts trades written to statement exports.
	ArchivedTrades = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syntrade_archived_trades_total",
		Help: "Settled trades exported to object storage",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syntrade_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "syntrade_http_request_duration_seconds",
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
		// chi's wrapper keeps http.Hijacker so WebSocket upgrades still work.
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		duration := time.Since(start).Seconds()

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		// Label by route pattern to keep trade keys and account IDs out of
		// the label set.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}
