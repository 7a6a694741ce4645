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
	// TradesTotal counts executed ledger trades, partitioned by direction.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optarena_trades_total",
		Help: "Total number of trades executed",
	}, []string{"direction"})

	// TradeLatency tracks end-to-end execution latency per operation.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "optarena_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// TradeRejections counts refused trades by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optarena_trade_rejections_total",
		Help: "Trades rejected before mutation, by reason",
	}, []string{"reason"})

	// SpreadsTotal counts spread opens and closes.
	SpreadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optarena_spreads_total",
		Help: "Debit spreads opened and closed",
	}, []string{"action"})

	// QuoteRequests counts calls to the quote oracle by outcome.
	QuoteRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optarena_quote_requests_total",
		Help: "Quote oracle calls",
	}, []string{"result"})

	// QuoteMisses counts requested symbols the oracle could not price.
	QuoteMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optarena_quote_misses_total",
		Help: "Requested symbols returned without a price",
	})

	// QuoteCacheHits counts symbols served from the quote cache.
	QuoteCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optarena_quote_cache_hits_total",
		Help: "Symbols served from the quote cache",
	})

	// QuoteLatency tracks oracle call duration.
	QuoteLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "optarena_quote_latency_seconds",
		Help:    "Quote oracle call latency in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	// MarkToMarketTotal counts portfolio valuations by outcome.
	MarkToMarketTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optarena_mark_to_market_total",
		Help: "Portfolio mark-to-market runs",
	}, []string{"result"})

	// MissingValuations counts holdings valued at zero for lack of a quote.
	MissingValuations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optarena_missing_valuations_total",
		Help: "Holdings valued at zero because no quote was available",
	})

	// SnapshotRows counts portfolio history rows written.
	SnapshotRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optarena_snapshot_rows_total",
		Help: "Portfolio history rows appended",
	})

	// ExpiryPositions counts positions handled by the expiry sweep.
	ExpiryPositions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optarena_expiry_positions_total",
		Help: "Expiring positions processed by the sweep",
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "optarena_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optarena_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "optarena_http_request_duration_seconds",
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

		// Label by route pattern, not raw path, to bound cardinality.
		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
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

// Hijack is required for the WebSocket upgrade to pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
