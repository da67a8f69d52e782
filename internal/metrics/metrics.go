// Package metrics provides Prometheus instrumentation for the hedge engine.
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
	// --- Coordinator ---

	// LegsRegistered counts leg registrations by venue and resulting status.
	LegsRegistered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_legs_registered_total",
		Help: "Hedge leg registrations accepted",
	}, []string{"venue", "status"})

	// LiquidationsReported counts accepted liquidation reports per venue.
	LiquidationsReported = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_liquidations_reported_total",
		Help: "Liquidation reports accepted",
	}, []string{"venue"})

	// OptimisticLiquidations counts proceeds reported before the venue
	// actually paid out; each one needs out-of-band reconciliation.
	OptimisticLiquidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_optimistic_liquidations_total",
		Help: "Liquidations reported with estimated proceeds pending real payout",
	}, []string{"venue"})

	// CoordinatorRejections counts rejected ledger operations.
	CoordinatorRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_coordinator_rejections_total",
		Help: "Ledger operations rejected by the coordinator",
	}, []string{"operation", "reason"})

	ReserveTransfers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hedge_reserve_transfers_total",
		Help: "Reserve refill transfers published",
	})

	// ReserveTransferAmount observes refill sizes; a net loss is negative.
	ReserveTransferAmount = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hedge_reserve_transfer_amount",
		Help:    "Reserve refill transfer amounts",
		Buckets: []float64{-10000, -1000, 0, 1000, 10000, 100000, 1000000},
	})

	ReserveTransferFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hedge_reserve_transfer_failures_total",
		Help: "Reserve refill transfers that failed to publish",
	})

	// --- Keepers ---

	// KeeperRequests counts processed keeper requests by outcome.
	KeeperRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_keeper_requests_total",
		Help: "Keeper requests processed",
	}, []string{"venue", "kind", "outcome"})

	// KeeperDuplicates counts requests dropped because the policy was in flight.
	KeeperDuplicates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_keeper_duplicates_total",
		Help: "Keeper requests dropped as duplicates of an in-flight policy",
	}, []string{"venue"})

	KeeperLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hedge_keeper_latency_seconds",
		Help:    "Keeper request processing latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"venue", "kind"})

	KeeperInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hedge_keeper_in_flight",
		Help: "Policies currently in flight per keeper",
	}, []string{"venue"})

	// UnrecordedOrders counts fills the ledger refused because the leg was
	// closed while the order was in flight, by whether the keeper closed
	// them again ("unwound") or left them open ("stranded").
	UnrecordedOrders = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_keeper_unrecorded_orders_total",
		Help: "Venue fills with no ledger leg behind them",
	}, []string{"venue", "outcome"})

	LiquidationRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_keeper_liquidation_retries_total",
		Help: "Liquidations resubmitted after a venue failure, and retry budgets exhausted",
	}, []string{"venue", "outcome"})

	// --- Venue connectors ---

	VenueRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_venue_requests_total",
		Help: "Venue API requests by endpoint and outcome",
	}, []string{"venue", "endpoint", "outcome"})

	VenueRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_venue_retries_total",
		Help: "Venue API retries after retryable failures",
	}, []string{"venue"})

	// VenueBreakerState is 0 closed, 1 half-open, 2 open.
	VenueBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hedge_venue_breaker_state",
		Help: "Venue circuit breaker state",
	}, []string{"venue"})

	// --- Pricing ---

	OracleUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_oracle_updates_total",
		Help: "Oracle refreshes by coverage type and outcome",
	}, []string{"coverage_type", "outcome"})

	OracleStaleRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_oracle_stale_rejections_total",
		Help: "Hedge cost requests rejected on stale oracle data",
	}, []string{"coverage_type"})

	QuoteRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_quote_rejections_total",
		Help: "Policy creations rejected at quote validation",
	}, []string{"reason"})

	PoliciesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_policies_issued_total",
		Help: "Policies issued",
	}, []string{"coverage_type"})

	// --- Risk ---

	HedgeDeficit = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hedge_deficit",
		Help: "Required minus current hedge notional per coverage type",
	}, []string{"coverage_type"})

	AllocationShortfall = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_allocation_shortfall_total",
		Help: "Notional the optimizer could not place for lack of venue capacity",
	}, []string{"coverage_type"})

	PortfolioVaR = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hedge_portfolio_var",
		Help: "Latest simulated portfolio loss figures",
	}, []string{"measure"})

	SimulationPaths = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hedge_simulation_paths",
		Help: "Paths used by the latest adaptive VaR run",
	})

	// --- Transport ---

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hedge_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hedge_http_request_duration_seconds",
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

		// Route patterns keep policy ids out of the label set.
		path := r.URL.Path
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
