// Package metrics provides Prometheus instrumentation for the bankroll engine.
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

	"github.com/kzyno/bankroll-engine/internal/model"
)

var (
	// OperationsTotal counts committed ledger operations by event kind.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kzyno_operations_total",
		Help: "Total number of committed ledger operations",
	}, []string{"kind"})

	// OperationLatency tracks operation latency, committed or not.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kzyno_operation_latency_seconds",
		Help:    "Ledger operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// SettlementsTotal counts settled wagers by outcome.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kzyno_settlements_total",
		Help: "Settled wagers by outcome",
	}, []string{"outcome"})

	// RejectionsTotal counts operations aborted with a domain error.
	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kzyno_rejections_total",
		Help: "Operations rejected, by operation and reason",
	}, []string{"op", "reason"})

	// WageredTotal accumulates wagered base units.
	WageredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kzyno_wagered_units_total",
		Help: "Cumulative wagered amount in base units",
	})

	// Pool gauges mirror the ledger after every commit.
	TotalShares = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kzyno_pool_total_shares",
		Help: "Outstanding LP shares",
	})
	Bankroll = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kzyno_pool_bankroll_units",
		Help: "Risk capital at the last sync, in base units",
	})
	UserFunds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kzyno_pool_user_funds_units",
		Help: "Custodial player funds, in base units",
	})
	PrincipalDeposits = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kzyno_pool_principal_units",
		Help: "LP principal currently deposited, in base units",
	})
	Vault = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kzyno_vault_units",
		Help: "Vault balance observed at the last commit, in base units",
	})
	ProfitPerShare = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kzyno_pool_profit_per_share",
		Help: "Profit-per-share index as a real number",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kzyno_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kzyno_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kzyno_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveLedger publishes the ledger and vault gauges. Gauges are float64;
// the values are for dashboards, never for accounting.
func ObserveLedger(l *model.PoolLedger, vault uint64) {
	shares, _ := l.TotalShares.Decimal().Float64()
	TotalShares.Set(shares)
	Bankroll.Set(float64(l.LastBankroll))
	UserFunds.Set(float64(l.UserFunds))
	PrincipalDeposits.Set(float64(l.PrincipalDeposits))
	Vault.Set(float64(vault))
	index, _ := l.ProfitPerShare.Decimal().Float64()
	ProfitPerShare.Set(index)
}

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

		// Use the route pattern for path label to avoid high cardinality.
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
