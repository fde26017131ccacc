// Package metrics exposes Prometheus collectors for the ledger and the
// HTTP layer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/points"
)

const namespace = "points"

// Metrics implements points.Metrics. Collectors are registered on the
// registerer passed to New, so tests can use a private registry.
type Metrics struct {
	Operations          *prometheus.CounterVec
	OperationDuration   *prometheus.HistogramVec
	PointsTotal         *prometheus.CounterVec
	LockTimeouts        *prometheus.CounterVec
	InvariantViolations *prometheus.CounterVec
	SweepDuration       prometheus.Gauge
	SweepBatchesExpired prometheus.Counter
	SweepWalletsFailed  prometheus.Counter
	LastSweep           prometheus.Gauge

	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
}

var _ points.Metrics = (*Metrics)(nil)

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Ledger operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Ledger operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		PointsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "moved_total",
			Help:      "Points earned, burned and expired.",
		}, []string{"type"}),
		LockTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_timeouts_total",
			Help:      "Wallet lock waits that hit the timeout.",
		}, []string{"operation"}),
		InvariantViolations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Ledger invariant violations detected.",
		}, []string{"operation"}),
		SweepDuration: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sweep_last_duration_seconds",
			Help:      "Duration of the last expiry sweep.",
		}),
		SweepBatchesExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_batches_expired_total",
			Help:      "Batches expired by the sweep.",
		}),
		SweepWalletsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_wallets_failed_total",
			Help:      "Wallets the sweep could not finish.",
		}),
		LastSweep: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sweep_last_finished_timestamp_seconds",
			Help:      "Unix time the last sweep finished.",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_cache_hits_total",
			Help:      "Balance reads served from cache.",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_cache_misses_total",
			Help:      "Balance reads that missed the cache.",
		}),
	}
}

func (m *Metrics) OperationCompleted(op, outcome string, elapsed time.Duration) {
	m.Operations.WithLabelValues(op, outcome).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// PointsMoved adds the absolute value; burn and expiry points are negative
// on the transaction.
func (m *Metrics) PointsMoved(kind points.TransactionType, pts decimal.Decimal) {
	m.PointsTotal.WithLabelValues(string(kind)).Add(pts.Abs().InexactFloat64())
}

func (m *Metrics) LockTimeout(op string) {
	m.LockTimeouts.WithLabelValues(op).Inc()
}

func (m *Metrics) InvariantViolation(op string) {
	m.InvariantViolations.WithLabelValues(op).Inc()
}

func (m *Metrics) SweepCompleted(res points.SweepResult, elapsed time.Duration) {
	m.SweepDuration.Set(elapsed.Seconds())
	m.SweepBatchesExpired.Add(float64(res.BatchesExpired))
	m.SweepWalletsFailed.Add(float64(res.WalletsFailed))
	m.LastSweep.Set(float64(res.FinishedAt.Unix()))
}

func (m *Metrics) RecordHTTPRequest(method, route, status string, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordCacheHit()  { m.CacheHits.Inc() }
func (m *Metrics) RecordCacheMiss() { m.CacheMisses.Inc() }
