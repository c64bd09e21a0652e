package inventory

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the ledger
// 台帳のPrometheusメトリクス
type Metrics struct {
	Operations            *prometheus.CounterVec
	Duration              *prometheus.HistogramVec
	UnitsMoved            *prometheus.CounterVec
	DeadStockUnits        prometheus.Counter
	ContentionRetries     *prometheus.CounterVec
	ConsistencyViolations *prometheus.CounterVec
	AuditFailures         prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg (nil skips registration)
// メトリクスを作成し、reg に登録する
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by operation and result.",
		}, []string{"operation", "result"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ledger",
			Name:      "operation_duration_seconds",
			Help:      "Ledger operation latency including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		UnitsMoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "units_total",
			Help:      "Units received, moved and discarded.",
		}, []string{"operation"}),
		DeadStockUnits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "dead_stock_units_total",
			Help:      "Units written off as dead stock.",
		}),
		ContentionRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "contention_retries_total",
			Help:      "Transactions retried after lock contention.",
		}, []string{"operation"}),
		ConsistencyViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "consistency_violations_total",
			Help:      "Aggregate/batch-sum mismatches and lot price conflicts detected.",
		}, []string{"operation"}),
		AuditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "audit_failures_total",
			Help:      "Audit records that could not be delivered.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Operations,
			m.Duration,
			m.UnitsMoved,
			m.DeadStockUnits,
			m.ContentionRetries,
			m.ConsistencyViolations,
			m.AuditFailures,
		)
	}
	return m
}

// observe records one finished operation
func (m *Metrics) observe(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(operation, resultLabel(err)).Inc()
	m.Duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) units(operation string, quantity int64) {
	if m == nil {
		return
	}
	m.UnitsMoved.WithLabelValues(operation).Add(float64(quantity))
	if operation == "discard" {
		m.DeadStockUnits.Add(float64(quantity))
	}
}

func (m *Metrics) retry(operation string) {
	if m == nil {
		return
	}
	m.ContentionRetries.WithLabelValues(operation).Inc()
}

func (m *Metrics) consistency(operation string) {
	if m == nil {
		return
	}
	m.ConsistencyViolations.WithLabelValues(operation).Inc()
}

func (m *Metrics) auditFailure() {
	if m == nil {
		return
	}
	m.AuditFailures.Inc()
}

// resultLabel maps an error to a low-cardinality label
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient"
	case errors.Is(err, ErrContention):
		return "contention"
	case errors.Is(err, ErrConsistencyViolation):
		return "inconsistent"
	default:
		return "error"
	}
}
