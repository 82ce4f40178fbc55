package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type rpcMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

type settlementMetrics struct {
	transfers *prometheus.CounterVec
	disputes  *prometheus.CounterVec
}

var (
	rpcMetricsOnce sync.Once
	rpcRegistry    *rpcMetrics

	settlementOnce     sync.Once
	settlementRegistry *settlementMetrics
)

// RPCMetrics returns the lazily-initialised registry recording JSON-RPC
// handler activity.
func RPCMetrics() *rpcMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &rpcMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by method and code.",
			}, []string{"method", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrowd",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
		}
		prometheus.MustRegister(rpcRegistry.requests, rpcRegistry.errors, rpcRegistry.latency)
	})
	return rpcRegistry
}

// Observe records one handled request.
func (m *rpcMetrics) Observe(method, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordError counts a failed request by JSON-RPC error code.
func (m *rpcMetrics) RecordError(method, code string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(method, code).Inc()
}

// Settlement returns the registry tracking fund movements and disputes.
func Settlement() *settlementMetrics {
	settlementOnce.Do(func() {
		settlementRegistry = &settlementMetrics{
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "settlement",
				Name:      "transfers_total",
				Help:      "Count of custody transfers segmented by settlement unit and kind.",
			}, []string{"unit", "kind"}),
			disputes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "settlement",
				Name:      "disputes_total",
				Help:      "Count of milestone disputes segmented by settlement unit.",
			}, []string{"unit"}),
		}
		prometheus.MustRegister(settlementRegistry.transfers, settlementRegistry.disputes)
	})
	return settlementRegistry
}

// RecordTransfer increments the transfer counter for a settlement unit.
// Kind is one of deposit, payout, refund, fee.
func (m *settlementMetrics) RecordTransfer(unit, kind string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToUpper(unit))
	if normalized == "" {
		normalized = "UNKNOWN"
	}
	m.transfers.WithLabelValues(normalized, kind).Inc()
}

// RecordDispute increments the dispute counter for a settlement unit.
func (m *settlementMetrics) RecordDispute(unit string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToUpper(unit))
	if normalized == "" {
		normalized = "UNKNOWN"
	}
	m.disputes.WithLabelValues(normalized).Inc()
}
