package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "meta_tx_relay"

// relayMetrics lives in its own registry so several services can run in one
// process (tests, multi-relay setups)
type relayMetrics struct {
	registry *prometheus.Registry

	requests          *prometheus.CounterVec
	rejections        *prometheus.CounterVec
	settlements       *prometheus.CounterVec
	admissionDuration prometheus.Histogram
}

func newRelayMetrics(pendingSettlements func() float64) *relayMetrics {
	m := &relayMetrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "relay_requests_total",
			Help:      "Relay requests by admission result.",
		}, []string{"result"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "relay_rejections_total",
			Help:      "Rejected relay requests by the gate that refused them.",
		}, []string{"gate"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "settlements_total",
			Help:      "Observed settlements of relayed transactions by status.",
		}, []string{"status"}),
		admissionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "admission_duration_seconds",
			Help:      "Time from receiving a relay request to broadcast or rejection.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		m.requests,
		m.rejections,
		m.settlements,
		m.admissionDuration,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending_settlements",
			Help:      "Broadcast relay transactions not yet observed on chain.",
		}, pendingSettlements),
	)
	return m
}
