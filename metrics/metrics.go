// Package metrics exposes Prometheus instrumentation for senders, batches and receivers.
//
// A nil *Metrics is valid and records nothing, so components can take one unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bambuk"

// Result label values.
const (
	ResultOK      = "ok"
	ResultFatal   = "fatal"
	ResultDropped = "dropped"
	ResultError   = "error"
	ResultUnknown = "unknown_method"
)

type Metrics struct {
	senderCalls      *prometheus.CounterVec
	senderRetries    prometheus.Counter
	receiverRequests *prometheus.CounterVec
	batchInflight    prometheus.Gauge
	batchJoin        prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		senderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sender",
			Name:      "calls_total",
			Help:      "Calls completed by senders, by method and result.",
		}, []string{"method", "result"}),
		senderRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sender",
			Name:      "retries_total",
			Help:      "Send attempts that failed and were retried.",
		}),
		receiverRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receiver",
			Name:      "requests_total",
			Help:      "Messages handled by receivers, by method and result.",
		}, []string{"method", "result"}),
		batchInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "inflight",
			Help:      "Batched sends currently running.",
		}),
		batchJoin: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "join_seconds",
			Help:      "Time from starting a batch to its join returning.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.senderCalls, m.senderRetries, m.receiverRequests, m.batchInflight, m.batchJoin)
	}
	return m
}

func (m *Metrics) SenderCall(method, result string) {
	if m == nil {
		return
	}
	m.senderCalls.WithLabelValues(method, result).Inc()
}

func (m *Metrics) SenderRetry() {
	if m == nil {
		return
	}
	m.senderRetries.Inc()
}

func (m *Metrics) ReceiverRequest(method, result string) {
	if m == nil {
		return
	}
	m.receiverRequests.WithLabelValues(method, result).Inc()
}

// BatchTaskStarted and BatchTaskDone bracket one batched send.
func (m *Metrics) BatchTaskStarted() {
	if m == nil {
		return
	}
	m.batchInflight.Inc()
}

func (m *Metrics) BatchTaskDone() {
	if m == nil {
		return
	}
	m.batchInflight.Dec()
}

func (m *Metrics) BatchJoined(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.batchJoin.Observe(elapsed.Seconds())
}
