package broker

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Request outcomes used as metric labels and recorded telemetry.
const (
	OutcomeOK        = "ok"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
	OutcomeClosed    = "closed"
	OutcomeError     = "error"
)

// Reasons a response is discarded.
const (
	discardUnknown   = "unknown"
	discardMalformed = "malformed"
)

// Metrics holds the broker's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	outcomesTotal   *prometheus.CounterVec
	discardedTotal  *prometheus.CounterVec
	pendingRequests prometheus.Gauge
	requestDuration *prometheus.HistogramVec
}

// NewMetrics creates unregistered collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lab_broker_requests_total",
			Help: "Commands sent to devices",
		}, []string{"module"}),
		outcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lab_broker_request_outcomes_total",
			Help: "Command outcomes by module and result",
		}, []string{"module", "outcome"}),
		discardedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lab_broker_discarded_responses_total",
			Help: "Responses dropped because they matched no pending request or did not decode",
		}, []string{"reason"}),
		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lab_broker_pending_requests",
			Help: "Commands waiting for a response",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lab_broker_request_duration_seconds",
			Help:    "Time from publish to response",
			Buckets: prometheus.DefBuckets,
		}, []string{"module"}),
	}
}

// Register adds every collector to registerer.
func (m *Metrics) Register(registerer prometheus.Registerer) error {
	return errors.Join(
		registerer.Register(m.requestsTotal),
		registerer.Register(m.outcomesTotal),
		registerer.Register(m.discardedTotal),
		registerer.Register(m.pendingRequests),
		registerer.Register(m.requestDuration),
	)
}

// MustRegister is Register that panics on error.
func (m *Metrics) MustRegister(registerer prometheus.Registerer) {
	if err := m.Register(registerer); err != nil {
		panic(err)
	}
}

func (m *Metrics) sent(module string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(module).Inc()
	m.pendingRequests.Inc()
}

func (m *Metrics) finished(module, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.pendingRequests.Dec()
	m.outcomesTotal.WithLabelValues(module, outcome).Inc()
	if outcome == OutcomeOK || outcome == OutcomeFailed {
		m.requestDuration.WithLabelValues(module).Observe(seconds)
	}
}

func (m *Metrics) discarded(reason string) {
	if m == nil {
		return
	}
	m.discardedTotal.WithLabelValues(reason).Inc()
}
