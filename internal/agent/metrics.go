package agent

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the router's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	droppedTotal    prometheus.Counter
}

// NewMetrics creates unregistered collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lab_agent_commands_total",
			Help: "Commands handled by final state",
		}, []string{"module", "state"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lab_agent_command_duration_seconds",
			Help:    "Time spent in module handlers",
			Buckets: prometheus.DefBuckets,
		}, []string{"module"}),
		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lab_agent_dropped_messages_total",
			Help: "Command messages dropped without a response",
		}),
	}
}

// Register adds every collector to registerer.
func (m *Metrics) Register(registerer prometheus.Registerer) error {
	return errors.Join(
		registerer.Register(m.commandsTotal),
		registerer.Register(m.commandDuration),
		registerer.Register(m.droppedTotal),
	)
}

func (m *Metrics) handled(module string, state State, seconds float64) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(module, string(state)).Inc()
	if state == StateCompleted || state == StateFailed {
		m.commandDuration.WithLabelValues(module).Observe(seconds)
	}
}

func (m *Metrics) dropped() {
	if m == nil {
		return
	}
	m.droppedTotal.Inc()
}
