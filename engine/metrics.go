package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/vtpl1/safetynet/conn"
)

type Metrics struct {
	LogEntries     *prometheus.CounterVec
	Commands       *prometheus.CounterVec
	HealthTimeouts prometheus.Counter
	Escalations    prometheus.Counter
	Connections    *prometheus.GaugeVec
}

// NewMetrics registers the engine metrics on reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LogEntries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safetynet_log_entries_total",
				Help: "Total number of log entries by function",
			},
			[]string{"function"},
		),
		Commands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safetynet_commands_total",
				Help: "Total number of commands sent to cameras by result",
			},
			[]string{"result"},
		),
		HealthTimeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "safetynet_health_timeouts_total",
				Help: "Total number of health checks that got no answer in time",
			},
		),
		Escalations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "safetynet_escalations_total",
				Help: "Total number of PPE escalations",
			},
		),
		Connections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "safetynet_connections",
				Help: "Camera connections by state",
			},
			[]string{"state"},
		),
	}
}

func (m *Metrics) setConnections(counts map[conn.State]int) {
	for state, n := range counts {
		m.Connections.WithLabelValues(state.String()).Set(float64(n))
	}
}
