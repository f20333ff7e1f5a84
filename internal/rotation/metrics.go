package rotation

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the prometheus metrics for the rotation scheduler.
type Metrics struct {
	Attempts         *prometheus.CounterVec
	Successes        prometheus.Counter
	LogWriteFailures prometheus.Counter
	ForcedCoalesced  prometheus.Counter
	Connections      *prometheus.GaugeVec
	InFlight         prometheus.Gauge
}

// NewMetrics creates the rotation metrics and registers them with reg
// when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cid_rotation_attempts_total",
				Help: "Rotation attempts by outcome and trigger",
			},
			[]string{"outcome", "trigger"},
		),

		Successes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cid_rotation_successes_total",
			Help: "Rotation attempts that switched the outbound identifier",
		}),

		// Operator-visible LogWriteFailed counter.
		LogWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cid_rotation_log_write_failures_total",
			Help: "Rotation events that could not be written to the log sink",
		}),

		ForcedCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cid_rotation_forced_coalesced_total",
			Help: "Forced rotation requests absorbed by an already pending request",
		}),

		Connections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cid_rotation_connections",
				Help: "Registered connections by scheduler phase",
			},
			[]string{"phase"},
		),

		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cid_rotation_in_flight",
			Help: "Rotation attempts currently in flight",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Attempts,
			m.Successes,
			m.LogWriteFailures,
			m.ForcedCoalesced,
			m.Connections,
			m.InFlight,
		)
	}

	return m
}
