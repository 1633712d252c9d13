// internal/session/metrics.go
package session

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	transitions *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authproxy_session_transitions_total",
		Help: "Session state transitions.",
	}, []string{"transition"})}
	reg.MustRegister(m.transitions)
	return m
}

func (m *Metrics) inc(transition string) {
	if m != nil {
		m.transitions.WithLabelValues(transition).Inc()
	}
}
