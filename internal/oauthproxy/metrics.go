// internal/oauthproxy/metrics.go
package oauthproxy

import (
	"github.com/prometheus/client_golang/prometheus"

	"authproxy/pkg/problems"
)

type Metrics struct {
	requests *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{requests: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authproxy_proxy_requests_total",
		Help: "OAuth proxy operations by provider, operation and outcome.",
	}, []string{"provider", "operation", "outcome"})}
	reg.MustRegister(m.requests)
	return m
}

func (m *Metrics) observe(provider, operation string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(problems.KindOf(err))
		if outcome == "" {
			outcome = "internal"
		}
	}
	m.requests.WithLabelValues(provider, operation, outcome).Inc()
}
