package interceptor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for the requests counter.
const (
	OutcomeEnriched    = "enriched"
	OutcomePassthrough = "passthrough"
	OutcomeRejected    = "rejected"
	OutcomeInvalid     = "invalid"
)

// Metrics counts interceptor outcomes.
type Metrics struct {
	requests *prometheus.CounterVec
}

// NewMetrics registers the interceptor metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolgate",
			Subsystem: "interceptor",
			Name:      "requests_total",
			Help:      "Gateway requests seen by the interceptor, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(m.requests)

	return m
}

func (m *Metrics) observe(outcome string) {
	if m == nil {
		return
	}

	m.requests.WithLabelValues(outcome).Inc()
}
