// Package metrics provides Prometheus metrics of the baas pipeline
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OutcomeOK is the outcome label of successful requests
const OutcomeOK = "ok"

// Collector holds the metrics. A nil collector records nothing.
type Collector struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	DescriptorReload *prometheus.CounterVec
}

// New creates the collector and registers it with registerer. A nil registerer
// selects the default registry.
func New(registerer prometheus.Registerer) *Collector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	c := &Collector{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "baas",
				Name:      "requests_total",
				Help:      "Total number of baas requests by outcome",
			},
			[]string{"module", "action", "outcome"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "baas",
				Name:      "request_duration_seconds",
				Help:      "Duration of baas requests in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"action"},
		),
		DescriptorReload: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "baas",
				Name:      "descriptor_reloads_total",
				Help:      "Total number of module descriptor reloads",
			},
			[]string{"module", "outcome"},
		),
	}
	registerer.MustRegister(c.RequestsTotal, c.RequestDuration, c.DescriptorReload)
	return c
}

// ObserveRequest records a finished request. outcome is OutcomeOK or the
// error kind.
func (c *Collector) ObserveRequest(module, action, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.RequestsTotal.WithLabelValues(module, action, outcome).Inc()
	c.RequestDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// DescriptorReloaded counts a descriptor reload
func (c *Collector) DescriptorReloaded(module string, err error) {
	if c == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = "error"
	}
	c.DescriptorReload.WithLabelValues(module, outcome).Inc()
}
