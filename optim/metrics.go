package optim

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports optimizer progress as Prometheus collectors. A nil
// *Metrics records nothing.
type Metrics struct {
	iterations *prometheus.CounterVec
	steps      *prometheus.CounterVec
	bound      *prometheus.GaugeVec
}

// NewMetrics creates the optimizer collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vfl",
			Subsystem: "optim",
			Name:      "iterations_total",
			Help:      "Optimizer iterations completed.",
		}, []string{"method"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vfl",
			Subsystem: "optim",
			Name:      "steps_total",
			Help:      "Trial steps taken by the line search, by outcome.",
		}, []string{"method", "result"}),
		bound: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vfl",
			Subsystem: "optim",
			Name:      "bound",
			Help:      "Variational lower bound after the last iteration.",
		}, []string{"method"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.iterations, m.steps, m.bound} {
			if err := reg.Register(c); err != nil {
				return nil, fmt.Errorf("optim: register metrics: %w", err)
			}
		}
	}
	return m, nil
}

func (m *Metrics) observeIteration(method string, bound float64) {
	if m == nil {
		return
	}
	m.iterations.WithLabelValues(method).Inc()
	m.bound.WithLabelValues(method).Set(bound)
}

func (m *Metrics) observeStep(method string, accepted bool) {
	if m == nil {
		return
	}
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	m.steps.WithLabelValues(method, result).Inc()
}
