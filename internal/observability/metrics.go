package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CompensationCollector bundles Prometheus metrics for scenarios and
// compensation searches and exposes them over HTTP.
type CompensationCollector struct {
	gatherer prometheus.Gatherer

	Scenarios     *prometheus.CounterVec
	Compensations *prometheus.CounterVec
	InjectedMvar  prometheus.Histogram
	SearchSteps   prometheus.Histogram

	MinVoltage prometheus.Gauge
	Violations prometheus.Gauge
}

// NewCompensationCollector registers compensation metrics against the
// provided registerer, defaulting to the global Prometheus registry when nil.
func NewCompensationCollector(reg prometheus.Registerer) (*CompensationCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	scenarios := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voltcomp_scenarios_total",
		Help: "Load scenarios generated, labeled by mode and outcome (ok or failed).",
	}, []string{"mode", "outcome"})
	scenarios, err := registerCounterVec(reg, scenarios, "voltcomp_scenarios_total")
	if err != nil {
		return nil, err
	}

	compensations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voltcomp_compensations_total",
		Help: "Per-bus compensation searches, labeled by strategy and result status.",
	}, []string{"strategy", "status"})
	compensations, err = registerCounterVec(reg, compensations, "voltcomp_compensations_total")
	if err != nil {
		return nil, err
	}

	injected, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "voltcomp_compensation_injected_mvar",
		Help:    "Reactive power injected per compensated bus.",
		Buckets: []float64{0, 2, 5, 10, 20, 30, 50, 75, 100},
	}), "voltcomp_compensation_injected_mvar")
	if err != nil {
		return nil, err
	}

	steps, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "voltcomp_compensation_search_steps",
		Help:    "Injection steps tried per compensation search.",
		Buckets: prometheus.LinearBuckets(0, 5, 11),
	}), "voltcomp_compensation_search_steps")
	if err != nil {
		return nil, err
	}

	minVoltage, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "voltcomp_min_voltage_pu",
		Help: "Lowest bus voltage magnitude of the last solved state.",
	}), "voltcomp_min_voltage_pu")
	if err != nil {
		return nil, err
	}
	violations, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "voltcomp_voltage_violations",
		Help: "Buses below the voltage threshold in the last solved state.",
	}), "voltcomp_voltage_violations")
	if err != nil {
		return nil, err
	}

	return &CompensationCollector{
		gatherer:      gatherer,
		Scenarios:     scenarios,
		Compensations: compensations,
		InjectedMvar:  injected,
		SearchSteps:   steps,
		MinVoltage:    minVoltage,
		Violations:    violations,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *CompensationCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// RecordScenario counts a generated scenario.
func (c *CompensationCollector) RecordScenario(mode string, failed bool) {
	if c == nil || c.Scenarios == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "failed"
	}
	c.Scenarios.WithLabelValues(mode, outcome).Inc()
}

// RecordCompensation records the outcome of one bus search.
func (c *CompensationCollector) RecordCompensation(strategy, status string, injectedMvar float64, steps int) {
	if c == nil {
		return
	}
	if c.Compensations != nil {
		c.Compensations.WithLabelValues(strategy, status).Inc()
	}
	if c.InjectedMvar != nil {
		c.InjectedMvar.Observe(injectedMvar)
	}
	if c.SearchSteps != nil {
		c.SearchSteps.Observe(float64(steps))
	}
}

// SetVoltageState updates the system state gauges.
func (c *CompensationCollector) SetVoltageState(minVoltage float64, violations int) {
	if c == nil {
		return
	}
	if c.MinVoltage != nil {
		c.MinVoltage.Set(minVoltage)
	}
	if c.Violations != nil {
		c.Violations.Set(float64(violations))
	}
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
