package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SolverCollector exposes power flow and retry-controller metrics.
type SolverCollector struct {
	gatherer prometheus.Gatherer

	Solves         *prometheus.CounterVec
	SolveDurations *prometheus.HistogramVec
	Backoffs       prometheus.Counter
	Rollbacks      *prometheus.CounterVec
}

// NewSolverCollector registers solver metrics against the provided registerer.
func NewSolverCollector(reg prometheus.Registerer) (*SolverCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	solves := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voltcomp_power_flow_solves_total",
		Help: "Power flow solves, labeled by algorithm and outcome (converged or failed).",
	}, []string{"algorithm", "outcome"})
	solves, err := registerCounterVec(reg, solves, "voltcomp_power_flow_solves_total")
	if err != nil {
		return nil, err
	}

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voltcomp_power_flow_duration_seconds",
		Help:    "Wall time of a single power flow solve.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"algorithm"})
	durations, err = registerHistogramVec(reg, durations, "voltcomp_power_flow_duration_seconds")
	if err != nil {
		return nil, err
	}

	backoffs := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "voltcomp_retry_backoffs_total",
		Help: "Mutations scaled back after a non-converged solve.",
	})
	backoffs, err = registerCounter(reg, backoffs, "voltcomp_retry_backoffs_total")
	if err != nil {
		return nil, err
	}

	rollbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "voltcomp_retry_rollbacks_total",
		Help: "Rollbacks to the last known-good state, labeled by whether the conservative re-solve recovered.",
	}, []string{"recovered"})
	rollbacks, err = registerCounterVec(reg, rollbacks, "voltcomp_retry_rollbacks_total")
	if err != nil {
		return nil, err
	}

	return &SolverCollector{
		gatherer:       gatherer,
		Solves:         solves,
		SolveDurations: durations,
		Backoffs:       backoffs,
		Rollbacks:      rollbacks,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SolverCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveSolve records one solve attempt.
func (c *SolverCollector) ObserveSolve(algorithm string, d time.Duration, err error) {
	if c == nil {
		return
	}
	outcome := "converged"
	if err != nil {
		outcome = "failed"
	}
	if c.Solves != nil {
		c.Solves.WithLabelValues(algorithm, outcome).Inc()
	}
	if c.SolveDurations != nil {
		c.SolveDurations.WithLabelValues(algorithm).Observe(d.Seconds())
	}
}

// IncBackoffs increments the backoff counter.
func (c *SolverCollector) IncBackoffs() {
	if c == nil || c.Backoffs == nil {
		return
	}
	c.Backoffs.Inc()
}

// IncRollbacks counts a rollback and whether it recovered a converged state.
func (c *SolverCollector) IncRollbacks(recovered bool) {
	if c == nil || c.Rollbacks == nil {
		return
	}
	c.Rollbacks.WithLabelValues(fmt.Sprintf("%t", recovered)).Inc()
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
