package core

import "time"

// SolveMetricsRecorder receives solver and retry events.
type SolveMetricsRecorder interface {
	ObserveSolve(algorithm string, d time.Duration, err error)
	IncBackoffs()
	IncRollbacks(recovered bool)
}

// CompensationMetricsRecorder receives scenario and compensation outcomes.
type CompensationMetricsRecorder interface {
	RecordScenario(mode string, failed bool)
	RecordCompensation(strategy, status string, injectedMvar float64, steps int)
	SetVoltageState(minVoltage float64, violations int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveSolve(string, time.Duration, error)       {}
func (noopMetrics) IncBackoffs()                                    {}
func (noopMetrics) IncRollbacks(bool)                               {}
func (noopMetrics) RecordScenario(string, bool)                     {}
func (noopMetrics) RecordCompensation(string, string, float64, int) {}
func (noopMetrics) SetVoltageState(float64, int)                    {}
