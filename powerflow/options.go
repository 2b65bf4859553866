package powerflow

import "fmt"

// Algorithm selects the iteration scheme.
type Algorithm string

const (
	// NewtonRaphson is the full-step polar Newton-Raphson method.
	NewtonRaphson Algorithm = "nr"
	// DampedNewtonRaphson scales each Newton step by an adaptive damping
	// factor. It is slower but tolerates stressed operating points better.
	DampedNewtonRaphson Algorithm = "nr_damped"
)

const (
	DefaultMaxIterations = 10
	DefaultToleranceMVA  = 1e-8

	ConservativeMaxIterations = 30
	ConservativeToleranceMVA  = 1e-6
)

// Options controls a single solve.
type Options struct {
	MaxIterations int       `yaml:"max_iterations" validate:"gte=0"`
	ToleranceMVA  float64   `yaml:"tolerance_mva" validate:"gte=0"`
	Algorithm     Algorithm `yaml:"algorithm" validate:"omitempty,oneof=nr nr_damped"`
}

// DefaultOptions is the standard solve used for ordinary operating points.
func DefaultOptions() Options {
	return Options{
		MaxIterations: DefaultMaxIterations,
		ToleranceMVA:  DefaultToleranceMVA,
		Algorithm:     NewtonRaphson,
	}
}

// ConservativeOptions trades speed for robustness: more iterations, a looser
// tolerance and damped steps.
func ConservativeOptions() Options {
	return Options{
		MaxIterations: ConservativeMaxIterations,
		ToleranceMVA:  ConservativeToleranceMVA,
		Algorithm:     DampedNewtonRaphson,
	}
}

// withDefaults fills zero fields and rejects unknown algorithms.
func (o Options) withDefaults() (Options, error) {
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	if o.ToleranceMVA <= 0 {
		o.ToleranceMVA = DefaultToleranceMVA
	}
	switch o.Algorithm {
	case "":
		o.Algorithm = NewtonRaphson
	case NewtonRaphson, DampedNewtonRaphson:
	default:
		return o, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, o.Algorithm)
	}
	return o, nil
}
