package powerflow

import (
	"errors"
	"fmt"
)

var (
	ErrNotConverged         = errors.New("power flow did not converge")
	ErrSingularJacobian     = errors.New("singular jacobian")
	ErrUnsupportedAlgorithm = errors.New("unsupported power flow algorithm")
	ErrNoSlack              = errors.New("network has no slack bus")
)

// ConvergenceError describes a solve that failed to reach the mismatch
// tolerance. It always matches ErrNotConverged; Cause carries a more specific
// reason such as ErrSingularJacobian when one is known.
type ConvergenceError struct {
	Algorithm   Algorithm
	Iterations  int
	MismatchMVA float64
	Cause       error
}

func (e *ConvergenceError) Error() string {
	msg := fmt.Sprintf("%s: %s after %d iterations (mismatch %.3g MVA)",
		ErrNotConverged, e.Algorithm, e.Iterations, e.MismatchMVA)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ConvergenceError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrNotConverged}
	}
	return []error{ErrNotConverged, e.Cause}
}
