// Package powerflow solves the AC power flow of a grid.Network with the
// polar Newton-Raphson method. PV buses hold their voltage setpoint; reactive
// generator limits are not enforced.
package powerflow

import (
	"context"
	"fmt"
	"math"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/signalsfoundry/voltcomp/grid"
	"github.com/signalsfoundry/voltcomp/internal/logging"
	"github.com/signalsfoundry/voltcomp/internal/observability"
	"github.com/signalsfoundry/voltcomp/model"
)

// Solution is the full result of a converged solve.
type Solution struct {
	Voltages    model.VoltageProfile
	AnglesDeg   map[model.BusID]float64
	Iterations  int
	MismatchMVA float64
}

// Solver runs AC power flows. The zero value is ready to use.
type Solver struct {
	log logging.Logger
}

// Option configures a Solver.
type Option func(*Solver)

// WithLogger sets the logger used for per-solve debug output.
func WithLogger(l logging.Logger) Option {
	return func(s *Solver) {
		if l != nil {
			s.log = l
		}
	}
}

// NewSolver constructs a Solver.
func NewSolver(opts ...Option) *Solver {
	s := &Solver{log: logging.Noop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Solve runs a power flow and returns the per-bus voltage magnitudes. The
// network is only read.
func (s *Solver) Solve(ctx context.Context, net *grid.Network, opts Options) (model.VoltageProfile, error) {
	sol, err := s.Run(ctx, net, opts)
	if err != nil {
		return nil, err
	}
	return sol.Voltages, nil
}

// Run is Solve with iteration diagnostics and bus angles.
func (s *Solver) Run(ctx context.Context, net *grid.Network, opts Options) (*Solution, error) {
	if net == nil {
		return nil, fmt.Errorf("powerflow: nil network")
	}
	log := s.log
	if log == nil {
		log = logging.Noop()
	}

	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, "powerflow.Solve",
		attribute.String("case", net.Name()),
		attribute.String("algorithm", string(opts.Algorithm)),
		attribute.Int("max_iterations", opts.MaxIterations),
	)
	defer span.End()

	sys, err := buildSystem(net)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("powerflow: %w", err)
	}

	st, iters, mismatch, err := sys.newton(ctx, opts)
	span.SetAttributes(
		attribute.Int("iterations", iters),
		attribute.Float64("mismatch_mva", mismatch),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Debug(ctx, "power flow failed",
			logging.String("algorithm", string(opts.Algorithm)),
			logging.Int("iterations", iters),
			logging.Float("mismatch_mva", mismatch),
			logging.Err(err),
		)
		return nil, err
	}

	sol := &Solution{
		Voltages:    make(model.VoltageProfile, len(sys.ids)),
		AnglesDeg:   make(map[model.BusID]float64, len(sys.ids)),
		Iterations:  iters,
		MismatchMVA: mismatch,
	}
	for i, id := range sys.ids {
		sol.Voltages[id] = st.vm[i]
		sol.AnglesDeg[id] = st.va[i] * 180 / math.Pi
	}
	log.Debug(ctx, "power flow converged",
		logging.String("algorithm", string(opts.Algorithm)),
		logging.Int("iterations", iters),
	)
	return sol, nil
}
