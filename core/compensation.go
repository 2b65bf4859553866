package core

import (
	"context"
	"fmt"
	"math"

	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/voltcomp/grid"
	"github.com/signalsfoundry/voltcomp/internal/logging"
	"github.com/signalsfoundry/voltcomp/internal/observability"
	"github.com/signalsfoundry/voltcomp/model"
)

const (
	// DefaultThreshold is the lowest acceptable bus voltage in p.u.
	DefaultThreshold = 0.95
	// DefaultPlateauEpsilon is the smallest voltage gain counted as progress.
	DefaultPlateauEpsilon = 1e-6
)

// SearchLimits bounds a single-bus search.
type SearchLimits struct {
	MaxQMvar  float64
	StepQMvar float64
}

// DefaultSearchLimits is a 100 MVAr cap in 2 MVAr steps.
func DefaultSearchLimits() SearchLimits {
	return SearchLimits{MaxQMvar: 100, StepQMvar: 2}
}

func (l SearchLimits) normalized() SearchLimits {
	d := DefaultSearchLimits()
	if l.MaxQMvar <= 0 {
		l.MaxQMvar = d.MaxQMvar
	}
	if l.StepQMvar <= 0 {
		l.StepQMvar = d.StepQMvar
	}
	return l
}

// MaxSteps is the bound on injection steps: ceil(MaxQMvar / StepQMvar).
func (l SearchLimits) MaxSteps() int {
	l = l.normalized()
	return int(math.Ceil(l.MaxQMvar/l.StepQMvar - 1e-9))
}

// SearchEngine finds a near-minimal shunt injection per bus by stepping the
// injection up until the voltage recovers, stops improving or the cap is hit.
type SearchEngine struct {
	retry     *RetryController
	threshold float64
	epsilon   float64
	log       logging.Logger
}

// NewSearchEngine builds an engine. Non-positive threshold or epsilon take
// the defaults.
func NewSearchEngine(retry *RetryController, threshold, epsilon float64, log logging.Logger) *SearchEngine {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if epsilon <= 0 {
		epsilon = DefaultPlateauEpsilon
	}
	if log == nil {
		log = logging.Noop()
	}
	return &SearchEngine{retry: retry, threshold: threshold, epsilon: epsilon, log: log}
}

// Threshold returns the target voltage.
func (e *SearchEngine) Threshold() float64 { return e.threshold }

// CompensateBus searches for the injection at bus. The network is left in
// the state matching the returned (QInjectedMvar, FinalVoltage) pair.
func (e *SearchEngine) CompensateBus(ctx context.Context, net *grid.Network, bus model.BusID, limits SearchLimits) model.CompensationResult {
	limits = limits.normalized()
	ctx, span := observability.StartSpan(ctx, "search.CompensateBus",
		attribute.Int("bus", int(bus)),
		attribute.Float64("max_q_mvar", limits.MaxQMvar),
		attribute.Float64("step_q_mvar", limits.StepQMvar),
	)
	defer span.End()
	log := e.log.With(logging.Int("bus", int(bus)))

	initial := e.retry.Solve(ctx, net)
	if !net.HasBus(bus) && initial.Converged {
		weakest, _ := initial.Voltages.Weakest()
		log.Warn(ctx, "unknown bus; compensating the weakest bus",
			logging.Int("weakest_bus", int(weakest)),
			logging.Err(ErrInvalidSelection),
		)
		bus = weakest
		log = e.log.With(logging.Int("bus", int(bus)))
		span.SetAttributes(attribute.Int("bus", int(bus)))
	}

	res := model.CompensationResult{Bus: bus}
	if !initial.Converged {
		log.Warn(ctx, "initial power flow failed", logging.Err(initial.Err))
		res.Status = model.StatusPowerFlowFailed
		res.Termination = model.TerminationSolverFailure
		return res
	}
	if !net.HasBus(bus) {
		log.Warn(ctx, "no bus to compensate", logging.Err(ErrInvalidSelection))
		res.Status = model.StatusPowerFlowFailed
		return res
	}
	v0 := initial.Voltages[bus]
	res.InitialVoltage, res.FinalVoltage = v0, v0
	if v0 >= e.threshold {
		res.Status = model.StatusNoCompensationNeeded
		return res
	}

	// The state as found, existing shunt included, is the q=0 candidate.
	original := net.Snapshot()
	bestQ, bestV := injectionAt(net, bus), v0
	best := original
	startV := v0
	atBest := true

	if removed := net.RemoveShuntsAt(bus); removed > 0 {
		outcome := e.retry.Solve(ctx, net)
		if !outcome.Converged {
			log.Warn(ctx, "network unsolvable without existing shunt; keeping it", logging.Err(outcome.Err))
			net.Restore(original)
			res.Status = model.StatusPowerFlowFailed
			res.Termination = model.TerminationSolverFailure
			return e.finish(res, bestQ, bestV)
		}
		startV = outcome.Voltages[bus]
		atBest = false
	}

	prevQ, prevV := 0.0, startV
	res.Termination = model.TerminationCapReached

	for prevQ < limits.MaxQMvar {
		q := math.Min(prevQ+limits.StepQMvar, limits.MaxQMvar)
		mut := &shuntStep{bus: bus, base: prevQ, q: q, best: best}
		pre := net.Snapshot()
		atBest = false
		if err := mut.apply(net); err != nil {
			log.Warn(ctx, "cannot place shunt", logging.Err(err))
			res.Termination = model.TerminationSolverFailure
			break
		}

		outcome := e.retry.Stabilize(ctx, net, mut, pre)
		step := model.SearchStep{QMvar: mut.q, Attempts: outcome.Attempts}

		if !outcome.Converged {
			step.Outcome = model.StepFailed
			res.Steps = append(res.Steps, step)
			res.Termination = model.TerminationSolverFailure
			res.Status = model.StatusPowerFlowFailed
			log.Warn(ctx, "search step unrecoverable; best state kept",
				logging.Float("q_mvar", mut.q),
				logging.Err(outcome.Err),
			)
			net.Restore(best)
			return e.finish(res, bestQ, bestV)
		}
		if outcome.RolledBack {
			// Discard put the best state back and it re-solved.
			step.QMvar = bestQ
			step.VoltagePU = outcome.Voltages[bus]
			step.Outcome = model.StepRolledBack
			res.Steps = append(res.Steps, step)
			res.Termination = model.TerminationSolverFailure
			atBest = true
			log.Info(ctx, "search step diverged; rolled back to best injection", logging.Float("q_mvar", bestQ))
			break
		}

		v := outcome.Voltages[bus]
		step.VoltagePU = v
		step.Outcome = model.StepConverged
		if outcome.BackedOff() {
			step.Outcome = model.StepBackedOff
		}
		res.Steps = append(res.Steps, step)
		log.Debug(ctx, "search step", logging.Float("q_mvar", mut.q), logging.Float("vm_pu", v))

		if v > bestV {
			bestQ, bestV = mut.q, v
			best = net.Snapshot()
			atBest = true
		}
		if v >= e.threshold {
			res.Termination = model.TerminationTargetReached
			break
		}
		if v <= prevV+e.epsilon {
			res.Termination = model.TerminationPlateau
			break
		}
		if outcome.BackedOff() {
			res.Termination = model.TerminationStabilityEdge
			break
		}
		prevQ, prevV = mut.q, v
	}

	if !atBest {
		net.Restore(best)
	}
	return e.finish(res, bestQ, bestV)
}

// injectionAt sums the reactive support of every shunt at bus.
func injectionAt(net *grid.Network, bus model.BusID) float64 {
	total := 0.0
	for _, sh := range net.ShuntsAt(bus) {
		total += sh.InjectionMvar()
	}
	return total
}

func (e *SearchEngine) finish(res model.CompensationResult, bestQ, bestV float64) model.CompensationResult {
	res.QInjectedMvar = bestQ
	res.FinalVoltage = bestV
	res.Improvement = bestV - res.InitialVoltage
	if res.Status == "" {
		if bestV >= e.threshold {
			res.Status = model.StatusSuccess
		} else {
			res.Status = model.StatusLimitedImprovement
		}
	}
	return res
}

// shuntStep is one injection increment at a bus. Backoff shrinks the
// increment above base; discard restores the best snapshot.
type shuntStep struct {
	bus  model.BusID
	base float64
	q    float64
	best grid.Snapshot
}

func (s *shuntStep) apply(net *grid.Network) error {
	net.RemoveShuntsAt(s.bus)
	_, err := net.AddShunt(s.bus, 0, -s.q, fmt.Sprintf("Compensation_Bus_%d", s.bus))
	return err
}

func (s *shuntStep) Backoff(net *grid.Network, factor float64) error {
	s.q = s.base + (s.q-s.base)*factor
	return s.apply(net)
}

func (s *shuntStep) Discard(net *grid.Network) error {
	net.Restore(s.best)
	return nil
}
