package core

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/voltcomp/grid"
	"github.com/signalsfoundry/voltcomp/internal/logging"
	"github.com/signalsfoundry/voltcomp/internal/observability"
	"github.com/signalsfoundry/voltcomp/model"
)

// DefaultOptimalMaxQMvar is the per-bus cap of the optimal strategy.
const DefaultOptimalMaxQMvar = 75

const msgNoCompensation = "No buses require compensation"

// StrategySelector decides which violating buses are compensated and in
// what order.
type StrategySelector struct {
	engine      *SearchEngine
	retry       *RetryController
	limits      SearchLimits
	optimalMaxQ float64
	maxBuses    int
	log         logging.Logger
	metrics     CompensationMetricsRecorder
}

// NewStrategySelector wires a selector. maxBuses == 0 means unlimited.
func NewStrategySelector(engine *SearchEngine, retry *RetryController, limits SearchLimits, optimalMaxQ float64, maxBuses int, log logging.Logger, metrics CompensationMetricsRecorder) *StrategySelector {
	if optimalMaxQ <= 0 {
		optimalMaxQ = DefaultOptimalMaxQMvar
	}
	if log == nil {
		log = logging.Noop()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &StrategySelector{
		engine:      engine,
		retry:       retry,
		limits:      limits.normalized(),
		optimalMaxQ: optimalMaxQ,
		maxBuses:    maxBuses,
		log:         log,
		metrics:     metrics,
	}
}

// Apply runs strategy against the current network state. Unknown strategies
// fall back to targeted.
func (s *StrategySelector) Apply(ctx context.Context, net *grid.Network, strategy model.Strategy) model.StrategyResult {
	if !strategy.Valid() {
		s.log.Warn(ctx, "unknown strategy; using targeted",
			logging.String("strategy", string(strategy)),
			logging.Err(ErrInvalidSelection),
		)
		strategy = model.StrategyTargeted
	}
	ctx, span := observability.StartSpan(ctx, "strategy.Apply", attribute.String("strategy", string(strategy)))
	defer span.End()

	res := model.StrategyResult{Strategy: strategy}

	outcome := s.retry.Solve(ctx, net)
	if !outcome.Converged {
		res.Message = "Power flow failed: " + outcome.Err.Error()
		return res
	}
	violating := outcome.Voltages.Below(s.engine.Threshold())
	if len(violating) == 0 {
		res.Message = msgNoCompensation
		return res
	}

	switch strategy {
	case model.StrategyGlobal:
		for _, bus := range s.bounded(violating) {
			s.add(ctx, &res, s.engine.CompensateBus(ctx, net, bus, s.limits))
		}
	case model.StrategyOptimal:
		s.optimal(ctx, net, &res, outcome.Voltages, violating)
	default:
		weakest, _ := outcome.Voltages.Weakest()
		s.add(ctx, &res, s.engine.CompensateBus(ctx, net, weakest, s.limits))
	}

	span.SetAttributes(
		attribute.Int("buses", len(res.Results)),
		attribute.Float64("total_q_mvar", res.TotalQMvar),
	)
	return res
}

// optimal processes buses by descending 1/v, re-checking each against a
// fresh solve and capping the injection per bus.
func (s *StrategySelector) optimal(ctx context.Context, net *grid.Network, res *model.StrategyResult, vp model.VoltageProfile, violating []model.BusID) {
	type candidate struct {
		bus   model.BusID
		score float64
	}
	cands := make([]candidate, 0, len(violating))
	for _, bus := range violating {
		cands = append(cands, candidate{bus: bus, score: 1 / vp[bus]})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].bus < cands[j].bus
	})

	limits := s.limits
	limits.MaxQMvar = s.optimalMaxQ
	processed := 0
	for _, c := range cands {
		if s.maxBuses > 0 && processed >= s.maxBuses {
			break
		}
		outcome := s.retry.Solve(ctx, net)
		if !outcome.Converged {
			s.log.Warn(ctx, "re-check solve failed; skipping bus", logging.Int("bus", int(c.bus)), logging.Err(outcome.Err))
			continue
		}
		if outcome.Voltages[c.bus] >= s.engine.Threshold() {
			s.log.Debug(ctx, "bus recovered by earlier compensation", logging.Int("bus", int(c.bus)))
			continue
		}
		s.add(ctx, res, s.engine.CompensateBus(ctx, net, c.bus, limits))
		processed++
	}
	if len(res.Results) == 0 {
		res.Message = msgNoCompensation
	}
}

func (s *StrategySelector) bounded(buses []model.BusID) []model.BusID {
	if s.maxBuses > 0 && len(buses) > s.maxBuses {
		return buses[:s.maxBuses]
	}
	return buses
}

func (s *StrategySelector) add(ctx context.Context, res *model.StrategyResult, r model.CompensationResult) {
	res.Results = append(res.Results, r)
	res.TotalQMvar += r.QInjectedMvar
	s.metrics.RecordCompensation(string(res.Strategy), string(r.Status), r.QInjectedMvar, len(r.Steps))
	s.log.Info(ctx, "bus compensated",
		logging.Int("bus", int(r.Bus)),
		logging.String("status", string(r.Status)),
		logging.Float("q_mvar", r.QInjectedMvar),
		logging.Float("initial_vm_pu", r.InitialVoltage),
		logging.Float("final_vm_pu", r.FinalVoltage),
	)
}
