package core

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/voltcomp/grid"
	"github.com/signalsfoundry/voltcomp/internal/logging"
	"github.com/signalsfoundry/voltcomp/model"
)

// System ties the scenario generator, search engine and strategy selector to
// one exclusively owned network and keeps the original loading for Reset.
type System struct {
	net      *grid.Network
	original grid.Snapshot

	retry     *RetryController
	scenarios *ScenarioGenerator
	engine    *SearchEngine
	selector  *StrategySelector

	threshold float64
	limits    SearchLimits
	history   []model.StrategyResult

	log     logging.Logger
	metrics CompensationMetricsRecorder
}

type systemConfig struct {
	policy      RetryPolicy
	limits      SearchLimits
	threshold   float64
	epsilon     float64
	optimalMaxQ float64
	maxBuses    int
	params      ScenarioParams
	rand        Rand

	solveMetrics SolveMetricsRecorder
	compMetrics  CompensationMetricsRecorder
}

// SystemOption customises System construction.
type SystemOption func(*systemConfig)

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(p RetryPolicy) SystemOption {
	return func(c *systemConfig) { c.policy = p }
}

// WithSearchLimits overrides the per-bus search cap and step.
func WithSearchLimits(l SearchLimits) SystemOption {
	return func(c *systemConfig) { c.limits = l }
}

// WithThreshold overrides the voltage threshold.
func WithThreshold(tau float64) SystemOption {
	return func(c *systemConfig) { c.threshold = tau }
}

// WithPlateauEpsilon overrides the plateau tolerance.
func WithPlateauEpsilon(eps float64) SystemOption {
	return func(c *systemConfig) { c.epsilon = eps }
}

// WithOptimalMaxQ overrides the optimal strategy's per-bus cap.
func WithOptimalMaxQ(q float64) SystemOption {
	return func(c *systemConfig) { c.optimalMaxQ = q }
}

// WithMaxBuses bounds the number of buses a strategy processes.
func WithMaxBuses(n int) SystemOption {
	return func(c *systemConfig) { c.maxBuses = n }
}

// WithScenarioParams overrides the automatic scenario parameters.
func WithScenarioParams(p ScenarioParams) SystemOption {
	return func(c *systemConfig) { c.params = p }
}

// WithRand injects the randomness source of auto_random scenarios.
func WithRand(r Rand) SystemOption {
	return func(c *systemConfig) { c.rand = r }
}

// WithMetricsRecorders attaches optional metrics recorders. Either may be nil.
func WithMetricsRecorders(solve SolveMetricsRecorder, comp CompensationMetricsRecorder) SystemOption {
	return func(c *systemConfig) {
		c.solveMetrics = solve
		c.compMetrics = comp
	}
}

// NewSystem captures the current loading of net as the reset point and wires
// the control loop around solver.
func NewSystem(net *grid.Network, solver Solver, log logging.Logger, opts ...SystemOption) *System {
	if log == nil {
		log = logging.Noop()
	}
	cfg := systemConfig{
		policy:    DefaultRetryPolicy(),
		limits:    DefaultSearchLimits(),
		threshold: DefaultThreshold,
		epsilon:   DefaultPlateauEpsilon,
		params:    DefaultScenarioParams(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	var comp CompensationMetricsRecorder = noopMetrics{}
	if cfg.compMetrics != nil {
		comp = cfg.compMetrics
	}

	retry := NewRetryController(solver, cfg.policy, WithRetryLogger(log), WithSolveMetrics(cfg.solveMetrics))
	engine := NewSearchEngine(retry, cfg.threshold, cfg.epsilon, log)
	s := &System{
		net:       net,
		original:  net.Snapshot(),
		retry:     retry,
		scenarios: NewScenarioGenerator(retry, cfg.rand, cfg.params, engine.Threshold(), log, comp),
		engine:    engine,
		selector:  NewStrategySelector(engine, retry, cfg.limits, cfg.optimalMaxQ, cfg.maxBuses, log, comp),
		threshold: engine.Threshold(),
		limits:    cfg.limits.normalized(),
		log:       log,
		metrics:   comp,
	}
	return s
}

// Network exposes the owned network.
func (s *System) Network() *grid.Network { return s.net }

// Threshold returns the voltage threshold in p.u.
func (s *System) Threshold() float64 { return s.threshold }

// Analyze solves the network and summarises its voltage conditions.
func (s *System) Analyze(ctx context.Context) (model.Analysis, error) {
	outcome := s.retry.Solve(ctx, s.net)
	if !outcome.Converged {
		return model.Analysis{WeakestBus: model.NoBus, Violations: -1}, fmt.Errorf("analyze: %w", outcome.Err)
	}
	a := model.Analysis{
		BusCount:  len(s.net.Buses()),
		LoadBuses: s.net.LoadBuses(),
		Voltages:  outcome.Voltages,
	}
	a.WeakestBus, a.WeakestVoltage = outcome.Voltages.Weakest()
	a.Violations = outcome.Voltages.Violations(s.threshold)
	s.metrics.SetVoltageState(a.WeakestVoltage, a.Violations)
	s.log.Info(ctx, "network analyzed",
		logging.Int("buses", a.BusCount),
		logging.Int("weakest_bus", int(a.WeakestBus)),
		logging.Float("weakest_voltage", a.WeakestVoltage),
		logging.Int("violations", a.Violations),
	)
	return a, nil
}

// BusOptions lists every bus with its total load and last solved voltage.
// Voltages are zero when the network has not been solved since its last
// change.
func (s *System) BusOptions() []model.BusLoadSummary {
	vp, _ := s.net.Voltages()
	buses := s.net.Buses()
	out := make([]model.BusLoadSummary, 0, len(buses))
	for _, b := range buses {
		p, q, ok := s.net.BusLoad(b.ID)
		out = append(out, model.BusLoadSummary{
			Bus:       b.ID,
			HasLoad:   ok,
			PMW:       p,
			QMvar:     q,
			VoltagePU: vp[b.ID],
		})
	}
	return out
}

// CreateScenario applies a load scenario.
func (s *System) CreateScenario(ctx context.Context, req model.ScenarioRequest) model.ScenarioResult {
	return s.scenarios.Generate(ctx, s.net, req)
}

// ForceBusLoad scales every load at bus by factor with no additive term.
func (s *System) ForceBusLoad(ctx context.Context, bus model.BusID, factor float64) model.ScenarioResult {
	res := s.scenarios.ModifyBus(ctx, s.net, bus, factor, 0, 0)
	res.Mode = model.ScenarioSingleBus
	return res
}

// Compensate runs a strategy and records it in the history.
func (s *System) Compensate(ctx context.Context, strategy model.Strategy) model.StrategyResult {
	res := s.selector.Apply(ctx, s.net, strategy)
	s.history = append(s.history, res)
	return res
}

// CompensateBus runs a single-bus search with explicit limits, outside of
// any strategy.
func (s *System) CompensateBus(ctx context.Context, bus model.BusID, limits SearchLimits) model.CompensationResult {
	return s.engine.CompensateBus(ctx, s.net, bus, limits)
}

// Report solves the final state and judges system health.
func (s *System) Report(ctx context.Context, res model.StrategyResult) model.Report {
	rep := model.Report{Compensation: res, Status: model.SystemNeedsAttention, FinalViolations: -1}
	outcome := s.retry.Solve(ctx, s.net)
	if !outcome.Converged {
		s.log.Error(ctx, "final power flow failed", logging.Err(outcome.Err))
		return rep
	}
	rep.Solved = true
	_, rep.MinVoltage = outcome.Voltages.Weakest()
	rep.FinalViolations = outcome.Voltages.Violations(s.threshold)
	if rep.FinalViolations == 0 {
		rep.Status = model.SystemHealthy
	}
	s.metrics.SetVoltageState(rep.MinVoltage, rep.FinalViolations)
	return rep
}

// Reset removes every shunt and restores the loads captured at construction.
func (s *System) Reset(ctx context.Context) {
	s.net.Restore(s.original)
	s.log.Info(ctx, "network reset to original state")
}

// History returns the strategy results of this session, oldest first.
func (s *System) History() []model.StrategyResult {
	return append([]model.StrategyResult(nil), s.history...)
}
