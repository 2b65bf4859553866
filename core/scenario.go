package core

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/voltcomp/grid"
	"github.com/signalsfoundry/voltcomp/internal/logging"
	"github.com/signalsfoundry/voltcomp/internal/observability"
	"github.com/signalsfoundry/voltcomp/model"
)

// ScenarioParams holds the fixed and random draws of the automatic modes.
type ScenarioParams struct {
	WeakestMultiplier float64
	WeakestAddPMW     float64
	WeakestAddQMvar   float64

	RandomMultiplier [2]float64
	RandomAddPMW     [2]float64
	RandomAddQMvar   [2]float64

	GlobalFactor float64
}

// DefaultScenarioParams returns the stock stress parameters.
func DefaultScenarioParams() ScenarioParams {
	return ScenarioParams{
		WeakestMultiplier: 2.0,
		WeakestAddPMW:     20,
		WeakestAddQMvar:   10,
		RandomMultiplier:  [2]float64{1.5, 2.5},
		RandomAddPMW:      [2]float64{10, 30},
		RandomAddQMvar:    [2]float64{5, 15},
		GlobalFactor:      1.5,
	}
}

// ScenarioGenerator perturbs network load to manufacture weak-bus
// conditions, keeping the network solvable through the retry controller.
type ScenarioGenerator struct {
	retry     *RetryController
	rand      Rand
	params    ScenarioParams
	threshold float64
	log       logging.Logger
	metrics   CompensationMetricsRecorder
}

// NewScenarioGenerator builds a generator. A nil rnd uses a fixed seed.
func NewScenarioGenerator(retry *RetryController, rnd Rand, params ScenarioParams, threshold float64, log logging.Logger, metrics CompensationMetricsRecorder) *ScenarioGenerator {
	if rnd == nil {
		rnd = NewRand(1)
	}
	if log == nil {
		log = logging.Noop()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &ScenarioGenerator{
		retry:     retry,
		rand:      rnd,
		params:    params,
		threshold: threshold,
		log:       log,
		metrics:   metrics,
	}
}

// Generate applies the requested scenario. It always returns a result; a
// scenario that cannot be solved carries Violations == -1 and leaves the
// network as it was.
func (g *ScenarioGenerator) Generate(ctx context.Context, net *grid.Network, req model.ScenarioRequest) model.ScenarioResult {
	mode := req.Mode
	if !mode.Valid() {
		g.log.Warn(ctx, "unknown scenario mode; using auto_weakest",
			logging.String("mode", string(mode)),
			logging.Err(ErrInvalidSelection),
		)
		mode = model.ScenarioAutoWeakest
	}

	ctx, span := observability.StartSpan(ctx, "scenario.Generate", attribute.String("mode", string(mode)))
	defer span.End()

	var res model.ScenarioResult
	switch mode {
	case model.ScenarioGlobalIncrease:
		res = g.globalIncrease(ctx, net)
	default:
		res = g.busScenario(ctx, net, mode, req)
	}
	res.Mode = mode

	g.metrics.RecordScenario(string(mode), res.Failed())
	if res.Failed() {
		span.SetAttributes(attribute.Bool("failed", true))
		g.log.Warn(ctx, "scenario unusable", logging.String("mode", string(mode)), logging.String("error", res.Err))
	} else {
		g.log.Info(ctx, "scenario applied",
			logging.String("mode", string(mode)),
			logging.Int("bus", int(res.ModifiedBus)),
			logging.Int("weakest_bus", int(res.WeakestBus)),
			logging.Float("weakest_voltage", res.WeakestVoltage),
			logging.Int("violations", res.Violations),
		)
	}
	return res
}

func (g *ScenarioGenerator) busScenario(ctx context.Context, net *grid.Network, mode model.ScenarioMode, req model.ScenarioRequest) model.ScenarioResult {
	vp, err := g.currentVoltages(ctx, net)
	if err != nil {
		return failedScenario(model.NoBus, err)
	}
	weakest, _ := vp.Weakest()

	var bus model.BusID
	var m, addP, addQ float64
	switch mode {
	case model.ScenarioSingleBus:
		bus, m, addP, addQ = req.Bus, req.Multiplier, req.AddPMW, req.AddQMvar
		if !net.HasBus(bus) {
			g.log.Warn(ctx, "unknown bus; using weakest bus",
				logging.Int("bus", int(bus)),
				logging.Int("weakest_bus", int(weakest)),
				logging.Err(ErrInvalidSelection),
			)
			bus = weakest
		}
	case model.ScenarioAutoRandom:
		bus = weakest
		if candidates := net.LoadBuses(); len(candidates) > 0 {
			bus = candidates[g.rand.IntN(len(candidates))]
		}
		m = uniform(g.rand, g.params.RandomMultiplier[0], g.params.RandomMultiplier[1])
		addP = uniform(g.rand, g.params.RandomAddPMW[0], g.params.RandomAddPMW[1])
		addQ = uniform(g.rand, g.params.RandomAddQMvar[0], g.params.RandomAddQMvar[1])
	default:
		bus = weakest
		m, addP, addQ = g.params.WeakestMultiplier, g.params.WeakestAddPMW, g.params.WeakestAddQMvar
	}

	return g.ModifyBus(ctx, net, bus, m, addP, addQ)
}

// ModifyBus applies P ← P·m + addP, Q ← Q·m + addQ to every load at bus, or
// creates a load of (addP, addQ) when the bus has none, and stabilises the
// result. Backoff scales the bus load; discard restores it.
func (g *ScenarioGenerator) ModifyBus(ctx context.Context, net *grid.Network, bus model.BusID, m, addP, addQ float64) model.ScenarioResult {
	res := model.ScenarioResult{
		ModifiedBus: bus,
		Multiplier:  m,
		AddPMW:      addP,
		AddQMvar:    addQ,
	}
	if !net.HasBus(bus) {
		return failedScenario(bus, fmt.Errorf("%w: %d", grid.ErrBusNotFound, bus))
	}

	pre := net.Snapshot()
	loads := net.LoadsAt(bus)
	if len(loads) == 0 {
		id, err := net.AddLoad(bus, addP, addQ, fmt.Sprintf("Created_Load_Bus_%d", bus))
		if err != nil {
			return failedScenario(bus, err)
		}
		res.CreatedLoad = true
		res.Changes = append(res.Changes, model.LoadChange{LoadID: id, Bus: bus})
	} else {
		for _, l := range loads {
			if err := net.SetLoad(l.ID, l.PMW*m+addP, l.QMvar*m+addQ); err != nil {
				net.Restore(pre)
				return failedScenario(bus, err)
			}
			res.Changes = append(res.Changes, model.LoadChange{
				LoadID:  l.ID,
				Bus:     bus,
				BeforeP: l.PMW,
				BeforeQ: l.QMvar,
			})
		}
	}

	outcome := g.retry.Stabilize(ctx, net, busLoadMutation{bus: bus, pre: pre}, pre)
	return g.finish(res, net, outcome)
}

func (g *ScenarioGenerator) globalIncrease(ctx context.Context, net *grid.Network) model.ScenarioResult {
	factor := g.params.GlobalFactor
	res := model.ScenarioResult{ModifiedBus: model.NoBus, GlobalFactor: factor}

	pre := net.Snapshot()
	for _, l := range net.Loads() {
		if err := net.SetLoad(l.ID, l.PMW*factor, l.QMvar*factor); err != nil {
			net.Restore(pre)
			return failedScenario(model.NoBus, err)
		}
		res.Changes = append(res.Changes, model.LoadChange{
			LoadID:  l.ID,
			Bus:     l.Bus,
			BeforeP: l.PMW,
			BeforeQ: l.QMvar,
		})
	}

	outcome := g.retry.WithMaxAttempts(1).Stabilize(ctx, net, allLoadsMutation{pre: pre}, pre)
	return g.finish(res, net, outcome)
}

// finish fills the post-solve fields of res from the network.
func (g *ScenarioGenerator) finish(res model.ScenarioResult, net *grid.Network, outcome RetryOutcome) model.ScenarioResult {
	for i, ch := range res.Changes {
		if l, ok := net.Load(ch.LoadID); ok {
			res.Changes[i].AfterP, res.Changes[i].AfterQ = l.PMW, l.QMvar
		} else {
			res.Changes[i].AfterP, res.Changes[i].AfterQ = 0, 0
		}
	}
	res.Attempts = outcome.Attempts
	res.BackoffScale = outcome.BackoffScale
	res.RolledBack = outcome.RolledBack

	if !outcome.Converged {
		failed := failedScenario(res.ModifiedBus, outcome.Err)
		failed.Multiplier, failed.AddPMW, failed.AddQMvar = res.Multiplier, res.AddPMW, res.AddQMvar
		failed.GlobalFactor, failed.CreatedLoad = res.GlobalFactor, res.CreatedLoad
		failed.Changes = res.Changes
		failed.Attempts, failed.BackoffScale, failed.RolledBack = res.Attempts, res.BackoffScale, res.RolledBack
		return failed
	}

	res.WeakestBus, res.WeakestVoltage = outcome.Voltages.Weakest()
	res.Violations = outcome.Voltages.Violations(g.threshold)
	if outcome.RolledBack {
		res.Err = "load change rolled back; network solved at its previous loading"
	}
	return res
}

func (g *ScenarioGenerator) currentVoltages(ctx context.Context, net *grid.Network) (model.VoltageProfile, error) {
	if vp, ok := net.Voltages(); ok {
		return vp, nil
	}
	outcome := g.retry.Solve(ctx, net)
	if !outcome.Converged {
		return nil, outcome.Err
	}
	return outcome.Voltages, nil
}

func failedScenario(bus model.BusID, err error) model.ScenarioResult {
	res := model.ScenarioResult{
		ModifiedBus: bus,
		WeakestBus:  model.NoBus,
		Violations:  -1,
	}
	if err != nil {
		res.Err = err.Error()
	}
	return res
}

// busLoadMutation scales or restores the loads of a single bus.
type busLoadMutation struct {
	bus model.BusID
	pre grid.Snapshot
}

func (m busLoadMutation) Backoff(net *grid.Network, factor float64) error {
	for _, l := range net.LoadsAt(m.bus) {
		if err := net.SetLoad(l.ID, l.PMW*factor, l.QMvar*factor); err != nil {
			return err
		}
	}
	return nil
}

func (m busLoadMutation) Discard(net *grid.Network) error {
	net.RestoreLoadsAt(m.pre, m.bus)
	return nil
}

// allLoadsMutation scales or restores every load.
type allLoadsMutation struct {
	pre grid.Snapshot
}

func (m allLoadsMutation) Backoff(net *grid.Network, factor float64) error {
	for _, l := range net.Loads() {
		if err := net.SetLoad(l.ID, l.PMW*factor, l.QMvar*factor); err != nil {
			return err
		}
	}
	return nil
}

func (m allLoadsMutation) Discard(net *grid.Network) error {
	net.RestoreLoads(m.pre)
	return nil
}
