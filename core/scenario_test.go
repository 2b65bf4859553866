package core

import (
	"context"
	"testing"

	"github.com/signalsfoundry/voltcomp/grid"
	"github.com/signalsfoundry/voltcomp/model"
	"github.com/signalsfoundry/voltcomp/powerflow"
)

func newTestGenerator(fs *fakeSolver, rnd Rand, metrics CompensationMetricsRecorder) *ScenarioGenerator {
	return NewScenarioGenerator(NewRetryController(fs, RetryPolicy{}), rnd, DefaultScenarioParams(), 0, nil, metrics)
}

func busLoadIs(t *testing.T, net *grid.Network, bus model.BusID, p, q float64) {
	t.Helper()
	gotP, gotQ, ok := net.BusLoad(bus)
	if !ok || !approx(gotP, p, 1e-9) || !approx(gotQ, q, 1e-9) {
		t.Fatalf("bus %d load = (%v, %v, ok=%v), want (%v, %v)", bus, gotP, gotQ, ok, p, q)
	}
}

func TestGenerate_SingleBus(t *testing.T) {
	net := testNetwork(t)
	g := newTestGenerator(newFakeSolver(), nil, nil)

	res := g.Generate(context.Background(), net, model.ScenarioRequest{
		Mode: model.ScenarioSingleBus, Bus: 2, Multiplier: 2,
	})

	if res.Failed() || res.Mode != model.ScenarioSingleBus || res.ModifiedBus != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	busLoadIs(t, net, 2, 80, 60)
	if len(res.Changes) != 1 || res.Changes[0].BeforeP != 40 || res.Changes[0].AfterP != 80 {
		t.Fatalf("changes = %+v", res.Changes)
	}
	if res.WeakestBus != 2 || !approx(res.WeakestVoltage, 0.84, 1e-9) || res.Violations != 2 {
		t.Fatalf("diagnostics = bus %d at %v with %d violations", res.WeakestBus, res.WeakestVoltage, res.Violations)
	}
	if res.Attempts != 1 || res.RolledBack || res.Err != "" {
		t.Fatalf("retry fields = %+v", res)
	}
}

func TestGenerate_SingleBusUnknownFallsBackToWeakest(t *testing.T) {
	net := testNetwork(t)
	g := newTestGenerator(newFakeSolver(), nil, nil)

	res := g.Generate(context.Background(), net, model.ScenarioRequest{
		Mode: model.ScenarioSingleBus, Bus: 99, Multiplier: 1, AddQMvar: 5,
	})
	if res.ModifiedBus != 2 {
		t.Fatalf("modified bus = %d, want weakest bus 2", res.ModifiedBus)
	}
	busLoadIs(t, net, 2, 40, 35)
}

func TestGenerate_CreatesLoadOnUnloadedBus(t *testing.T) {
	net := testNetwork(t)
	g := newTestGenerator(newFakeSolver(), nil, nil)

	res := g.Generate(context.Background(), net, model.ScenarioRequest{
		Mode: model.ScenarioSingleBus, Bus: 4, Multiplier: 3, AddPMW: 10, AddQMvar: 5,
	})

	if !res.CreatedLoad || res.Failed() {
		t.Fatalf("unexpected result %+v", res)
	}
	loads := net.LoadsAt(4)
	if len(loads) != 1 || loads[0].Name != "Created_Load_Bus_4" {
		t.Fatalf("loads at bus 4 = %+v", loads)
	}
	busLoadIs(t, net, 4, 10, 5)
	if res.Changes[0].AfterP != 10 || res.Changes[0].AfterQ != 5 {
		t.Fatalf("changes = %+v", res.Changes)
	}
}

func TestGenerate_AutoWeakest(t *testing.T) {
	net := testNetwork(t)
	metrics := &recordingMetrics{}
	g := newTestGenerator(newFakeSolver(), nil, metrics)

	res := g.Generate(context.Background(), net, model.ScenarioRequest{Mode: model.ScenarioAutoWeakest})

	if res.ModifiedBus != 2 || res.Multiplier != 2 || res.AddPMW != 20 || res.AddQMvar != 10 {
		t.Fatalf("unexpected parameters %+v", res)
	}
	busLoadIs(t, net, 2, 100, 70)
	if len(metrics.scenarios) != 1 || metrics.scenarios[0] != string(model.ScenarioAutoWeakest) {
		t.Fatalf("recorded scenarios = %v", metrics.scenarios)
	}
}

func TestGenerate_AutoRandomUsesInjectedSource(t *testing.T) {
	net := testNetwork(t)
	rnd := &scriptedRand{floats: []float64{0.5}, ints: []int{0}}
	g := newTestGenerator(newFakeSolver(), rnd, nil)

	res := g.Generate(context.Background(), net, model.ScenarioRequest{Mode: model.ScenarioAutoRandom})

	if res.ModifiedBus != 1 {
		t.Fatalf("modified bus = %d, want first load bus 1", res.ModifiedBus)
	}
	if !approx(res.Multiplier, 2.0, 1e-12) || !approx(res.AddPMW, 20, 1e-12) || !approx(res.AddQMvar, 10, 1e-12) {
		t.Fatalf("draws = %v, %v, %v", res.Multiplier, res.AddPMW, res.AddQMvar)
	}
	busLoadIs(t, net, 1, 60, 30)
}

func TestGenerate_AutoRandomSeededIsReproducible(t *testing.T) {
	a, b := testNetwork(t), testNetwork(t)
	ga := newTestGenerator(newFakeSolver(), NewRand(7), nil)
	gb := newTestGenerator(newFakeSolver(), NewRand(7), nil)

	ra := ga.Generate(context.Background(), a, model.ScenarioRequest{Mode: model.ScenarioAutoRandom})
	rb := gb.Generate(context.Background(), b, model.ScenarioRequest{Mode: model.ScenarioAutoRandom})

	if ra.ModifiedBus != rb.ModifiedBus || ra.Multiplier != rb.Multiplier || ra.AddPMW != rb.AddPMW {
		t.Fatalf("same seed produced different scenarios: %+v vs %+v", ra, rb)
	}
	p := DefaultScenarioParams()
	if ra.Multiplier < p.RandomMultiplier[0] || ra.Multiplier >= p.RandomMultiplier[1] {
		t.Fatalf("multiplier %v outside range", ra.Multiplier)
	}
}

func TestGenerate_GlobalIncrease(t *testing.T) {
	net := testNetwork(t)
	g := newTestGenerator(newFakeSolver(), nil, nil)

	res := g.Generate(context.Background(), net, model.ScenarioRequest{Mode: model.ScenarioGlobalIncrease})

	if res.ModifiedBus != model.NoBus || res.GlobalFactor != 1.5 || len(res.Changes) != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	busLoadIs(t, net, 1, 30, 15)
	busLoadIs(t, net, 2, 60, 45)
	busLoadIs(t, net, 3, 45, 37.5)
}

func TestGenerate_GlobalIncreaseSingleAttempt(t *testing.T) {
	net := testNetwork(t)
	fs := newFakeSolver()
	fs.failIf = loadQAbove(2, 40)
	g := newTestGenerator(fs, nil, nil)

	res := g.Generate(context.Background(), net, model.ScenarioRequest{Mode: model.ScenarioGlobalIncrease})

	if res.Failed() || !res.RolledBack || res.Attempts != 1 || res.Err == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	busLoadIs(t, net, 2, 40, 30)
}

func TestGenerate_BacksOffBusLoad(t *testing.T) {
	net := testNetwork(t)
	fs := newFakeSolver()
	fs.failIf = loadQAbove(2, 50)
	g := newTestGenerator(fs, nil, nil)

	res := g.Generate(context.Background(), net, model.ScenarioRequest{
		Mode: model.ScenarioSingleBus, Bus: 2, Multiplier: 2,
	})

	if res.Failed() || res.RolledBack || res.Attempts != 2 || !approx(res.BackoffScale, 0.7, 1e-12) {
		t.Fatalf("unexpected result %+v", res)
	}
	busLoadIs(t, net, 2, 56, 42)
	if !approx(res.Changes[0].AfterQ, 42, 1e-9) {
		t.Fatalf("changes = %+v", res.Changes)
	}
}

func TestGenerate_RollsBackBusLoad(t *testing.T) {
	net := testNetwork(t)
	fs := newFakeSolver()
	fs.failIf = loadQAbove(2, 35)
	g := newTestGenerator(fs, nil, nil)

	res := g.Generate(context.Background(), net, model.ScenarioRequest{
		Mode: model.ScenarioSingleBus, Bus: 2, Multiplier: 3,
	})

	if res.Failed() || !res.RolledBack || res.Attempts != 3 || res.Err == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	busLoadIs(t, net, 2, 40, 30)
	if res.WeakestBus != 2 || res.Violations != 2 {
		t.Fatalf("diagnostics = bus %d with %d violations", res.WeakestBus, res.Violations)
	}
}

func TestGenerate_UnrecoverableMarksFailure(t *testing.T) {
	net := testNetwork(t)
	before := net.Loads()
	fs := newFakeSolver()
	overloaded := loadQAbove(2, 35)
	fs.failIf = func(n *grid.Network, opts powerflow.Options) bool {
		return overloaded(n, opts) || opts.Algorithm == powerflow.DampedNewtonRaphson
	}
	metrics := &recordingMetrics{}
	g := newTestGenerator(fs, nil, metrics)

	res := g.Generate(context.Background(), net, model.ScenarioRequest{
		Mode: model.ScenarioSingleBus, Bus: 2, Multiplier: 3,
	})

	if !res.Failed() || res.Violations != -1 || res.WeakestBus != model.NoBus || res.Err == "" {
		t.Fatalf("expected failure marker, got %+v", res)
	}
	if res.ModifiedBus != 2 || res.Multiplier != 3 {
		t.Fatalf("request parameters lost: %+v", res)
	}
	loads := net.Loads()
	if len(loads) != len(before) {
		t.Fatalf("loads changed: %+v", loads)
	}
	busLoadIs(t, net, 2, 40, 30)
	if metrics.scenarios[0] != string(model.ScenarioSingleBus)+":failed" {
		t.Fatalf("recorded scenarios = %v", metrics.scenarios)
	}
}

func TestGenerate_UnknownModeFallsBackToAutoWeakest(t *testing.T) {
	net := testNetwork(t)
	g := newTestGenerator(newFakeSolver(), nil, nil)

	res := g.Generate(context.Background(), net, model.ScenarioRequest{Mode: "bogus"})
	if res.Mode != model.ScenarioAutoWeakest || res.ModifiedBus != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
}
