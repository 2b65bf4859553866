package core

import (
	"context"
	"testing"

	"github.com/signalsfoundry/voltcomp/grid"
	"github.com/signalsfoundry/voltcomp/model"
	"github.com/signalsfoundry/voltcomp/powerflow"
)

func newTestEngine(fs *fakeSolver) *SearchEngine {
	return NewSearchEngine(NewRetryController(fs, RetryPolicy{}), 0, 0, nil)
}

func checkImprovement(t *testing.T, r model.CompensationResult) {
	t.Helper()
	if r.FinalVoltage < r.InitialVoltage {
		t.Fatalf("final voltage %v below initial %v", r.FinalVoltage, r.InitialVoltage)
	}
	if !approx(r.Improvement, r.FinalVoltage-r.InitialVoltage, 1e-12) {
		t.Fatalf("improvement %v does not match %v - %v", r.Improvement, r.FinalVoltage, r.InitialVoltage)
	}
}

func shuntMvarAt(net *grid.Network, bus model.BusID) (float64, int) {
	total := 0.0
	shunts := net.ShuntsAt(bus)
	for _, sh := range shunts {
		total += sh.InjectionMvar()
	}
	return total, len(shunts)
}

func TestCompensateBus_ReachesTarget(t *testing.T) {
	net := testNetwork(t)
	e := newTestEngine(newFakeSolver())

	r := e.CompensateBus(context.Background(), net, 2, DefaultSearchLimits())

	if r.Status != model.StatusSuccess || r.Termination != model.TerminationTargetReached {
		t.Fatalf("status=%q termination=%q, want Success/target", r.Status, r.Termination)
	}
	if !approx(r.InitialVoltage, 0.92, 1e-9) {
		t.Fatalf("initial voltage = %v, want 0.92", r.InitialVoltage)
	}
	if !approx(r.QInjectedMvar, 28, 1e-9) || r.FinalVoltage < DefaultThreshold {
		t.Fatalf("q=%v v=%v, want 28 MVAr above threshold", r.QInjectedMvar, r.FinalVoltage)
	}
	if len(r.Steps) != 14 {
		t.Fatalf("steps = %d, want 14", len(r.Steps))
	}
	checkImprovement(t, r)

	q, n := shuntMvarAt(net, 2)
	if n != 1 || !approx(q, 28, 1e-9) {
		t.Fatalf("bus 2 shunts: %d totalling %v MVAr, want one of 28", n, q)
	}
	if sh := net.ShuntsAt(2)[0]; sh.Name != "Compensation_Bus_2" {
		t.Fatalf("shunt name = %q", sh.Name)
	}
	if v, ok := net.Voltage(2); !ok || !approx(v, r.FinalVoltage, 1e-12) {
		t.Fatalf("network voltage %v (ok=%v) does not match result %v", v, ok, r.FinalVoltage)
	}
}

func TestCompensateBus_NoCompensationNeeded(t *testing.T) {
	net := testNetwork(t)
	fs := newFakeSolver()
	e := newTestEngine(fs)

	r := e.CompensateBus(context.Background(), net, 1, DefaultSearchLimits())

	if r.Status != model.StatusNoCompensationNeeded {
		t.Fatalf("status = %q, want %q", r.Status, model.StatusNoCompensationNeeded)
	}
	if r.QInjectedMvar != 0 || len(r.Steps) != 0 || len(net.Shunts()) != 0 {
		t.Fatalf("expected no injection, got %+v with %d shunts", r, len(net.Shunts()))
	}
	if r.InitialVoltage != r.FinalVoltage {
		t.Fatalf("voltages differ: %v vs %v", r.InitialVoltage, r.FinalVoltage)
	}
}

func TestCompensateBus_SecondRunIsNoop(t *testing.T) {
	net := testNetwork(t)
	e := newTestEngine(newFakeSolver())

	first := e.CompensateBus(context.Background(), net, 2, DefaultSearchLimits())
	if first.Status != model.StatusSuccess {
		t.Fatalf("first run status = %q", first.Status)
	}
	second := e.CompensateBus(context.Background(), net, 2, DefaultSearchLimits())
	if second.Status != model.StatusNoCompensationNeeded {
		t.Fatalf("second run status = %q, want %q", second.Status, model.StatusNoCompensationNeeded)
	}
	if q, n := shuntMvarAt(net, 2); n != 1 || !approx(q, first.QInjectedMvar, 1e-9) {
		t.Fatalf("second run changed shunts: %d totalling %v", n, q)
	}
}

func TestCompensateBus_ReplacesExistingShunt(t *testing.T) {
	net := testNetwork(t)
	if _, err := net.AddShunt(2, 0, -4, "old"); err != nil {
		t.Fatalf("AddShunt: %v", err)
	}
	e := newTestEngine(newFakeSolver())

	r := e.CompensateBus(context.Background(), net, 2, DefaultSearchLimits())

	if !approx(r.InitialVoltage, 0.9244, 1e-9) {
		t.Fatalf("initial voltage = %v, want 0.9244 measured with the existing shunt", r.InitialVoltage)
	}
	if r.Status != model.StatusSuccess || !approx(r.QInjectedMvar, 28, 1e-9) {
		t.Fatalf("unexpected result %+v", r)
	}
	if len(r.Steps) != 14 {
		t.Fatalf("steps = %d, want 14", len(r.Steps))
	}
	if q, n := shuntMvarAt(net, 2); n != 1 || !approx(q, 28, 1e-9) {
		t.Fatalf("bus 2 shunts: %d totalling %v", n, q)
	}
	checkImprovement(t, r)
}

func TestCompensateBus_FailingStepsKeepExistingShunt(t *testing.T) {
	net := testNetwork(t)
	if _, err := net.AddShunt(2, 0, -20, "old"); err != nil {
		t.Fatalf("AddShunt: %v", err)
	}
	fs := newFakeSolver()
	fs.failIf = func(net *grid.Network, _ powerflow.Options) bool {
		q, _ := shuntMvarAt(net, 2)
		return q > 0.5 && q < 19.5
	}
	e := newTestEngine(fs)

	r := e.CompensateBus(context.Background(), net, 2, DefaultSearchLimits())

	if !approx(r.InitialVoltage, 0.942, 1e-9) || !approx(r.FinalVoltage, 0.942, 1e-9) {
		t.Fatalf("voltages = (%v, %v), want both 0.942", r.InitialVoltage, r.FinalVoltage)
	}
	if !approx(r.QInjectedMvar, 20, 1e-9) || r.Improvement != 0 {
		t.Fatalf("result = %+v, want the existing 20 MVAr and no improvement", r)
	}
	if r.Status != model.StatusLimitedImprovement || r.Termination != model.TerminationSolverFailure {
		t.Fatalf("status=%q termination=%q", r.Status, r.Termination)
	}
	shunts := net.ShuntsAt(2)
	if len(shunts) != 1 || shunts[0].Name != "old" || !approx(shunts[0].InjectionMvar(), 20, 1e-9) {
		t.Fatalf("bus 2 shunts = %+v, want the original 20 MVAr shunt", shunts)
	}
	if v, ok := net.Voltage(2); !ok || !approx(v, 0.942, 1e-9) {
		t.Fatalf("bus 2 voltage = %v (ok=%v), want 0.942", v, ok)
	}
}

func TestCompensateBus_BareBusUnsolvableKeepsExistingShunt(t *testing.T) {
	net := testNetwork(t)
	if _, err := net.AddShunt(2, 0, -10, "old"); err != nil {
		t.Fatalf("AddShunt: %v", err)
	}
	fs := newFakeSolver()
	fs.failIf = func(net *grid.Network, _ powerflow.Options) bool {
		q, _ := shuntMvarAt(net, 2)
		return q < 0.5
	}
	e := newTestEngine(fs)

	r := e.CompensateBus(context.Background(), net, 2, DefaultSearchLimits())

	if r.Status != model.StatusPowerFlowFailed {
		t.Fatalf("status = %q, want %q", r.Status, model.StatusPowerFlowFailed)
	}
	if !approx(r.QInjectedMvar, 10, 1e-9) || !approx(r.FinalVoltage, 0.931, 1e-9) || !approx(r.InitialVoltage, 0.931, 1e-9) {
		t.Fatalf("result = %+v, want (10, 0.931)", r)
	}
	if q, n := shuntMvarAt(net, 2); n != 1 || !approx(q, 10, 1e-9) {
		t.Fatalf("bus 2 shunts: %d totalling %v, want the original 10", n, q)
	}
}

func TestCompensateBus_PlateauKeepsBestInjection(t *testing.T) {
	net := testNetwork(t)
	fs := newFakeSolver()
	fs.saturation = 10
	e := newTestEngine(fs)

	r := e.CompensateBus(context.Background(), net, 2, DefaultSearchLimits())

	if r.Termination != model.TerminationPlateau || r.Status != model.StatusLimitedImprovement {
		t.Fatalf("termination=%q status=%q, want plateau/Limited improvement", r.Termination, r.Status)
	}
	if !approx(r.QInjectedMvar, 10, 1e-9) || !approx(r.FinalVoltage, 0.931, 1e-9) {
		t.Fatalf("best pair = (%v, %v), want (10, 0.931)", r.QInjectedMvar, r.FinalVoltage)
	}
	if len(r.Steps) != 6 {
		t.Fatalf("steps = %d, want 6", len(r.Steps))
	}
	if q, _ := shuntMvarAt(net, 2); !approx(q, 10, 1e-9) {
		t.Fatalf("network holds %v MVAr, want the best 10", q)
	}
	checkImprovement(t, r)
}

func TestCompensateBus_CapReached(t *testing.T) {
	net := testNetwork(t)
	e := newTestEngine(newFakeSolver())
	limits := SearchLimits{MaxQMvar: 10, StepQMvar: 4}

	r := e.CompensateBus(context.Background(), net, 2, limits)

	if r.Termination != model.TerminationCapReached || r.Status != model.StatusLimitedImprovement {
		t.Fatalf("termination=%q status=%q", r.Termination, r.Status)
	}
	if len(r.Steps) != limits.MaxSteps() || limits.MaxSteps() != 3 {
		t.Fatalf("steps = %d, MaxSteps = %d, want 3", len(r.Steps), limits.MaxSteps())
	}
	if last := r.Steps[len(r.Steps)-1]; last.QMvar != 10 {
		t.Fatalf("last step q = %v, want clamp to 10", last.QMvar)
	}
	if !approx(r.QInjectedMvar, 10, 1e-9) {
		t.Fatalf("q = %v, want 10", r.QInjectedMvar)
	}
}

func TestCompensateBus_StabilityEdge(t *testing.T) {
	net := testNetwork(t)
	fs := newFakeSolver()
	fs.failIf = shuntAbove(2, 5)
	e := newTestEngine(fs)

	r := e.CompensateBus(context.Background(), net, 2, DefaultSearchLimits())

	if r.Termination != model.TerminationStabilityEdge {
		t.Fatalf("termination = %q, want %q", r.Termination, model.TerminationStabilityEdge)
	}
	last := r.Steps[len(r.Steps)-1]
	if last.Outcome != model.StepBackedOff || last.Attempts != 3 {
		t.Fatalf("last step = %+v, want backed off after 3 attempts", last)
	}
	// 4 + 2*0.7*0.7
	if !approx(r.QInjectedMvar, 4.98, 1e-9) {
		t.Fatalf("q = %v, want 4.98", r.QInjectedMvar)
	}
	checkImprovement(t, r)
}

func TestCompensateBus_RollbackKeepsBestInjection(t *testing.T) {
	net := testNetwork(t)
	fs := newFakeSolver()
	fs.failIf = shuntAbove(2, 4.5)
	e := newTestEngine(fs)

	r := e.CompensateBus(context.Background(), net, 2, DefaultSearchLimits())

	if r.Termination != model.TerminationSolverFailure || r.Status != model.StatusLimitedImprovement {
		t.Fatalf("termination=%q status=%q", r.Termination, r.Status)
	}
	if len(r.Steps) != 3 || r.Steps[2].Outcome != model.StepRolledBack {
		t.Fatalf("steps = %+v, want two converged then one rolled back", r.Steps)
	}
	if !approx(r.QInjectedMvar, 4, 1e-9) {
		t.Fatalf("q = %v, want 4", r.QInjectedMvar)
	}
	if q, _ := shuntMvarAt(net, 2); !approx(q, 4, 1e-9) {
		t.Fatalf("network holds %v MVAr, want 4", q)
	}
}

func TestCompensateBus_UnrecoverableStepKeepsPriorState(t *testing.T) {
	net := testNetwork(t)
	fs := newFakeSolver()
	fs.failIf = func(n *grid.Network, opts powerflow.Options) bool {
		return len(n.Shunts()) > 0 || opts.Algorithm == powerflow.DampedNewtonRaphson
	}
	e := newTestEngine(fs)

	r := e.CompensateBus(context.Background(), net, 2, DefaultSearchLimits())

	if r.Status != model.StatusPowerFlowFailed || r.Termination != model.TerminationSolverFailure {
		t.Fatalf("status=%q termination=%q", r.Status, r.Termination)
	}
	if len(r.Steps) != 1 || r.Steps[0].Outcome != model.StepFailed {
		t.Fatalf("steps = %+v, want a single failed step", r.Steps)
	}
	if r.QInjectedMvar != 0 || r.FinalVoltage != r.InitialVoltage {
		t.Fatalf("best pair should be the initial state, got %+v", r)
	}
	if len(net.Shunts()) != 0 {
		t.Fatalf("shunts left behind: %+v", net.Shunts())
	}
	if len(r.Steps) > DefaultSearchLimits().MaxSteps() {
		t.Fatalf("step bound exceeded")
	}
}

func TestCompensateBus_UnknownBusFallsBackToWeakest(t *testing.T) {
	net := testNetwork(t)
	e := newTestEngine(newFakeSolver())

	r := e.CompensateBus(context.Background(), net, 99, DefaultSearchLimits())

	if r.Bus != 2 {
		t.Fatalf("bus = %d, want the weakest bus 2", r.Bus)
	}
	if r.Status != model.StatusSuccess || !approx(r.QInjectedMvar, 28, 1e-9) {
		t.Fatalf("unexpected result %+v", r)
	}
	if net.HasBus(99) {
		t.Fatalf("unknown bus must not be created")
	}
}

func TestSearchLimitsMaxSteps(t *testing.T) {
	cases := []struct {
		limits SearchLimits
		want   int
	}{
		{DefaultSearchLimits(), 50},
		{SearchLimits{MaxQMvar: 75, StepQMvar: 2}, 38},
		{SearchLimits{MaxQMvar: 10, StepQMvar: 1}, 10},
		{SearchLimits{}, 50},
	}
	for _, tc := range cases {
		if got := tc.limits.MaxSteps(); got != tc.want {
			t.Fatalf("MaxSteps(%+v) = %d, want %d", tc.limits, got, tc.want)
		}
	}
}
