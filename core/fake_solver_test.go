package core

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/signalsfoundry/voltcomp/grid"
	"github.com/signalsfoundry/voltcomp/model"
	"github.com/signalsfoundry/voltcomp/powerflow"
)

// fakeSolver is a linear voltage model: every bus starts at 1.0 p.u., loses
// voltage with its own load and gains it with shunt injection.
type fakeSolver struct {
	mu    sync.Mutex
	calls []powerflow.Options

	// failNext fails that many upcoming solves regardless of state.
	failNext int
	// failIf fails any solve it returns true for.
	failIf func(net *grid.Network, opts powerflow.Options) bool

	// sensitivity is the p.u. gain per MVAr injected at the same bus.
	sensitivity float64
	// coupling is the p.u. gain per MVAr injected at any other bus.
	coupling float64
	// saturation caps the effective injection per bus when positive.
	saturation float64
}

func newFakeSolver() *fakeSolver {
	return &fakeSolver{sensitivity: 0.0011}
}

func (f *fakeSolver) Solve(ctx context.Context, net *grid.Network, opts powerflow.Options) (model.VoltageProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opts)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.failNext > 0 {
		f.failNext--
		return nil, &powerflow.ConvergenceError{Algorithm: opts.Algorithm, Iterations: opts.MaxIterations, MismatchMVA: 1}
	}
	if f.failIf != nil && f.failIf(net, opts) {
		return nil, fmt.Errorf("%w: fake divergence", powerflow.ErrNotConverged)
	}

	inj := make(map[model.BusID]float64)
	total := 0.0
	for _, sh := range net.Shunts() {
		q := sh.InjectionMvar()
		if f.saturation > 0 && inj[sh.Bus]+q > f.saturation {
			q = f.saturation - inj[sh.Bus]
		}
		inj[sh.Bus] += q
		total += q
	}

	vp := make(model.VoltageProfile)
	for _, id := range net.BusIDs() {
		p, q, _ := net.BusLoad(id)
		vp[id] = 1.0 - 0.0005*p - 0.002*q + f.sensitivity*inj[id] + f.coupling*(total-inj[id])
	}
	return vp, nil
}

func (f *fakeSolver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSolver) lastCall() powerflow.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

// shuntAbove fails every solve with more than limit MVAr injected at bus.
func shuntAbove(bus model.BusID, limit float64) func(*grid.Network, powerflow.Options) bool {
	return func(net *grid.Network, _ powerflow.Options) bool {
		inj := 0.0
		for _, sh := range net.ShuntsAt(bus) {
			inj += sh.InjectionMvar()
		}
		return inj > limit+1e-9
	}
}

// loadQAbove fails every solve with more than limit MVAr of load at bus.
func loadQAbove(bus model.BusID, limit float64) func(*grid.Network, powerflow.Options) bool {
	return func(net *grid.Network, _ powerflow.Options) bool {
		_, q, _ := net.BusLoad(bus)
		return q > limit+1e-9
	}
}

// testNetwork builds five buses. Under fakeSolver bus 1 sits at 0.97 p.u.,
// bus 2 at 0.92, bus 3 at 0.935 and the unloaded bus 4 at 1.0.
func testNetwork(t *testing.T) *grid.Network {
	t.Helper()
	net := grid.NewNetwork("test", grid.DefaultBaseMVA)
	kinds := []model.BusKind{model.BusSlack, model.BusPQ, model.BusPQ, model.BusPQ, model.BusPQ}
	for i, k := range kinds {
		b := model.Bus{ID: model.BusID(i), Name: fmt.Sprintf("Bus %d", i+1), Kind: k, BaseKV: 138}
		if k == model.BusSlack {
			b.VmSetpoint = 1.0
		}
		if err := net.AddBus(b); err != nil {
			t.Fatalf("AddBus(%d): %v", i, err)
		}
	}
	for i := 1; i < len(kinds); i++ {
		if err := net.AddBranch(model.Branch{From: 0, To: model.BusID(i), R: 0.01, X: 0.05, InService: true}); err != nil {
			t.Fatalf("AddBranch: %v", err)
		}
	}
	loads := []struct {
		bus  model.BusID
		p, q float64
	}{{1, 20, 10}, {2, 40, 30}, {3, 30, 25}}
	for _, l := range loads {
		if _, err := net.AddLoad(l.bus, l.p, l.q, ""); err != nil {
			t.Fatalf("AddLoad(%d): %v", l.bus, err)
		}
	}
	return net
}

// scriptedRand returns queued values, repeating the last one.
type scriptedRand struct {
	floats []float64
	ints   []int
}

func (r *scriptedRand) Float64() float64 {
	v := r.floats[0]
	if len(r.floats) > 1 {
		r.floats = r.floats[1:]
	}
	return v
}

func (r *scriptedRand) IntN(n int) int {
	v := r.ints[0]
	if len(r.ints) > 1 {
		r.ints = r.ints[1:]
	}
	return v % n
}

func approx(a, b, tol float64) bool {
	d := a - b
	return d <= tol && d >= -tol
}
