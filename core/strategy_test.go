package core

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/voltcomp/grid"
	"github.com/signalsfoundry/voltcomp/model"
	"github.com/signalsfoundry/voltcomp/powerflow"
)

type recordingMetrics struct {
	mu            sync.Mutex
	scenarios     []string
	compensations []string
	minVoltage    float64
	violations    int
}

func (m *recordingMetrics) RecordScenario(mode string, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if failed {
		mode += ":failed"
	}
	m.scenarios = append(m.scenarios, mode)
}

func (m *recordingMetrics) RecordCompensation(strategy, status string, _ float64, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compensations = append(m.compensations, strategy+":"+status)
}

func (m *recordingMetrics) SetVoltageState(minVoltage float64, violations int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.minVoltage, m.violations = minVoltage, violations
}

func (m *recordingMetrics) ObserveSolve(string, time.Duration, error) {}
func (m *recordingMetrics) IncBackoffs()                              {}
func (m *recordingMetrics) IncRollbacks(bool)                         {}

func newTestSelector(fs *fakeSolver, maxBuses int, metrics CompensationMetricsRecorder) *StrategySelector {
	retry := NewRetryController(fs, RetryPolicy{})
	engine := NewSearchEngine(retry, 0, 0, nil)
	return NewStrategySelector(engine, retry, DefaultSearchLimits(), 0, maxBuses, nil, metrics)
}

func TestApply_TargetedCompensatesWeakestOnly(t *testing.T) {
	net := testNetwork(t)
	s := newTestSelector(newFakeSolver(), 0, nil)

	res := s.Apply(context.Background(), net, model.StrategyTargeted)

	if len(res.Results) != 1 || res.Results[0].Bus != 2 {
		t.Fatalf("results = %+v, want only bus 2", res.Results)
	}
	if res.Message != "" {
		t.Fatalf("unexpected message %q", res.Message)
	}
	if len(net.ShuntsAt(3)) != 0 {
		t.Fatalf("targeted strategy touched bus 3")
	}
}

func TestApply_GlobalTotalsEveryBus(t *testing.T) {
	net := testNetwork(t)
	metrics := &recordingMetrics{}
	s := newTestSelector(newFakeSolver(), 0, metrics)

	res := s.Apply(context.Background(), net, model.StrategyGlobal)

	if len(res.Results) != 2 || res.Results[0].Bus != 2 || res.Results[1].Bus != 3 {
		t.Fatalf("results = %+v, want buses 2 then 3", res.Results)
	}
	sum := 0.0
	for _, r := range res.Results {
		sum += r.QInjectedMvar
		if r.Status != model.StatusSuccess {
			t.Fatalf("bus %d status %q", r.Bus, r.Status)
		}
	}
	if !approx(res.TotalQMvar, sum, 1e-9) || !approx(sum, 42, 1e-9) {
		t.Fatalf("total = %v, sum = %v, want 42", res.TotalQMvar, sum)
	}
	if len(metrics.compensations) != 2 {
		t.Fatalf("recorded compensations = %v", metrics.compensations)
	}
}

func TestApply_GlobalKeepsRecoveredBusInResults(t *testing.T) {
	net := testNetwork(t)
	fs := newFakeSolver()
	fs.coupling = 0.001
	s := newTestSelector(fs, 0, nil)

	res := s.Apply(context.Background(), net, model.StrategyGlobal)

	if len(res.Results) != 2 {
		t.Fatalf("results = %+v", res.Results)
	}
	if got := res.Results[1].Status; got != model.StatusNoCompensationNeeded {
		t.Fatalf("bus 3 status = %q, want %q", got, model.StatusNoCompensationNeeded)
	}
}

func TestApply_GlobalRespectsMaxBuses(t *testing.T) {
	net := testNetwork(t)
	s := newTestSelector(newFakeSolver(), 1, nil)

	res := s.Apply(context.Background(), net, model.StrategyGlobal)
	if len(res.Results) != 1 || res.Results[0].Bus != 2 {
		t.Fatalf("results = %+v, want only bus 2", res.Results)
	}
}

func TestApply_OptimalSkipsRecoveredBuses(t *testing.T) {
	net := testNetwork(t)
	fs := newFakeSolver()
	fs.coupling = 0.001
	s := newTestSelector(fs, 0, nil)

	res := s.Apply(context.Background(), net, model.StrategyOptimal)

	if len(res.Results) != 1 || res.Results[0].Bus != 2 {
		t.Fatalf("results = %+v, want only the weakest bus 2", res.Results)
	}
	if len(net.ShuntsAt(3)) != 0 {
		t.Fatalf("bus 3 should have been skipped")
	}
}

func TestApply_OptimalCapsInjection(t *testing.T) {
	net := testNetwork(t)
	fs := newFakeSolver()
	fs.sensitivity = 0.0001
	s := newTestSelector(fs, 0, nil)

	res := s.Apply(context.Background(), net, model.StrategyOptimal)

	if len(res.Results) != 2 {
		t.Fatalf("results = %+v", res.Results)
	}
	for _, r := range res.Results {
		if r.QInjectedMvar > DefaultOptimalMaxQMvar+1e-9 {
			t.Fatalf("bus %d injected %v above the optimal cap", r.Bus, r.QInjectedMvar)
		}
		if r.Termination != model.TerminationCapReached || r.Status != model.StatusLimitedImprovement {
			t.Fatalf("bus %d termination=%q status=%q", r.Bus, r.Termination, r.Status)
		}
		if len(r.Steps) != 38 {
			t.Fatalf("bus %d steps = %d, want 38", r.Bus, len(r.Steps))
		}
	}
}

func TestApply_NoViolations(t *testing.T) {
	net := testNetwork(t)
	retry := NewRetryController(newFakeSolver(), RetryPolicy{})
	engine := NewSearchEngine(retry, 0.9, 0, nil)
	s := NewStrategySelector(engine, retry, DefaultSearchLimits(), 0, 0, nil, nil)

	for _, strategy := range model.Strategies() {
		res := s.Apply(context.Background(), net, strategy)
		if res.Message != msgNoCompensation || len(res.Results) != 0 || res.TotalQMvar != 0 {
			t.Fatalf("%s: unexpected result %+v", strategy, res)
		}
	}
}

func TestApply_UnknownStrategyFallsBackToTargeted(t *testing.T) {
	net := testNetwork(t)
	s := newTestSelector(newFakeSolver(), 0, nil)

	res := s.Apply(context.Background(), net, model.Strategy("magic"))
	if res.Strategy != model.StrategyTargeted {
		t.Fatalf("strategy = %q, want targeted", res.Strategy)
	}
	if len(res.Results) != 1 {
		t.Fatalf("results = %+v", res.Results)
	}
}

func TestApply_PowerFlowFailure(t *testing.T) {
	net := testNetwork(t)
	fs := newFakeSolver()
	fs.failIf = func(*grid.Network, powerflow.Options) bool { return true }
	s := newTestSelector(fs, 0, nil)

	res := s.Apply(context.Background(), net, model.StrategyGlobal)
	if !strings.HasPrefix(res.Message, "Power flow failed") {
		t.Fatalf("message = %q", res.Message)
	}
	if len(res.Results) != 0 || len(net.Shunts()) != 0 {
		t.Fatalf("nothing should be compensated, got %+v", res)
	}
}
