package grid

import (
	"errors"
	"testing"

	"github.com/signalsfoundry/voltcomp/model"
)

// twoBus builds a slack bus feeding one load bus.
func twoBus(t *testing.T) *Network {
	t.Helper()
	n := NewNetwork("two-bus", 0)
	if err := n.AddBus(model.Bus{ID: 0, Kind: model.BusSlack, VmSetpoint: 1.0}); err != nil {
		t.Fatalf("AddBus(0) failed: %v", err)
	}
	if err := n.AddBus(model.Bus{ID: 1, Kind: model.BusPQ}); err != nil {
		t.Fatalf("AddBus(1) failed: %v", err)
	}
	if err := n.AddBranch(model.Branch{From: 0, To: 1, R: 0.01, X: 0.1, InService: true}); err != nil {
		t.Fatalf("AddBranch failed: %v", err)
	}
	return n
}

func TestAddBus_DuplicateIDFails(t *testing.T) {
	n := twoBus(t)
	err := n.AddBus(model.Bus{ID: 1})
	if !errors.Is(err, ErrBusExists) {
		t.Fatalf("expected ErrBusExists, got %v", err)
	}
	if n.BaseMVA() != DefaultBaseMVA {
		t.Fatalf("BaseMVA = %v, want %v", n.BaseMVA(), DefaultBaseMVA)
	}
}

func TestAddBranch_UnknownBusFails(t *testing.T) {
	n := twoBus(t)
	err := n.AddBranch(model.Branch{From: 0, To: 7, X: 0.1})
	if !errors.Is(err, ErrBusNotFound) {
		t.Fatalf("expected ErrBusNotFound, got %v", err)
	}
	if err := n.AddBranch(model.Branch{From: 1, To: 1, X: 0.1}); !errors.Is(err, ErrBadInput) {
		t.Fatalf("expected ErrBadInput for self loop, got %v", err)
	}
}

func TestLoadsAndShuntsKeyedByBus(t *testing.T) {
	n := twoBus(t)

	a, err := n.AddLoad(1, 10, 5, "a")
	if err != nil {
		t.Fatalf("AddLoad failed: %v", err)
	}
	if _, err := n.AddLoad(1, 2, 1, "b"); err != nil {
		t.Fatalf("AddLoad failed: %v", err)
	}
	if _, err := n.AddLoad(9, 1, 1, "nowhere"); !errors.Is(err, ErrBusNotFound) {
		t.Fatalf("expected ErrBusNotFound, got %v", err)
	}

	p, q, ok := n.BusLoad(1)
	if !ok || p != 12 || q != 6 {
		t.Fatalf("BusLoad(1) = (%v, %v, %v), want (12, 6, true)", p, q, ok)
	}
	if _, _, ok := n.BusLoad(0); ok {
		t.Fatalf("bus 0 should carry no load")
	}
	if got := n.LoadBuses(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("LoadBuses = %v, want [1]", got)
	}

	if err := n.SetLoad(a, 20, 10); err != nil {
		t.Fatalf("SetLoad failed: %v", err)
	}
	if l, _ := n.Load(a); l.PMW != 20 || l.QMvar != 10 {
		t.Fatalf("load after SetLoad = %+v", l)
	}
	if err := n.SetLoad(99, 1, 1); !errors.Is(err, ErrLoadNotFound) {
		t.Fatalf("expected ErrLoadNotFound, got %v", err)
	}

	if _, err := n.AddShunt(1, 0, -4, "c1"); err != nil {
		t.Fatalf("AddShunt failed: %v", err)
	}
	if _, err := n.AddShunt(1, 0, -6, "c2"); err != nil {
		t.Fatalf("AddShunt failed: %v", err)
	}
	if got := n.ShuntsAt(1); len(got) != 2 || got[1].InjectionMvar() != 6 {
		t.Fatalf("ShuntsAt(1) = %+v", got)
	}
	if removed := n.RemoveShuntsAt(1); removed != 2 {
		t.Fatalf("RemoveShuntsAt removed %d, want 2", removed)
	}
	if len(n.Shunts()) != 0 {
		t.Fatalf("expected no shunts left")
	}
}

func TestMutationInvalidatesVoltages(t *testing.T) {
	n := twoBus(t)
	n.SetVoltages(model.VoltageProfile{0: 1.0, 1: 0.97})

	if v, ok := n.Voltage(1); !ok || v != 0.97 {
		t.Fatalf("Voltage(1) = (%v, %v)", v, ok)
	}
	if _, err := n.AddLoad(1, 1, 1, ""); err != nil {
		t.Fatalf("AddLoad failed: %v", err)
	}
	if _, ok := n.Voltages(); ok {
		t.Fatalf("voltages must be invalid after a load mutation")
	}
}

func TestSnapshotRestoreIsExact(t *testing.T) {
	n := twoBus(t)
	id, _ := n.AddLoad(1, 10, 5, "a")
	n.SetVoltages(model.VoltageProfile{0: 1.0, 1: 0.96})
	snap := n.Snapshot()

	_ = n.SetLoad(id, 50, 25)
	_, _ = n.AddLoad(1, 3, 3, "extra")
	_, _ = n.AddShunt(1, 0, -10, "comp")

	n.Restore(snap)

	loads := n.Loads()
	if len(loads) != 1 || loads[0].PMW != 10 || loads[0].QMvar != 5 {
		t.Fatalf("loads after restore = %+v", loads)
	}
	if len(n.Shunts()) != 0 {
		t.Fatalf("shunts after restore = %+v", n.Shunts())
	}
	if v, ok := n.Voltage(1); !ok || v != 0.96 {
		t.Fatalf("voltage after restore = (%v, %v), want (0.96, true)", v, ok)
	}

	// The snapshot is independent of later mutations.
	_ = n.SetLoad(id, 1, 1)
	if got := snap.Loads()[0].PMW; got != 10 {
		t.Fatalf("snapshot changed underneath: P = %v", got)
	}
}

func TestRestoreLoadsAtTouchesOneBus(t *testing.T) {
	n := twoBus(t)
	if err := n.AddBus(model.Bus{ID: 2}); err != nil {
		t.Fatalf("AddBus failed: %v", err)
	}
	a, _ := n.AddLoad(1, 10, 5, "a")
	b, _ := n.AddLoad(2, 7, 3, "b")
	snap := n.Snapshot()

	_ = n.SetLoad(a, 99, 99)
	_ = n.SetLoad(b, 70, 30)
	created, _ := n.AddLoad(1, 1, 1, "created")
	_, _ = n.AddShunt(2, 0, -2, "keep")

	n.RestoreLoadsAt(snap, 1)

	if l, _ := n.Load(a); l.PMW != 10 || l.QMvar != 5 {
		t.Fatalf("bus 1 load not restored: %+v", l)
	}
	if _, ok := n.Load(created); ok {
		t.Fatalf("created load should be gone")
	}
	if l, _ := n.Load(b); l.PMW != 70 {
		t.Fatalf("bus 2 load must be untouched, got %+v", l)
	}
	if len(n.ShuntsAt(2)) != 1 {
		t.Fatalf("shunts must be untouched")
	}
}
