package grid

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/voltcomp/model"
)

var (
	ErrBusNotFound   = errors.New("bus not found")
	ErrBusExists     = errors.New("bus already exists")
	ErrLoadNotFound  = errors.New("load not found")
	ErrShuntNotFound = errors.New("shunt not found")
	ErrBadInput      = errors.New("invalid network element")
)

// DefaultBaseMVA is the system base used when a case does not name one.
const DefaultBaseMVA = 100.0

// Network is the in-memory store for one power system case: buses, branches,
// generators, loads and shunts, plus the per-bus voltage magnitudes of the
// most recent successful solve.
//
// Voltages are only valid until the next load or shunt mutation. Callers
// that need them afterwards must solve again.
type Network struct {
	mu sync.RWMutex

	name    string
	baseMVA float64

	buses      map[model.BusID]*model.Bus
	branches   []model.Branch
	generators []model.Generator
	loads      map[int]*model.Load
	shunts     map[int]*model.Shunt

	nextLoadID  int
	nextShuntID int

	voltages      model.VoltageProfile
	voltagesValid bool
}

// NewNetwork creates an empty network. A non-positive baseMVA falls back to
// DefaultBaseMVA.
func NewNetwork(name string, baseMVA float64) *Network {
	if baseMVA <= 0 {
		baseMVA = DefaultBaseMVA
	}
	return &Network{
		name:    name,
		baseMVA: baseMVA,
		buses:   make(map[model.BusID]*model.Bus),
		loads:   make(map[int]*model.Load),
		shunts:  make(map[int]*model.Shunt),
	}
}

func (n *Network) Name() string     { return n.name }
func (n *Network) BaseMVA() float64 { return n.baseMVA }

//
// ---------- Topology ----------
//

// AddBus inserts a bus. IDs must be unique and non-negative.
func (n *Network) AddBus(b model.Bus) error {
	if b.ID < 0 {
		return fmt.Errorf("%w: bus id %d", ErrBadInput, b.ID)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.buses[b.ID]; exists {
		return fmt.Errorf("%w: %d", ErrBusExists, b.ID)
	}
	bus := b
	n.buses[b.ID] = &bus
	n.invalidateLocked()
	return nil
}

// Bus returns a copy of the bus with the given id.
func (n *Network) Bus(id model.BusID) (model.Bus, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	b, ok := n.buses[id]
	if !ok {
		return model.Bus{}, false
	}
	return *b, true
}

// HasBus reports whether the bus exists.
func (n *Network) HasBus(id model.BusID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.buses[id]
	return ok
}

// Buses returns all buses in ascending id order.
func (n *Network) Buses() []model.Bus {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]model.Bus, 0, len(n.buses))
	for _, b := range n.buses {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BusIDs returns all bus ids in ascending order.
func (n *Network) BusIDs() []model.BusID {
	buses := n.Buses()
	ids := make([]model.BusID, len(buses))
	for i, b := range buses {
		ids[i] = b.ID
	}
	return ids
}

// AddBranch connects two existing buses.
func (n *Network) AddBranch(br model.Branch) error {
	if br.From == br.To {
		return fmt.Errorf("%w: branch %d-%d is a self loop", ErrBadInput, br.From, br.To)
	}
	if br.R == 0 && br.X == 0 {
		return fmt.Errorf("%w: branch %d-%d has zero impedance", ErrBadInput, br.From, br.To)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	for _, id := range []model.BusID{br.From, br.To} {
		if _, ok := n.buses[id]; !ok {
			return fmt.Errorf("%w: %d", ErrBusNotFound, id)
		}
	}
	n.branches = append(n.branches, br)
	n.invalidateLocked()
	return nil
}

// Branches returns a copy of the branch list in insertion order.
func (n *Network) Branches() []model.Branch {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]model.Branch(nil), n.branches...)
}

// AddGenerator attaches a generator to an existing bus.
func (n *Network) AddGenerator(g model.Generator) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.buses[g.Bus]; !ok {
		return fmt.Errorf("%w: %d", ErrBusNotFound, g.Bus)
	}
	n.generators = append(n.generators, g)
	n.invalidateLocked()
	return nil
}

// Generators returns a copy of the generator list.
func (n *Network) Generators() []model.Generator {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]model.Generator(nil), n.generators...)
}

//
// ---------- Loads ----------
//

// AddLoad attaches a new load to bus and returns its id.
func (n *Network) AddLoad(bus model.BusID, pMW, qMvar float64, name string) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.buses[bus]; !ok {
		return 0, fmt.Errorf("%w: %d", ErrBusNotFound, bus)
	}
	id := n.nextLoadID
	n.nextLoadID++
	n.loads[id] = &model.Load{ID: id, Bus: bus, PMW: pMW, QMvar: qMvar, Name: name}
	n.invalidateLocked()
	return id, nil
}

// Load returns a copy of the load with the given id.
func (n *Network) Load(id int) (model.Load, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	l, ok := n.loads[id]
	if !ok {
		return model.Load{}, false
	}
	return *l, true
}

// SetLoad overwrites the demand of an existing load.
func (n *Network) SetLoad(id int, pMW, qMvar float64) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	l, ok := n.loads[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrLoadNotFound, id)
	}
	l.PMW, l.QMvar = pMW, qMvar
	n.invalidateLocked()
	return nil
}

// RemoveLoad deletes a load.
func (n *Network) RemoveLoad(id int) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.loads[id]; !ok {
		return fmt.Errorf("%w: %d", ErrLoadNotFound, id)
	}
	delete(n.loads, id)
	n.invalidateLocked()
	return nil
}

// Loads returns every load in ascending id order.
func (n *Network) Loads() []model.Load {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return sortedLoads(n.loads, func(model.Load) bool { return true })
}

// LoadsAt returns the loads attached to bus in ascending id order.
func (n *Network) LoadsAt(bus model.BusID) []model.Load {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return sortedLoads(n.loads, func(l model.Load) bool { return l.Bus == bus })
}

// LoadBuses returns the distinct buses carrying at least one load, ascending.
func (n *Network) LoadBuses() []model.BusID {
	n.mu.RLock()
	defer n.mu.RUnlock()

	seen := make(map[model.BusID]struct{})
	for _, l := range n.loads {
		seen[l.Bus] = struct{}{}
	}
	out := make([]model.BusID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// BusLoad sums the demand at bus. ok is false when the bus has no load.
func (n *Network) BusLoad(bus model.BusID) (pMW, qMvar float64, ok bool) {
	for _, l := range n.LoadsAt(bus) {
		pMW += l.PMW
		qMvar += l.QMvar
		ok = true
	}
	return pMW, qMvar, ok
}

func sortedLoads(m map[int]*model.Load, keep func(model.Load) bool) []model.Load {
	out := make([]model.Load, 0, len(m))
	for _, l := range m {
		if keep(*l) {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

//
// ---------- Shunts ----------
//

// AddShunt attaches a shunt to bus and returns its id. qMvar follows the
// consumption convention of model.Shunt.
func (n *Network) AddShunt(bus model.BusID, pMW, qMvar float64, name string) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.buses[bus]; !ok {
		return 0, fmt.Errorf("%w: %d", ErrBusNotFound, bus)
	}
	id := n.nextShuntID
	n.nextShuntID++
	n.shunts[id] = &model.Shunt{ID: id, Bus: bus, PMW: pMW, QMvar: qMvar, Name: name}
	n.invalidateLocked()
	return id, nil
}

// RemoveShunt deletes a shunt.
func (n *Network) RemoveShunt(id int) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.shunts[id]; !ok {
		return fmt.Errorf("%w: %d", ErrShuntNotFound, id)
	}
	delete(n.shunts, id)
	n.invalidateLocked()
	return nil
}

// RemoveShuntsAt deletes every shunt attached to bus and returns how many
// were removed.
func (n *Network) RemoveShuntsAt(bus model.BusID) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	removed := 0
	for id, s := range n.shunts {
		if s.Bus == bus {
			delete(n.shunts, id)
			removed++
		}
	}
	if removed > 0 {
		n.invalidateLocked()
	}
	return removed
}

// Shunts returns every shunt in ascending id order.
func (n *Network) Shunts() []model.Shunt {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return sortedShunts(n.shunts, func(model.Shunt) bool { return true })
}

// ShuntsAt returns the shunts attached to bus in ascending id order.
func (n *Network) ShuntsAt(bus model.BusID) []model.Shunt {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return sortedShunts(n.shunts, func(s model.Shunt) bool { return s.Bus == bus })
}

func sortedShunts(m map[int]*model.Shunt, keep func(model.Shunt) bool) []model.Shunt {
	out := make([]model.Shunt, 0, len(m))
	for _, s := range m {
		if keep(*s) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

//
// ---------- Voltage results ----------
//

// SetVoltages stores the result of a successful solve.
func (n *Network) SetVoltages(vp model.VoltageProfile) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.voltages = vp.Clone()
	n.voltagesValid = vp != nil
}

// Voltages returns the last solved profile. ok is false when no solve has
// happened since the last mutation.
func (n *Network) Voltages() (model.VoltageProfile, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.voltagesValid {
		return nil, false
	}
	return n.voltages.Clone(), true
}

// Voltage returns the solved magnitude at bus.
func (n *Network) Voltage(bus model.BusID) (float64, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.voltagesValid {
		return 0, false
	}
	v, ok := n.voltages[bus]
	return v, ok
}

// InvalidateVoltages discards the stored solve result.
func (n *Network) InvalidateVoltages() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.invalidateLocked()
}

func (n *Network) invalidateLocked() {
	n.voltagesValid = false
}
