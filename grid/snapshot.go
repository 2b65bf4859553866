package grid

import "github.com/signalsfoundry/voltcomp/model"

// Snapshot is a deep copy of the mutable state of a Network: loads, shunts,
// id counters and the voltage results that were valid when it was taken.
// Topology is immutable once a case is loaded and is not captured.
type Snapshot struct {
	loads       map[int]model.Load
	shunts      map[int]model.Shunt
	nextLoadID  int
	nextShuntID int

	voltages      model.VoltageProfile
	voltagesValid bool
}

// Snapshot captures the current mutable state.
func (n *Network) Snapshot() Snapshot {
	n.mu.RLock()
	defer n.mu.RUnlock()

	s := Snapshot{
		loads:         make(map[int]model.Load, len(n.loads)),
		shunts:        make(map[int]model.Shunt, len(n.shunts)),
		nextLoadID:    n.nextLoadID,
		nextShuntID:   n.nextShuntID,
		voltages:      n.voltages.Clone(),
		voltagesValid: n.voltagesValid,
	}
	for id, l := range n.loads {
		s.loads[id] = *l
	}
	for id, sh := range n.shunts {
		s.shunts[id] = *sh
	}
	return s
}

// Restore puts the network back exactly into the captured state, including
// the voltage results.
func (n *Network) Restore(s Snapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.loads = make(map[int]*model.Load, len(s.loads))
	for id, l := range s.loads {
		l := l
		n.loads[id] = &l
	}
	n.shunts = make(map[int]*model.Shunt, len(s.shunts))
	for id, sh := range s.shunts {
		sh := sh
		n.shunts[id] = &sh
	}
	n.nextLoadID = s.nextLoadID
	n.nextShuntID = s.nextShuntID
	n.voltages = s.voltages.Clone()
	n.voltagesValid = s.voltagesValid
}

// RestoreLoadsAt resets the loads of one bus to the captured state: loads
// added since are removed, removed loads come back and values are reset.
// Other buses and all shunts are untouched.
func (n *Network) RestoreLoadsAt(s Snapshot, bus model.BusID) {
	n.restoreLoads(s, func(b model.BusID) bool { return b == bus })
}

// RestoreLoads resets every load to the captured state, leaving shunts as
// they are.
func (n *Network) RestoreLoads(s Snapshot) {
	n.restoreLoads(s, func(model.BusID) bool { return true })
}

func (n *Network) restoreLoads(s Snapshot, match func(model.BusID) bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for id, l := range n.loads {
		if match(l.Bus) {
			delete(n.loads, id)
		}
	}
	for id, l := range s.loads {
		if match(l.Bus) {
			l := l
			n.loads[id] = &l
		}
	}
	n.invalidateLocked()
}

// Loads returns the captured loads in ascending id order.
func (s Snapshot) Loads() []model.Load {
	m := make(map[int]*model.Load, len(s.loads))
	for id, l := range s.loads {
		l := l
		m[id] = &l
	}
	return sortedLoads(m, func(model.Load) bool { return true })
}

// Shunts returns the captured shunts in ascending id order.
func (s Snapshot) Shunts() []model.Shunt {
	m := make(map[int]*model.Shunt, len(s.shunts))
	for id, sh := range s.shunts {
		sh := sh
		m[id] = &sh
	}
	return sortedShunts(m, func(model.Shunt) bool { return true })
}

// Voltages returns the captured solve result, if one was valid.
func (s Snapshot) Voltages() (model.VoltageProfile, bool) {
	if !s.voltagesValid {
		return nil, false
	}
	return s.voltages.Clone(), true
}
