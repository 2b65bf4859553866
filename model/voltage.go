package model

import (
	"math"
	"sort"
)

// VoltageProfile maps buses to per-unit voltage magnitudes from one solve.
type VoltageProfile map[BusID]float64

// Buses returns the bus ids of the profile in ascending order.
func (vp VoltageProfile) Buses() []BusID {
	ids := make([]BusID, 0, len(vp))
	for id := range vp {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Weakest returns the bus with the lowest voltage. Ties go to the lowest id.
// An empty profile yields (NoBus, 0).
func (vp VoltageProfile) Weakest() (BusID, float64) {
	weakest, minV := NoBus, math.Inf(1)
	for _, id := range vp.Buses() {
		if v := vp[id]; v < minV {
			weakest, minV = id, v
		}
	}
	if weakest == NoBus {
		return NoBus, 0
	}
	return weakest, minV
}

// Below returns the buses whose voltage is strictly below threshold, in
// ascending id order.
func (vp VoltageProfile) Below(threshold float64) []BusID {
	var out []BusID
	for _, id := range vp.Buses() {
		if vp[id] < threshold {
			out = append(out, id)
		}
	}
	return out
}

// Violations counts buses strictly below threshold.
func (vp VoltageProfile) Violations(threshold float64) int {
	return len(vp.Below(threshold))
}

// Clone returns an independent copy.
func (vp VoltageProfile) Clone() VoltageProfile {
	if vp == nil {
		return nil
	}
	out := make(VoltageProfile, len(vp))
	for id, v := range vp {
		out[id] = v
	}
	return out
}
