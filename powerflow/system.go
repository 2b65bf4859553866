package powerflow

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/signalsfoundry/voltcomp/grid"
	"github.com/signalsfoundry/voltcomp/model"
)

// system is the per-unit, index-based view of a network used by the solver.
type system struct {
	ids     []model.BusID
	baseMVA float64

	ybus [][]complex128
	sbus []complex128 // specified net injection, generation minus load
	vm0  []float64    // flat start magnitudes, setpoints on PV/slack buses

	slack int
	pv    []int
	pq    []int
}

// buildSystem assembles the bus admittance matrix and the specified
// injections from the current state of net.
func buildSystem(net *grid.Network) (*system, error) {
	buses := net.Buses()
	n := len(buses)
	s := &system{
		ids:     make([]model.BusID, n),
		baseMVA: net.BaseMVA(),
		ybus:    make([][]complex128, n),
		sbus:    make([]complex128, n),
		vm0:     make([]float64, n),
		slack:   -1,
	}
	index := make(map[model.BusID]int, n)
	for i, b := range buses {
		s.ids[i] = b.ID
		index[b.ID] = i
		s.ybus[i] = make([]complex128, n)
		s.vm0[i] = 1.0

		switch b.Kind {
		case model.BusSlack:
			if s.slack >= 0 {
				return nil, fmt.Errorf("buses %d and %d are both slack", s.ids[s.slack], b.ID)
			}
			s.slack = i
			s.vm0[i] = setpoint(b)
		case model.BusPV:
			s.pv = append(s.pv, i)
			s.vm0[i] = setpoint(b)
		default:
			s.pq = append(s.pq, i)
		}

		// Fixed case shunt: Gs consumes, Bs injects.
		s.ybus[i][i] += complex(b.GsMW, b.BsMvar) / complex(s.baseMVA, 0)
	}
	if s.slack < 0 {
		return nil, ErrNoSlack
	}

	for _, br := range net.Branches() {
		if !br.InService {
			continue
		}
		f, t := index[br.From], index[br.To]
		ys := 1 / complex(br.R, br.X)
		ratio := br.Ratio
		if ratio == 0 {
			ratio = 1
		}
		tap := cmplx.Rect(ratio, br.ShiftDeg*math.Pi/180)
		ytt := ys + complex(0, br.B/2)
		s.ybus[f][f] += ytt / complex(ratio*ratio, 0)
		s.ybus[t][t] += ytt
		s.ybus[f][t] += -ys / cmplx.Conj(tap)
		s.ybus[t][f] += -ys / tap
	}

	for _, sh := range net.Shunts() {
		i := index[sh.Bus]
		// Consumption S at 1 p.u. corresponds to admittance conj(S).
		s.ybus[i][i] += complex(sh.PMW, -sh.QMvar) / complex(s.baseMVA, 0)
	}

	for _, l := range net.Loads() {
		i := index[l.Bus]
		s.sbus[i] -= complex(l.PMW, l.QMvar) / complex(s.baseMVA, 0)
	}
	for _, g := range net.Generators() {
		i := index[g.Bus]
		if i == s.slack {
			continue
		}
		s.sbus[i] += complex(g.PMW/s.baseMVA, 0)
	}

	return s, nil
}

func setpoint(b model.Bus) float64 {
	if b.VmSetpoint > 0 {
		return b.VmSetpoint
	}
	return 1.0
}

// injections returns the calculated complex power injection V·conj(Ybus·V)
// and the bus currents Ybus·V.
func (s *system) injections(v []complex128) (sCalc, ibus []complex128) {
	n := len(v)
	sCalc = make([]complex128, n)
	ibus = make([]complex128, n)
	for i := 0; i < n; i++ {
		var acc complex128
		row := s.ybus[i]
		for k := 0; k < n; k++ {
			if row[k] != 0 {
				acc += row[k] * v[k]
			}
		}
		ibus[i] = acc
		sCalc[i] = v[i] * cmplx.Conj(acc)
	}
	return sCalc, ibus
}
