package model

import "fmt"

// BusID identifies a bus. IDs are zero-based, matching the row order of the
// case file they were loaded from.
type BusID int

// NoBus marks the absence of a bus, e.g. the weakest bus of a scenario whose
// power flow could not be solved.
const NoBus BusID = -1

func (id BusID) String() string {
	if id == NoBus {
		return "none"
	}
	return fmt.Sprintf("%d", int(id))
}

// BusKind is the load-flow role of a bus.
type BusKind int

const (
	BusPQ    BusKind = iota // load bus, P and Q specified
	BusPV                   // generator bus, P and |V| specified
	BusSlack                // reference bus, |V| and angle specified
)

func (k BusKind) String() string {
	switch k {
	case BusPV:
		return "pv"
	case BusSlack:
		return "slack"
	default:
		return "pq"
	}
}

// Bus is a node of the network where voltage is measured and loads,
// generators and shunts attach.
type Bus struct {
	ID     BusID
	Name   string
	Kind   BusKind
	BaseKV float64

	// VmSetpoint is the regulated voltage magnitude for PV and slack buses.
	VmSetpoint float64

	// GsMW and BsMvar are the fixed shunt admittance of the case itself,
	// as MW consumed and MVAr injected at 1.0 p.u. They are part of the
	// topology, not of the mutable shunt table.
	GsMW   float64
	BsMvar float64
}

// Load is a constant-power demand attached to a bus.
type Load struct {
	ID    int
	Bus   BusID
	PMW   float64
	QMvar float64
	Name  string
}

// Shunt is a fixed admittance attached to a bus, expressed as the power it
// consumes at 1.0 p.u. A capacitive compensation of q MVAr is stored as
// QMvar = -q.
type Shunt struct {
	ID    int
	Bus   BusID
	PMW   float64
	QMvar float64
	Name  string
}

// InjectionMvar returns the reactive support provided by the shunt at 1.0 p.u.
func (s Shunt) InjectionMvar() float64 { return -s.QMvar }

// Branch is a line or transformer between two buses, in per-unit on the
// system base.
type Branch struct {
	From BusID
	To   BusID
	R    float64
	X    float64
	B    float64 // total line charging susceptance

	// Ratio is the off-nominal tap ratio; zero means a plain line.
	Ratio float64
	// ShiftDeg is the phase shift angle in degrees.
	ShiftDeg float64

	InService bool
}

// Generator injects real power at a PV or slack bus and regulates its voltage.
type Generator struct {
	Bus  BusID
	PMW  float64
	VmPU float64
}
