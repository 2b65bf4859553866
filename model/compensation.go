package model

// CompensationStatus is the outcome of a single-bus compensation search.
type CompensationStatus string

const (
	StatusSuccess              CompensationStatus = "Success"
	StatusLimitedImprovement   CompensationStatus = "Limited improvement"
	StatusPowerFlowFailed      CompensationStatus = "Power flow failed"
	StatusNoCompensationNeeded CompensationStatus = "No compensation needed"
)

// Termination records why a search loop stopped.
type Termination string

const (
	TerminationNone          Termination = ""               // no search was run
	TerminationTargetReached Termination = "target"         // voltage reached the threshold
	TerminationPlateau       Termination = "plateau"        // no material improvement
	TerminationCapReached    Termination = "cap"            // injection cap exhausted
	TerminationStabilityEdge Termination = "stability_edge" // step only converged after backoff
	TerminationSolverFailure Termination = "solver_failure" // step diverged, best state restored
)

// StepOutcome classifies one injection step of a search.
type StepOutcome string

const (
	StepConverged  StepOutcome = "converged"
	StepBackedOff  StepOutcome = "backed_off"
	StepRolledBack StepOutcome = "rolled_back"
	StepFailed     StepOutcome = "failed"
)

// SearchStep is one injection tried by the search engine.
type SearchStep struct {
	QMvar     float64     `json:"q_mvar" yaml:"q_mvar"`
	VoltagePU float64     `json:"voltage_pu" yaml:"voltage_pu"`
	Attempts  int         `json:"attempts" yaml:"attempts"`
	Outcome   StepOutcome `json:"outcome" yaml:"outcome"`
}

// CompensationResult is the per-bus outcome of a compensation search.
// QInjectedMvar and FinalVoltage always describe the best-voltage state
// observed, which is also the state left on the network.
type CompensationResult struct {
	Bus            BusID              `json:"bus_id" yaml:"bus_id"`
	InitialVoltage float64            `json:"initial_voltage" yaml:"initial_voltage"`
	FinalVoltage   float64            `json:"final_voltage" yaml:"final_voltage"`
	QInjectedMvar  float64            `json:"q_injected" yaml:"q_injected"`
	Improvement    float64            `json:"improvement" yaml:"improvement"`
	Status         CompensationStatus `json:"status" yaml:"status"`
	Termination    Termination        `json:"termination,omitempty" yaml:"termination,omitempty"`
	Steps          []SearchStep       `json:"steps,omitempty" yaml:"steps,omitempty"`
}

// Strategy selects which violating buses get compensated and in what order.
type Strategy string

const (
	StrategyTargeted Strategy = "targeted"
	StrategyGlobal   Strategy = "global"
	StrategyOptimal  Strategy = "optimal"
)

// Strategies lists the supported strategies in menu order.
func Strategies() []Strategy {
	return []Strategy{StrategyTargeted, StrategyGlobal, StrategyOptimal}
}

// Valid reports whether s names a supported strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyTargeted, StrategyGlobal, StrategyOptimal:
		return true
	}
	return false
}

// StrategyResult aggregates the compensation results of one strategy run.
type StrategyResult struct {
	Strategy   Strategy             `json:"strategy" yaml:"strategy"`
	Results    []CompensationResult `json:"compensated_buses" yaml:"compensated_buses"`
	TotalQMvar float64              `json:"total_q_injected" yaml:"total_q_injected"`
	Message    string               `json:"message,omitempty" yaml:"message,omitempty"`
}
