package model

// ScenarioMode selects how a weak-bus scenario is produced.
type ScenarioMode string

const (
	ScenarioSingleBus      ScenarioMode = "single_bus"
	ScenarioAutoWeakest    ScenarioMode = "auto_weakest"
	ScenarioAutoRandom     ScenarioMode = "auto_random"
	ScenarioGlobalIncrease ScenarioMode = "global_increase"
)

// ScenarioModes lists the supported modes in menu order.
func ScenarioModes() []ScenarioMode {
	return []ScenarioMode{ScenarioSingleBus, ScenarioAutoWeakest, ScenarioAutoRandom, ScenarioGlobalIncrease}
}

// Valid reports whether m names a supported mode.
func (m ScenarioMode) Valid() bool {
	switch m {
	case ScenarioSingleBus, ScenarioAutoWeakest, ScenarioAutoRandom, ScenarioGlobalIncrease:
		return true
	}
	return false
}

// ScenarioRequest parameterises a scenario. Bus, Multiplier, AddPMW and
// AddQMvar are only read in single-bus mode.
type ScenarioRequest struct {
	Mode       ScenarioMode
	Bus        BusID
	Multiplier float64
	AddPMW     float64
	AddQMvar   float64
}

// LoadChange records one load mutated by a scenario.
type LoadChange struct {
	LoadID  int     `json:"load_id" yaml:"load_id"`
	Bus     BusID   `json:"bus" yaml:"bus"`
	BeforeP float64 `json:"original_p" yaml:"original_p"`
	BeforeQ float64 `json:"original_q" yaml:"original_q"`
	AfterP  float64 `json:"new_p" yaml:"new_p"`
	AfterQ  float64 `json:"new_q" yaml:"new_q"`
}

// ScenarioResult describes the load mutation applied and the resulting
// weak-bus diagnostics. Violations == -1 marks an unusable scenario.
type ScenarioResult struct {
	Mode         ScenarioMode `json:"mode" yaml:"mode"`
	ModifiedBus  BusID        `json:"modified_bus" yaml:"modified_bus"`
	Multiplier   float64      `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	AddPMW       float64      `json:"add_p,omitempty" yaml:"add_p,omitempty"`
	AddQMvar     float64      `json:"add_q,omitempty" yaml:"add_q,omitempty"`
	GlobalFactor float64      `json:"global_factor,omitempty" yaml:"global_factor,omitempty"`
	CreatedLoad  bool         `json:"created_load,omitempty" yaml:"created_load,omitempty"`
	Changes      []LoadChange `json:"modified_loads,omitempty" yaml:"modified_loads,omitempty"`

	Attempts     int     `json:"attempts" yaml:"attempts"`
	BackoffScale float64 `json:"backoff_scale" yaml:"backoff_scale"`
	RolledBack   bool    `json:"rolled_back,omitempty" yaml:"rolled_back,omitempty"`

	WeakestBus     BusID   `json:"weakest_bus" yaml:"weakest_bus"`
	WeakestVoltage float64 `json:"weakest_voltage" yaml:"weakest_voltage"`
	Violations     int     `json:"voltage_violations" yaml:"voltage_violations"`
	Err            string  `json:"error,omitempty" yaml:"error,omitempty"`
}

// Failed reports whether the scenario carries the failure marker.
func (r ScenarioResult) Failed() bool { return r.Violations < 0 }
