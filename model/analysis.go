package model

// Analysis summarises the network conditions after a solve.
type Analysis struct {
	BusCount       int            `json:"bus_count" yaml:"bus_count"`
	LoadBuses      []BusID        `json:"load_buses" yaml:"load_buses"`
	Voltages       VoltageProfile `json:"bus_voltages" yaml:"bus_voltages"`
	WeakestBus     BusID          `json:"weakest_bus" yaml:"weakest_bus"`
	WeakestVoltage float64        `json:"weakest_voltage" yaml:"weakest_voltage"`
	Violations     int            `json:"voltage_violations" yaml:"voltage_violations"`
}

// BusLoadSummary is one row of the per-bus load table.
type BusLoadSummary struct {
	Bus       BusID   `json:"bus" yaml:"bus"`
	HasLoad   bool    `json:"has_load" yaml:"has_load"`
	PMW       float64 `json:"p_mw" yaml:"p_mw"`
	QMvar     float64 `json:"q_mvar" yaml:"q_mvar"`
	VoltagePU float64 `json:"voltage_pu" yaml:"voltage_pu"`
}

// SystemStatus is the final health verdict of a run.
type SystemStatus string

const (
	SystemHealthy        SystemStatus = "HEALTHY"
	SystemNeedsAttention SystemStatus = "NEEDS ATTENTION"
)

// Report combines a strategy result with the final system state.
type Report struct {
	Compensation    StrategyResult `json:"compensation" yaml:"compensation"`
	MinVoltage      float64        `json:"min_voltage" yaml:"min_voltage"`
	FinalViolations int            `json:"voltage_violations" yaml:"voltage_violations"`
	Status          SystemStatus   `json:"status" yaml:"status"`
	Solved          bool           `json:"solved" yaml:"solved"`
}
