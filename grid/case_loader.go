package grid

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/voltcomp/model"
)

// ErrInvalidCase is returned when a case file decodes but does not describe a
// solvable network.
var ErrInvalidCase = errors.New("invalid case")

// internal YAML shapes, kept unexported so the file format can evolve.
type caseYAML struct {
	Name       string          `yaml:"name"`
	BaseMVA    float64         `yaml:"base_mva"`
	Buses      []busYAML       `yaml:"buses"`
	Branches   []branchYAML    `yaml:"branches"`
	Generators []generatorYAML `yaml:"generators"`
	Loads      []loadYAML      `yaml:"loads"`
}

type busYAML struct {
	ID     int     `yaml:"id"`
	Name   string  `yaml:"name"`
	Kind   string  `yaml:"kind"` // "pq" | "pv" | "slack"
	BaseKV float64 `yaml:"base_kv"`
	VmPU   float64 `yaml:"vm_pu"`
	GsMW   float64 `yaml:"gs_mw"`
	BsMvar float64 `yaml:"bs_mvar"`
}

type branchYAML struct {
	From      int     `yaml:"from"`
	To        int     `yaml:"to"`
	R         float64 `yaml:"r"`
	X         float64 `yaml:"x"`
	B         float64 `yaml:"b"`
	Ratio     float64 `yaml:"ratio"`
	ShiftDeg  float64 `yaml:"shift_deg"`
	InService *bool   `yaml:"in_service"` // optional; defaults to true
}

type generatorYAML struct {
	Bus  int     `yaml:"bus"`
	PMW  float64 `yaml:"p_mw"`
	VmPU float64 `yaml:"vm_pu"`
}

type loadYAML struct {
	Bus   int     `yaml:"bus"`
	PMW   float64 `yaml:"p_mw"`
	QMvar float64 `yaml:"q_mvar"`
	Name  string  `yaml:"name"`
}

// LoadCase decodes a YAML case description from r into a new Network.
//
// Generators set the voltage setpoint of their bus when the bus itself does
// not carry one. Exactly one slack bus is required. Fixed case shunts are
// given per bus (gs_mw, bs_mvar); the shunt table starts empty and only
// holds compensation devices.
func LoadCase(r io.Reader) (*Network, error) {
	var payload caseYAML
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("LoadCase: decode failed: %w", err)
	}
	return payload.build()
}

// LoadCaseFile opens path and decodes it with LoadCase.
func LoadCaseFile(path string) (*Network, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("LoadCaseFile: %w", err)
	}
	defer f.Close()
	return LoadCase(f)
}

func (c caseYAML) build() (*Network, error) {
	if len(c.Buses) == 0 {
		return nil, fmt.Errorf("%w: no buses", ErrInvalidCase)
	}
	n := NewNetwork(c.Name, c.BaseMVA)

	slack := 0
	for _, jb := range c.Buses {
		kind, err := busKindFromString(jb.Kind)
		if err != nil {
			return nil, fmt.Errorf("%w: bus %d: %v", ErrInvalidCase, jb.ID, err)
		}
		if kind == model.BusSlack {
			slack++
		}
		name := jb.Name
		if name == "" {
			name = fmt.Sprintf("Bus %d", jb.ID+1)
		}
		if err := n.AddBus(model.Bus{
			ID:         model.BusID(jb.ID),
			Name:       name,
			Kind:       kind,
			BaseKV:     jb.BaseKV,
			VmSetpoint: jb.VmPU,
			GsMW:       jb.GsMW,
			BsMvar:     jb.BsMvar,
		}); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCase, err)
		}
	}
	if slack != 1 {
		return nil, fmt.Errorf("%w: want exactly one slack bus, got %d", ErrInvalidCase, slack)
	}

	for _, jbr := range c.Branches {
		inService := true
		if jbr.InService != nil {
			inService = *jbr.InService
		}
		if err := n.AddBranch(model.Branch{
			From:      model.BusID(jbr.From),
			To:        model.BusID(jbr.To),
			R:         jbr.R,
			X:         jbr.X,
			B:         jbr.B,
			Ratio:     jbr.Ratio,
			ShiftDeg:  jbr.ShiftDeg,
			InService: inService,
		}); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCase, err)
		}
	}

	for _, jg := range c.Generators {
		if err := n.AddGenerator(model.Generator{
			Bus:  model.BusID(jg.Bus),
			PMW:  jg.PMW,
			VmPU: jg.VmPU,
		}); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCase, err)
		}
		b := n.buses[model.BusID(jg.Bus)]
		if b.VmSetpoint == 0 && jg.VmPU > 0 {
			b.VmSetpoint = jg.VmPU
		}
	}

	for _, b := range n.buses {
		if b.Kind != model.BusPQ && b.VmSetpoint <= 0 {
			b.VmSetpoint = 1.0
		}
	}

	for i, jl := range c.Loads {
		name := jl.Name
		if name == "" {
			name = fmt.Sprintf("Load_%d", i)
		}
		if _, err := n.AddLoad(model.BusID(jl.Bus), jl.PMW, jl.QMvar, name); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCase, err)
		}
	}

	return n, nil
}

func busKindFromString(s string) (model.BusKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "pq", "load":
		return model.BusPQ, nil
	case "pv", "gen":
		return model.BusPV, nil
	case "slack", "ref", "ext_grid":
		return model.BusSlack, nil
	default:
		return model.BusPQ, fmt.Errorf("unknown bus kind %q", s)
	}
}
