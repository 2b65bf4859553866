package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/voltcomp/model"
)

// Format selects a machine-readable encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ErrUnknownFormat is returned for anything but json or yaml.
var ErrUnknownFormat = errors.New("unknown export format")

// ParseFormat accepts json, yaml or yml in any case.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// RunDocument is the exported record of one end-to-end run.
type RunDocument struct {
	RunID    string                `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Case     string                `json:"case" yaml:"case"`
	Initial  *model.Analysis       `json:"initial,omitempty" yaml:"initial,omitempty"`
	Scenario *model.ScenarioResult `json:"scenario,omitempty" yaml:"scenario,omitempty"`
	Report   model.Report          `json:"report" yaml:"report"`
}

// Encode writes v to w in the given format.
func Encode(w io.Writer, format Format, v any) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}
