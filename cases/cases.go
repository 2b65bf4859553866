// Package cases holds the built-in network case catalogue.
package cases

import (
	"embed"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/signalsfoundry/voltcomp/grid"
)

// Default is the case used when none, or an unknown one, is requested.
const Default = "case14"

// ErrUnknownCase reports a name that is neither a built-in case nor a YAML
// file on disk.
var ErrUnknownCase = errors.New("unknown case")

//go:embed *.yaml
var builtin embed.FS

// Names lists the built-in cases in sorted order.
func Names() []string {
	entries, err := builtin.ReadDir(".")
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".yaml") {
			out = append(out, strings.TrimSuffix(e.Name(), ".yaml"))
		}
	}
	sort.Strings(out)
	return out
}

// Load returns a fresh network for a built-in case name.
func Load(name string) (*grid.Network, error) {
	f, err := builtin.Open(path.Clean(name) + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCase, name)
	}
	defer f.Close()
	return grid.LoadCase(f)
}

// Resolve loads name as a YAML file path when it looks like one, otherwise
// as a built-in case. An unknown built-in name yields the Default case
// together with an error wrapping ErrUnknownCase so the caller can warn.
func Resolve(name string) (*grid.Network, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = Default
	}
	if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
		net, err := grid.LoadCaseFile(name)
		if err != nil {
			return nil, name, err
		}
		return net, name, nil
	}

	net, err := Load(name)
	if err == nil {
		return net, name, nil
	}
	if !errors.Is(err, ErrUnknownCase) {
		return nil, name, err
	}
	fallback, ferr := Load(Default)
	if ferr != nil {
		return nil, Default, ferr
	}
	return fallback, Default, err
}
