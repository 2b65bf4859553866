package core

import (
	"context"

	"github.com/signalsfoundry/voltcomp/grid"
	"github.com/signalsfoundry/voltcomp/model"
	"github.com/signalsfoundry/voltcomp/powerflow"
)

// Solver is the AC power flow boundary. Implementations only read the
// network and report non-convergence as an error matching
// powerflow.ErrNotConverged.
type Solver interface {
	Solve(ctx context.Context, net *grid.Network, opts powerflow.Options) (model.VoltageProfile, error)
}

var _ Solver = (*powerflow.Solver)(nil)
