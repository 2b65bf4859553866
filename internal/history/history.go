// Package history defines persistence for completed compensation runs.
//
// A run records the case it was made against, the scenario that stressed
// it, the strategy result and the final voltage verdict. The sqlite
// subpackage provides the implementation used by the CLI.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/voltcomp/model"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("run not found")

// Run is one persisted end-to-end execution.
type Run struct {
	ID        string                `json:"id" yaml:"id"`
	Case      string                `json:"case" yaml:"case"`
	Scenario  *model.ScenarioResult `json:"scenario,omitempty" yaml:"scenario,omitempty"`
	Strategy  model.StrategyResult  `json:"strategy" yaml:"strategy"`
	Report    model.Report          `json:"report" yaml:"report"`
	CreatedAt time.Time             `json:"created_at" yaml:"created_at"`
}

// NewRun stamps a run with a fresh id and the current time. A nil scenario
// means the run used the case conditions as loaded.
func NewRun(caseName string, scenario *model.ScenarioResult, rep model.Report) Run {
	return Run{
		ID:        uuid.NewString(),
		Case:      caseName,
		Scenario:  scenario,
		Strategy:  rep.Compensation,
		Report:    rep,
		CreatedAt: time.Now().UTC(),
	}
}

// Repository stores and retrieves runs. Implementations are safe for
// concurrent use.
type Repository interface {
	Save(ctx context.Context, run Run) error
	Get(ctx context.Context, id string) (Run, error)
	// List returns up to limit runs, newest first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]Run, error)
	Close() error
}
