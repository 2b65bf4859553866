package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/voltcomp/grid"
	"github.com/signalsfoundry/voltcomp/internal/logging"
	"github.com/signalsfoundry/voltcomp/internal/observability"
	"github.com/signalsfoundry/voltcomp/model"
	"github.com/signalsfoundry/voltcomp/powerflow"
)

// RetryState is a state of the convergence retry state machine.
type RetryState string

const (
	StateAttempting  RetryState = "attempting"
	StateBackingOff  RetryState = "backing_off"
	StateRollingBack RetryState = "rolling_back"
	StateConverged   RetryState = "converged"
	StateFailed      RetryState = "failed"
)

// RetryPolicy bounds the retry controller.
type RetryPolicy struct {
	// MaxAttempts is the number of standard solves before rolling back,
	// backoffs included.
	MaxAttempts int
	// BackoffFactor scales the latest mutation after each failed attempt.
	BackoffFactor float64

	Standard     powerflow.Options
	Conservative powerflow.Options
}

// DefaultRetryPolicy is three attempts with a 0.7 backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		BackoffFactor: 0.7,
		Standard:      powerflow.DefaultOptions(),
		Conservative:  powerflow.ConservativeOptions(),
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BackoffFactor <= 0 || p.BackoffFactor >= 1 {
		p.BackoffFactor = d.BackoffFactor
	}
	if p.Standard == (powerflow.Options{}) {
		p.Standard = d.Standard
	}
	if p.Conservative == (powerflow.Options{}) {
		p.Conservative = d.Conservative
	}
	return p
}

// Mutation is a change already applied to the network that the controller
// may scale back or abandon.
type Mutation interface {
	// Backoff scales the most recently applied change by factor.
	Backoff(net *grid.Network, factor float64) error
	// Discard restores the last known-good state of whatever the mutation
	// touched.
	Discard(net *grid.Network) error
}

// RetryOutcome is the result of one stabilisation.
type RetryOutcome struct {
	Converged bool
	Voltages  model.VoltageProfile

	// Attempts counts standard solves.
	Attempts int
	// BackoffScale is the product of every backoff factor applied.
	BackoffScale float64
	// RolledBack is set once the mutation has been discarded.
	RolledBack bool

	Trace []RetryState
	Err   error
}

// BackedOff reports whether the converged state needed at least one backoff.
func (o RetryOutcome) BackedOff() bool { return o.BackoffScale < 1 }

// RetryController turns a non-converging solve into either a converged
// network or the untouched prior network plus an explicit failure.
type RetryController struct {
	solver  Solver
	policy  RetryPolicy
	log     logging.Logger
	metrics SolveMetricsRecorder
}

// RetryOption customises a RetryController.
type RetryOption func(*RetryController)

// WithRetryLogger sets the controller logger.
func WithRetryLogger(l logging.Logger) RetryOption {
	return func(c *RetryController) {
		if l != nil {
			c.log = l
		}
	}
}

// WithSolveMetrics attaches a recorder for solve and retry events.
func WithSolveMetrics(m SolveMetricsRecorder) RetryOption {
	return func(c *RetryController) {
		if m != nil {
			c.metrics = m
		}
	}
}

// NewRetryController wraps solver with policy. Zero policy fields take the
// defaults of DefaultRetryPolicy.
func NewRetryController(solver Solver, policy RetryPolicy, opts ...RetryOption) *RetryController {
	c := &RetryController{
		solver:  solver,
		policy:  policy.normalized(),
		log:     logging.Noop(),
		metrics: noopMetrics{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Policy returns the effective policy.
func (c *RetryController) Policy() RetryPolicy { return c.policy }

// WithMaxAttempts returns a copy of the controller with a different attempt
// bound.
func (c *RetryController) WithMaxAttempts(n int) *RetryController {
	cp := *c
	if n > 0 {
		cp.policy.MaxAttempts = n
	}
	return &cp
}

// Solve stabilises the network as it is, with no mutation to back off.
func (c *RetryController) Solve(ctx context.Context, net *grid.Network) RetryOutcome {
	return c.Stabilize(ctx, net, nil, net.Snapshot())
}

// Stabilize drives the network with mutation already applied to a converged
// state. pre is the state before the mutation; the network is restored to
// it exactly when nothing converges. A nil mutation skips backoff and
// discard.
func (c *RetryController) Stabilize(ctx context.Context, net *grid.Network, mutation Mutation, pre grid.Snapshot) RetryOutcome {
	ctx, span := observability.StartSpan(ctx, "retry.Stabilize",
		attribute.Int("max_attempts", c.policy.MaxAttempts),
		attribute.Bool("mutation", mutation != nil),
	)
	defer span.End()

	out := RetryOutcome{BackoffScale: 1}
	out.Trace = append(out.Trace, StateAttempting)

	var lastErr error
	for {
		out.Attempts++
		vp, err := c.solve(ctx, net, c.policy.Standard)
		if err == nil {
			c.converge(net, &out, vp)
			span.SetAttributes(attribute.Int("attempts", out.Attempts))
			return out
		}
		lastErr = err
		c.log.Debug(ctx, "solve did not converge",
			logging.Int("attempt", out.Attempts),
			logging.Err(err),
		)
		if ctx.Err() != nil || mutation == nil || out.Attempts >= c.policy.MaxAttempts {
			break
		}

		out.Trace = append(out.Trace, StateBackingOff)
		if err := mutation.Backoff(net, c.policy.BackoffFactor); err != nil {
			c.log.Warn(ctx, "backoff failed; rolling back", logging.Err(err))
			break
		}
		out.BackoffScale *= c.policy.BackoffFactor
		c.metrics.IncBackoffs()
		out.Trace = append(out.Trace, StateAttempting)
	}

	out.Trace = append(out.Trace, StateRollingBack)
	if mutation != nil {
		if err := mutation.Discard(net); err != nil {
			c.log.Warn(ctx, "discard failed; restoring pre-operation state", logging.Err(err))
			net.Restore(pre)
		}
		out.RolledBack = true
	}

	if ctx.Err() == nil {
		vp, err := c.solve(ctx, net, c.policy.Conservative)
		if err == nil {
			if out.RolledBack {
				c.metrics.IncRollbacks(true)
			}
			c.converge(net, &out, vp)
			c.log.Info(ctx, "recovered with conservative solve",
				logging.Int("attempts", out.Attempts),
				logging.Bool("rolled_back", out.RolledBack),
			)
			return out
		}
		lastErr = err
	}

	if out.RolledBack {
		c.metrics.IncRollbacks(false)
	}
	net.Restore(pre)
	out.Trace = append(out.Trace, StateFailed)
	out.Err = fmt.Errorf("%w: %w", ErrUnrecoverable, lastErr)
	observability.FailSpan(span, out.Err)
	c.log.Warn(ctx, "power flow unrecoverable; prior state restored",
		logging.Int("attempts", out.Attempts),
		logging.Err(lastErr),
	)
	return out
}

func (c *RetryController) converge(net *grid.Network, out *RetryOutcome, vp model.VoltageProfile) {
	net.SetVoltages(vp)
	out.Converged = true
	out.Voltages = vp.Clone()
	out.Trace = append(out.Trace, StateConverged)
}

func (c *RetryController) solve(ctx context.Context, net *grid.Network, opts powerflow.Options) (model.VoltageProfile, error) {
	start := time.Now()
	vp, err := c.solver.Solve(ctx, net, opts)
	if err == nil && len(vp) == 0 {
		err = errors.New("solver returned no voltages")
	}
	c.metrics.ObserveSolve(string(opts.Algorithm), time.Since(start), err)
	return vp, err
}
