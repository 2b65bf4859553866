package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/voltcomp/cases"
	"github.com/signalsfoundry/voltcomp/core"
	"github.com/signalsfoundry/voltcomp/grid"
	"github.com/signalsfoundry/voltcomp/internal/history"
	"github.com/signalsfoundry/voltcomp/internal/history/sqlite"
	"github.com/signalsfoundry/voltcomp/internal/logging"
	"github.com/signalsfoundry/voltcomp/internal/report"
	"github.com/signalsfoundry/voltcomp/model"
	"github.com/signalsfoundry/voltcomp/powerflow"
)

const scenarioSkip = "skip"

// openCase loads the configured case. An unknown built-in name falls back
// to the default case with a warning.
func (a *app) openCase(ctx context.Context) (*grid.Network, string, error) {
	net, name, err := cases.Resolve(a.cfg.Case)
	if err != nil {
		if net == nil {
			return nil, name, err
		}
		a.log.Warn(ctx, "unknown case, using default",
			logging.String("requested", a.cfg.Case),
			logging.String("case", name))
	}
	return net, name, nil
}

func (a *app) newSystem(net *grid.Network) *core.System {
	cfg := a.cfg
	solver := powerflow.NewSolver(powerflow.WithLogger(a.log))
	return core.NewSystem(net, solver, a.log,
		core.WithRetryPolicy(core.RetryPolicy{
			MaxAttempts:   cfg.Retry.MaxAttempts,
			BackoffFactor: cfg.Retry.BackoffFactor,
			Standard:      cfg.Solver.Standard,
			Conservative:  cfg.Solver.Conservative,
		}),
		core.WithSearchLimits(core.SearchLimits{
			MaxQMvar:  cfg.Search.MaxQMvar,
			StepQMvar: cfg.Search.StepQMvar,
		}),
		core.WithThreshold(cfg.ThresholdPU),
		core.WithPlateauEpsilon(cfg.Search.PlateauEpsilon),
		core.WithOptimalMaxQ(cfg.Search.OptimalMaxQMvar),
		core.WithMaxBuses(cfg.MaxBuses),
		core.WithRand(core.NewRand(cfg.Scenario.Seed)),
		core.WithMetricsRecorders(a.solverMetrics, a.compMetrics),
	)
}

func (a *app) saveRun(ctx context.Context, run history.Run) error {
	if !a.cfg.History.Enabled {
		return nil
	}
	repo, err := sqlite.New(a.cfg.History.Path)
	if err != nil {
		return err
	}
	defer repo.Close()
	if err := repo.Save(ctx, run); err != nil {
		return err
	}
	a.log.Info(ctx, "run saved", logging.String("run_id", run.ID), logging.String("path", a.cfg.History.Path))
	return nil
}

func newRunCmd(a *app) *cobra.Command {
	var (
		mode       string
		bus        int
		multiplier float64
		addP       float64
		addQ       float64
		seed       uint64
		strategy   string
		maxBuses   int
		chartPath  string
		noHistory  bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Analyze, stress and compensate a network end to end",
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			if flags.Changed("scenario") {
				a.cfg.Scenario.Mode = mode
			}
			if flags.Changed("bus") {
				a.cfg.Scenario.Bus = bus
			}
			if flags.Changed("multiplier") {
				a.cfg.Scenario.Multiplier = multiplier
			}
			if flags.Changed("add-p") {
				a.cfg.Scenario.AddPMW = addP
			}
			if flags.Changed("add-q") {
				a.cfg.Scenario.AddQMvar = addQ
			}
			if flags.Changed("seed") {
				a.cfg.Scenario.Seed = seed
			}
			if flags.Changed("strategy") {
				a.cfg.Strategy = strategy
			}
			if flags.Changed("max-buses") {
				a.cfg.MaxBuses = maxBuses
			}
			if noHistory {
				a.cfg.History.Enabled = false
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			return a.run(cmd, chartPath)
		},
	}
	f := cmd.Flags()
	f.StringVar(&mode, "scenario", "", "scenario mode: single_bus, auto_weakest, auto_random, global_increase, skip")
	f.IntVar(&bus, "bus", 0, "bus modified by the single_bus scenario")
	f.Float64Var(&multiplier, "multiplier", 1, "load multiplier for the single_bus scenario")
	f.Float64Var(&addP, "add-p", 0, "active load added by the single_bus scenario (MW)")
	f.Float64Var(&addQ, "add-q", 0, "reactive load added by the single_bus scenario (MVAr)")
	f.Uint64Var(&seed, "seed", 1, "seed for the auto_random scenario")
	f.StringVar(&strategy, "strategy", "", "compensation strategy: targeted, global, optimal")
	f.IntVar(&maxBuses, "max-buses", 0, "limit the number of buses compensated (0 = no limit)")
	f.StringVar(&chartPath, "chart", "", "write a PNG chart of the search trajectories")
	f.BoolVar(&noHistory, "no-history", false, "do not record the run in the history database")
	return cmd
}

func (a *app) run(cmd *cobra.Command, chartPath string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	_, machine := a.format()
	console := report.NewConsole(out, a.cfg.ThresholdPU)

	net, caseName, err := a.openCase(ctx)
	if err != nil {
		return err
	}
	sys := a.newSystem(net)

	initial, err := sys.Analyze(ctx)
	if err != nil {
		return fmt.Errorf("initial analysis: %w", err)
	}
	if !machine {
		console.Analysis(caseName, initial)
	}

	var scenario *model.ScenarioResult
	if a.cfg.Scenario.Mode != scenarioSkip {
		res := sys.CreateScenario(ctx, model.ScenarioRequest{
			Mode:       model.ScenarioMode(a.cfg.Scenario.Mode),
			Bus:        model.BusID(a.cfg.Scenario.Bus),
			Multiplier: a.cfg.Scenario.Multiplier,
			AddPMW:     a.cfg.Scenario.AddPMW,
			AddQMvar:   a.cfg.Scenario.AddQMvar,
		})
		scenario = &res
		if !machine {
			console.Scenario(res)
		}
	}

	strategyRes := sys.Compensate(ctx, model.Strategy(a.cfg.Strategy))
	if !machine {
		console.Strategy(strategyRes)
	}
	rep := sys.Report(ctx, strategyRes)

	run := history.NewRun(caseName, scenario, rep)
	if id := logging.RunIDFromContext(ctx); id != "" {
		run.ID = id
	}

	if machine {
		f, _ := a.format()
		doc := report.RunDocument{RunID: run.ID, Case: caseName, Initial: &initial, Scenario: scenario, Report: rep}
		if err := report.Encode(out, f, doc); err != nil {
			return err
		}
	} else {
		console.Final(rep)
	}

	if chartPath != "" {
		if err := report.SaveChart(chartPath, strategyRes, a.cfg.ThresholdPU); err != nil {
			return fmt.Errorf("write chart: %w", err)
		}
		a.log.Info(ctx, "chart written", logging.String("path", chartPath))
	}
	return a.saveRun(ctx, run)
}

func newAnalyzeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze",
		Short: "Solve the case and report its voltage state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			net, caseName, err := a.openCase(ctx)
			if err != nil {
				return err
			}
			analysis, err := a.newSystem(net).Analyze(ctx)
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), analysis, func() {
				report.NewConsole(cmd.OutOrStdout(), a.cfg.ThresholdPU).Analysis(caseName, analysis)
			})
		},
	}
}

func newBusesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "buses",
		Short: "List every bus with its load and voltage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			net, _, err := a.openCase(ctx)
			if err != nil {
				return err
			}
			sys := a.newSystem(net)
			if _, err := sys.Analyze(ctx); err != nil {
				a.log.Warn(ctx, "power flow failed, voltages unavailable", logging.Err(err))
			}
			rows := sys.BusOptions()
			return a.emit(cmd.OutOrStdout(), rows, func() {
				report.NewConsole(cmd.OutOrStdout(), a.cfg.ThresholdPU).Buses(rows)
			})
		},
	}
}

func newForceCmd(a *app) *cobra.Command {
	var (
		bus    int
		factor float64
		step   float64
	)
	cmd := &cobra.Command{
		Use:   "force",
		Short: "Scale one bus load, then search compensation at that bus",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			net, caseName, err := a.openCase(ctx)
			if err != nil {
				return err
			}
			sys := a.newSystem(net)
			if _, err := sys.Analyze(ctx); err != nil {
				return fmt.Errorf("initial analysis: %w", err)
			}

			scenario := sys.ForceBusLoad(ctx, model.BusID(bus), factor)
			limits := core.SearchLimits{MaxQMvar: a.cfg.Search.MaxQMvar, StepQMvar: step}
			res := sys.CompensateBus(ctx, model.BusID(bus), limits)
			strategyRes := model.StrategyResult{
				Strategy:   model.StrategyTargeted,
				Results:    []model.CompensationResult{res},
				TotalQMvar: res.QInjectedMvar,
			}
			rep := sys.Report(ctx, strategyRes)

			if f, ok := a.format(); ok {
				doc := report.RunDocument{RunID: logging.RunIDFromContext(ctx), Case: caseName, Scenario: &scenario, Report: rep}
				return report.Encode(out, f, doc)
			}
			console := report.NewConsole(out, a.cfg.ThresholdPU)
			console.Scenario(scenario)
			console.Strategy(strategyRes)
			console.Final(rep)
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVar(&bus, "bus", 3, "bus whose load is scaled")
	f.Float64Var(&factor, "factor", 10, "load scale factor")
	f.Float64Var(&step, "step", 1, "injection step (MVAr)")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded runs",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, err := sqlite.New(a.cfg.History.Path)
			if err != nil {
				return err
			}
			defer repo.Close()

			runs, err := repo.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return a.emit(out, runs, func() {
				if len(runs) == 0 {
					fmt.Fprintln(out, "No runs recorded")
					return
				}
				for _, r := range runs {
					fmt.Fprintf(out, "%s  %s  %-8s %-16s min %.4f p.u.  %d violations\n",
						r.ID, r.CreatedAt.Local().Format(time.DateTime), r.Case, r.Report.Status,
						r.Report.MinVoltage, r.Report.FinalViolations)
				}
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum number of runs (0 = all)")

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := sqlite.New(a.cfg.History.Path)
			if err != nil {
				return err
			}
			defer repo.Close()

			run, err := repo.Get(cmd.Context(), args[0])
			if errors.Is(err, history.ErrRunNotFound) {
				return fmt.Errorf("no run %q in %s", args[0], a.cfg.History.Path)
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			doc := report.RunDocument{RunID: run.ID, Case: run.Case, Scenario: run.Scenario, Report: run.Report}
			return a.emit(out, doc, func() {
				console := report.NewConsole(out, a.cfg.ThresholdPU)
				fmt.Fprintf(out, "Run %s (%s) recorded %s\n", run.ID, run.Case, run.CreatedAt.Local().Format(time.DateTime))
				if run.Scenario != nil {
					console.Scenario(*run.Scenario)
				}
				console.Strategy(run.Strategy)
				console.Final(run.Report)
			})
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func newCasesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cases",
		Short: "List the built-in cases",
		RunE: func(cmd *cobra.Command, _ []string) error {
			names := cases.Names()
			out := cmd.OutOrStdout()
			return a.emit(out, names, func() {
				for _, n := range names {
					fmt.Fprintln(out, n)
				}
			})
		},
	}
}
