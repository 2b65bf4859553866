package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/signalsfoundry/voltcomp/internal/config"
	"github.com/signalsfoundry/voltcomp/internal/logging"
	"github.com/signalsfoundry/voltcomp/internal/observability"
	"github.com/signalsfoundry/voltcomp/internal/report"
)

// app carries the state shared by every subcommand of one invocation.
type app struct {
	configPath  string
	caseName    string
	logLevel    string
	logFormat   string
	metricsAddr string
	historyPath string
	jsonOut     bool
	yamlOut     bool

	cfg *config.Config
	log logging.Logger

	solverMetrics *observability.SolverCollector
	compMetrics   *observability.CompensationCollector
	metricsSrv    *http.Server
	stopTracing   func(context.Context) error
}

// newRoot builds the command tree. The caller runs app.teardown once
// Execute returns, whatever the outcome.
func newRoot() (*cobra.Command, *app) {
	a := &app{}
	root := &cobra.Command{
		Use:           "voltcomp",
		Short:         "Reactive power compensation search for weak bus voltages",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default $VOLTCOMP_CONFIG or ./voltcomp.yaml)")
	pf.StringVar(&a.caseName, "case", "", "built-in case name or path to a case YAML file")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&a.logFormat, "log-format", "", "log format: tint, text, json")
	pf.StringVar(&a.metricsAddr, "metrics-addr", "", "serve Prometheus /metrics on this address while running")
	pf.StringVar(&a.historyPath, "history-db", "", "path of the run history database")
	pf.BoolVar(&a.jsonOut, "json", false, "write machine-readable JSON to stdout")
	pf.BoolVar(&a.yamlOut, "yaml", false, "write machine-readable YAML to stdout")
	root.MarkFlagsMutuallyExclusive("json", "yaml")

	root.AddCommand(
		newRunCmd(a),
		newAnalyzeCmd(a),
		newBusesCmd(a),
		newForceCmd(a),
		newHistoryCmd(a),
		newCasesCmd(a),
	)
	return root, a
}

func (a *app) setup(cmd *cobra.Command) error {
	var (
		cfg  *config.Config
		path string
		err  error
	)
	if a.configPath != "" {
		cfg, path, err = config.LoadFromPath(a.configPath)
	} else {
		cfg, path, err = config.Load()
	}
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("case") {
		cfg.Case = a.caseName
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = a.logFormat
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr = a.metricsAddr
	}
	if flags.Changed("history-db") {
		cfg.History.Path = a.historyPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	base := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cmd.ErrOrStderr(),
	})
	ctx, a.log = logging.WithRunLogger(ctx, base)
	cmd.SetContext(ctx)
	if path != "" {
		a.log.Debug(ctx, "config loaded", logging.String("path", path))
	}

	a.stopTracing, err = observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
		Writer:      cmd.ErrOrStderr(),
	}, a.log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	reg := prometheus.NewRegistry()
	if a.solverMetrics, err = observability.NewSolverCollector(reg); err != nil {
		return err
	}
	if a.compMetrics, err = observability.NewCompensationCollector(reg); err != nil {
		return err
	}
	if cfg.Metrics.Addr != "" {
		a.metricsSrv = serveMetrics(ctx, cfg.Metrics.Addr, a.compMetrics, a.log)
	}
	return nil
}

func (a *app) teardown(ctx context.Context) {
	if a.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = a.metricsSrv.Shutdown(shutdownCtx)
		cancel()
		a.metricsSrv = nil
	}
	observability.ShutdownWithTimeout(ctx, a.stopTracing, a.log)
	a.stopTracing = nil
}

func serveMetrics(ctx context.Context, addr string, collector *observability.CompensationCollector, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(ctx, "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(ctx, "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

// format reports the machine-readable output format, if one was requested.
func (a *app) format() (report.Format, bool) {
	switch {
	case a.jsonOut:
		return report.FormatJSON, true
	case a.yamlOut:
		return report.FormatYAML, true
	}
	return "", false
}

// emit writes v in the requested machine format, or calls human otherwise.
func (a *app) emit(w io.Writer, v any, human func()) error {
	if f, ok := a.format(); ok {
		return report.Encode(w, f, v)
	}
	human()
	return nil
}
