// Package config loads the voltcomp run configuration.
//
// Config file locations (priority order):
//  1. $VOLTCOMP_CONFIG
//  2. ./voltcomp.yaml
//
// Command-line flags override file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/voltcomp/powerflow"
)

const (
	envConfigPath     = "VOLTCOMP_CONFIG"
	defaultConfigFile = "voltcomp.yaml"
	defaultHistoryDB  = "./voltcomp.db"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the full run configuration.
type Config struct {
	Case        string  `yaml:"case"`
	ThresholdPU float64 `yaml:"threshold_pu" validate:"gt=0,lte=1.5"`
	Strategy    string  `yaml:"strategy" validate:"oneof=targeted global optimal"`
	MaxBuses    int     `yaml:"max_buses" validate:"gte=0"`

	Search   SearchConfig   `yaml:"search"`
	Retry    RetryConfig    `yaml:"retry"`
	Solver   SolverConfig   `yaml:"solver"`
	Scenario ScenarioConfig `yaml:"scenario"`
	History  HistoryConfig  `yaml:"history"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Log      LogConfig      `yaml:"log"`
}

// SearchConfig bounds the per-bus injection search.
type SearchConfig struct {
	MaxQMvar        float64 `yaml:"max_q" validate:"gt=0"`
	StepQMvar       float64 `yaml:"step_q" validate:"gt=0,ltefield=MaxQMvar"`
	OptimalMaxQMvar float64 `yaml:"optimal_max_q" validate:"gt=0"`
	PlateauEpsilon  float64 `yaml:"plateau_epsilon" validate:"gt=0"`
}

// RetryConfig bounds the convergence retry controller.
type RetryConfig struct {
	MaxAttempts   int     `yaml:"max_attempts" validate:"gte=1,lte=20"`
	BackoffFactor float64 `yaml:"backoff_factor" validate:"gt=0,lt=1"`
}

// SolverConfig holds the standard and conservative solve options.
type SolverConfig struct {
	Standard     powerflow.Options `yaml:"standard"`
	Conservative powerflow.Options `yaml:"conservative"`
}

// ScenarioConfig describes the load scenario applied before compensation.
// Mode "skip" keeps the current conditions.
type ScenarioConfig struct {
	Mode       string  `yaml:"mode" validate:"oneof=single_bus auto_weakest auto_random global_increase skip"`
	Bus        int     `yaml:"bus" validate:"gte=0"`
	Multiplier float64 `yaml:"multiplier" validate:"gte=0"`
	AddPMW     float64 `yaml:"add_p"`
	AddQMvar   float64 `yaml:"add_q"`
	Seed       uint64  `yaml:"seed"`
}

// HistoryConfig controls run persistence.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

// TracingConfig mirrors observability.TracingConfig.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Exporter    string  `yaml:"exporter" validate:"omitempty,oneof=stdout otlp otlpgrpc"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio" validate:"gte=0,lte=1"`
}

// LogConfig mirrors logging.Config.
type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text tint console"`
}

// Load finds and loads the config file, or returns defaults if none found.
func Load() (*Config, string, error) {
	path := FindConfigPath()
	if path == "" {
		return DefaultConfig(), "", nil
	}
	return LoadFromPath(path)
}

// FindConfigPath returns the first existing config file, or "".
func FindConfigPath() string {
	if p := strings.TrimSpace(os.Getenv(envConfigPath)); p != "" {
		return p
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile
	}
	return ""
}

// LoadFromPath loads config from a specific path. Missing fields take their
// defaults and the result is validated.
func LoadFromPath(path string) (*Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// Parse decodes a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Case == "" {
		c.Case = "case14"
	}
	if c.ThresholdPU == 0 {
		c.ThresholdPU = 0.95
	}
	if c.Strategy == "" {
		c.Strategy = "targeted"
	}

	if c.Search.MaxQMvar == 0 {
		c.Search.MaxQMvar = 100
	}
	if c.Search.StepQMvar == 0 {
		c.Search.StepQMvar = 2
	}
	if c.Search.OptimalMaxQMvar == 0 {
		c.Search.OptimalMaxQMvar = 75
	}
	if c.Search.PlateauEpsilon == 0 {
		c.Search.PlateauEpsilon = 1e-6
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BackoffFactor == 0 {
		c.Retry.BackoffFactor = 0.7
	}

	c.Solver.Standard = fillOptions(c.Solver.Standard, powerflow.DefaultOptions())
	c.Solver.Conservative = fillOptions(c.Solver.Conservative, powerflow.ConservativeOptions())

	if c.Scenario.Mode == "" {
		c.Scenario.Mode = "auto_weakest"
	}
	if c.Scenario.Multiplier == 0 {
		c.Scenario.Multiplier = 1
	}
	if c.Scenario.Seed == 0 {
		c.Scenario.Seed = 1
	}

	if c.History.Path == "" {
		c.History.Path = defaultHistoryDB
	}

	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "stdout"
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "tint"
	}
}

func fillOptions(o, d powerflow.Options) powerflow.Options {
	if o.MaxIterations == 0 {
		o.MaxIterations = d.MaxIterations
	}
	if o.ToleranceMVA == 0 {
		o.ToleranceMVA = d.ToleranceMVA
	}
	if o.Algorithm == "" {
		o.Algorithm = d.Algorithm
	}
	return o
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the struct tags of every section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
