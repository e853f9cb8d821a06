// Package config loads runtime settings from YAML or TOML files with
// environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/roach88/tickstate/internal/converge"
	"github.com/roach88/tickstate/internal/engine"
	"github.com/roach88/tickstate/internal/runtime"
)

// Environment overrides, applied after the file.
const (
	EnvLogLevel       = "TICKSTATE_LOG_LEVEL"
	EnvLogFormat      = "TICKSTATE_LOG_FORMAT"
	EnvMaxSteps       = "TICKSTATE_MAX_STEPS"
	EnvUrgentStepCap  = "TICKSTATE_URGENT_STEP_CAP"
	EnvMaxDrainRounds = "TICKSTATE_MAX_DRAIN_ROUNDS"
	EnvBudgetMs       = "TICKSTATE_BUDGET_MS"
	EnvDiagnostics    = "TICKSTATE_DIAGNOSTICS"
)

// Config is the full runtime configuration.
type Config struct {
	Scheduler   SchedulerConfig   `yaml:"scheduler" toml:"scheduler"`
	Convergence ConvergenceConfig `yaml:"convergence" toml:"convergence"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics" toml:"diagnostics"`
	Log         LogConfig         `yaml:"log" toml:"log"`
	Trace       TraceConfig       `yaml:"trace" toml:"trace"`
}

// SchedulerConfig holds the tick limits.
type SchedulerConfig struct {
	MaxSteps       int `yaml:"max_steps" toml:"max_steps"`
	UrgentStepCap  int `yaml:"urgent_step_cap" toml:"urgent_step_cap"`
	MaxDrainRounds int `yaml:"max_drain_rounds" toml:"max_drain_rounds"`
}

// ConvergenceConfig holds the per-pass settings.
type ConvergenceConfig struct {
	BudgetMs int64  `yaml:"budget_ms" toml:"budget_ms"` // 0 means unlimited
	Mode     string `yaml:"mode" toml:"mode"`           // full | dirty
}

// DiagnosticsConfig controls diagnostic output.
type DiagnosticsConfig struct {
	Level string `yaml:"level" toml:"level"` // off | light | full
	Label string `yaml:"label" toml:"label"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`   // debug | info | warn | error
	Format string `yaml:"format" toml:"format"` // text | json
}

// TraceConfig points at the SQLite trace log. Empty DB disables it.
type TraceConfig struct {
	DB string `yaml:"db" toml:"db"`
}

// Default returns the built-in configuration.
func Default() Config {
	l := engine.DefaultLimits()
	return Config{
		Scheduler: SchedulerConfig{
			MaxSteps:       l.MaxSteps,
			UrgentStepCap:  l.UrgentStepCap,
			MaxDrainRounds: l.MaxDrainRounds,
		},
		Convergence: ConvergenceConfig{Mode: "full"},
		Diagnostics: DiagnosticsConfig{Level: "light"},
		Log:         LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path loads only defaults and environment.
//
// The format follows the extension: .yaml/.yml or .toml. Unknown YAML keys
// are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
		}
		if err := decode(path, data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config invalid: %w", err)
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	case ".toml":
		meta, err := toml.Decode(string(data), cfg)
		if err != nil {
			return err
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown key %q", undecoded[0].String())
		}
		return nil
	default:
		return fmt.Errorf("unsupported config format %q: want .yaml, .yml or .toml", filepath.Ext(path))
	}
}

// ApplyEnv applies TICKSTATE_* overrides read through lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.ToLower(strings.TrimSpace(v))
		}
	}
	num := func(name string, set func(int64)) error {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
		set(n)
		return nil
	}

	str(EnvLogLevel, &cfg.Log.Level)
	str(EnvLogFormat, &cfg.Log.Format)
	str(EnvDiagnostics, &cfg.Diagnostics.Level)

	for _, o := range []struct {
		name string
		set  func(int64)
	}{
		{EnvMaxSteps, func(n int64) { cfg.Scheduler.MaxSteps = int(n) }},
		{EnvUrgentStepCap, func(n int64) { cfg.Scheduler.UrgentStepCap = int(n) }},
		{EnvMaxDrainRounds, func(n int64) { cfg.Scheduler.MaxDrainRounds = int(n) }},
		{EnvBudgetMs, func(n int64) { cfg.Convergence.BudgetMs = n }},
	} {
		if err := num(o.name, o.set); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects non-positive limits and unknown enum values.
func (c Config) Validate() error {
	if err := c.Limits().Validate(); err != nil {
		return err
	}
	if c.Convergence.BudgetMs < 0 {
		return fmt.Errorf("convergence.budget_ms must be >= 0, got %d", c.Convergence.BudgetMs)
	}
	if _, err := c.Mode(); err != nil {
		return err
	}
	if _, ok := converge.ParseDiagnosticsLevel(c.Diagnostics.Level); !ok {
		return fmt.Errorf("diagnostics.level: unknown value %q: want off, light or full", c.Diagnostics.Level)
	}
	if _, ok := parseLevel(c.Log.Level); !ok {
		return fmt.Errorf("log.level: unknown value %q: want debug, info, warn or error", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format: unknown value %q: want text or json", c.Log.Format)
	}
	return nil
}

// Limits returns the scheduler limits.
func (c Config) Limits() engine.Limits {
	return engine.Limits{
		MaxSteps:       c.Scheduler.MaxSteps,
		UrgentStepCap:  c.Scheduler.UrgentStepCap,
		MaxDrainRounds: c.Scheduler.MaxDrainRounds,
	}
}

// Mode returns the convergence mode.
func (c Config) Mode() (converge.Mode, error) {
	switch c.Convergence.Mode {
	case "", "full":
		return converge.ModeFull, nil
	case "dirty":
		return converge.ModeDirty, nil
	}
	return converge.ModeFull, fmt.Errorf("convergence.mode: unknown value %q: want full or dirty", c.Convergence.Mode)
}

// RuntimeOptions translates the configuration into runtime options.
// The configuration must be valid.
func (c Config) RuntimeOptions() []runtime.Option {
	mode, _ := c.Mode()
	level, _ := converge.ParseDiagnosticsLevel(c.Diagnostics.Level)
	return []runtime.Option{
		runtime.WithLimits(c.Limits()),
		runtime.WithBudget(time.Duration(c.Convergence.BudgetMs) * time.Millisecond),
		runtime.WithMode(mode),
		runtime.WithDiagnostics(level),
		runtime.WithRuntimeLabel(c.Diagnostics.Label),
	}
}

// NewLogger builds a slog logger writing to w.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(raw string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, true
	case "", "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}
