// Package config holds the runtime configuration for the orchestration loop:
// model provider, execution environment, iteration and recursion budgets,
// timeouts, and trajectory output. Loaded from YAML with environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration for one session run.
type Config struct {
	LLM        LLMConfig        `yaml:"llm"`
	Env        EnvConfig        `yaml:"environment"`
	Limits     Limits           `yaml:"limits"`
	Human      HumanConfig      `yaml:"human"`
	Trajectory TrajectoryConfig `yaml:"trajectory"`

	// RootInstruction is carried into every per-iteration prompt so the
	// model keeps sight of the original task. Optional.
	RootInstruction string `yaml:"root_instruction"`
}

// Limits bounds the iteration loop and recursive fan-out.
type Limits struct {
	// MaxIterations is the hard budget of generate→execute→check passes.
	MaxIterations int `yaml:"max_iterations"`

	// RecursionLimit bounds nested sub-query depth. A sub-query at depth d
	// is rejected before dispatch when d+1 exceeds this limit.
	RecursionLimit int `yaml:"recursion_limit"`

	// MaxObservationChars truncates REPL output echoed back to the model.
	// The full output is still recorded in the trajectory.
	MaxObservationChars int `yaml:"max_observation_chars"`
}

// HumanConfig configures the human gateway endpoint.
type HumanConfig struct {
	// Addr is the external responder address, e.g. "http://127.0.0.1:8377".
	// Empty disables the gateway; humanQuery then fails immediately.
	Addr string `yaml:"addr"`

	// Timeout is the default wait for an answer.
	Timeout Duration `yaml:"timeout"`
}

// TrajectoryConfig configures trajectory persistence.
type TrajectoryConfig struct {
	// Dir is where per-session JSONL logs are written. Empty disables
	// persistence (events are dropped).
	Dir string `yaml:"dir"`

	// IndexPath is the SQLite session index. Defaults to Dir/sessions.db
	// when Dir is set.
	IndexPath string `yaml:"index_path"`
}

// Default returns a configuration with working defaults for everything
// except credentials.
func Default() Config {
	return Config{
		LLM:    DefaultLLMConfig(),
		Env:    DefaultEnvConfig(),
		Limits: Limits{MaxIterations: 30, RecursionLimit: 1, MaxObservationChars: 20000},
		Human:  HumanConfig{Timeout: Duration(5 * time.Minute)},
		Trajectory: TrajectoryConfig{
			Dir: "logs",
		},
	}
}

// Load reads a YAML config file over the defaults, then applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

// FromEnv returns the default config with environment overrides applied.
func FromEnv() Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// applyEnv overlays RLM_* environment variables. Env vars win over file
// values so deployments can override without editing config files.
func (c *Config) applyEnv() {
	if v := os.Getenv("RLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("RLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("RLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("RLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("RLM_ENVIRONMENT"); v != "" {
		c.Env.Kind = v
	}
	if v := os.Getenv("RLM_HUMAN_ADDR"); v != "" {
		c.Human.Addr = v
	}
	if v := os.Getenv("RLM_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Limits.MaxIterations = n
		}
	}
	if v := os.Getenv("RLM_RECURSION_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Limits.RecursionLimit = n
		}
	}
	if v := os.Getenv("RLM_TRAJECTORY_DIR"); v != "" {
		c.Trajectory.Dir = v
	}
}

// Validate checks invariants the orchestrator depends on.
func (c Config) Validate() error {
	if c.Limits.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be >= 1, got %d", c.Limits.MaxIterations)
	}
	if c.Limits.RecursionLimit < 1 {
		return fmt.Errorf("recursion_limit must be >= 1, got %d", c.Limits.RecursionLimit)
	}
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if err := c.Env.Validate(); err != nil {
		return err
	}
	return nil
}
