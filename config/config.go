// Package config defines the root configuration struct the demo entrypoint
// loads once at startup and threads down to every component via
// constructors, per spec §6's environment-control list and §9's Design Note
// "Singleton services" (no package-level globals).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Concurrency mirrors spec §6's AI_MAX_CONCURRENT_BACKGROUND control.
type Concurrency struct {
	MaxConcurrentBackground int `yaml:"max_concurrent_background"`
}

// Plan mirrors spec §6's PLAN_DEADLINE_MS control.
type Plan struct {
	DeadlineMs int `yaml:"deadline_ms"`
}

// Mongo configures the durable backing store shared by Agent Profile, Audit
// Log, and Memory Service.
type Mongo struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// Redis configures the low-latency, TTL-native backing store for
// Idempotency Cache and Checkpoint Store. Empty Addr means "use the
// in-memory fallback".
type Redis struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

// Qdrant configures the Memory Service's vector index. Empty Addr means
// "use the in-memory brute-force fallback".
type Qdrant struct {
	Addr       string `yaml:"addr"`
	Collection string `yaml:"collection"`
}

// ModelProvider selects and configures one Model Router adapter.
type ModelProvider struct {
	Name         string  `yaml:"name"` // "anthropic" | "openai" | "bedrock"
	APIKey       string  `yaml:"api_key"`
	Region       string  `yaml:"region"` // bedrock only
	DefaultModel string  `yaml:"default_model"`
	HighModel    string  `yaml:"high_model"`
	SmallModel   string  `yaml:"small_model"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float32 `yaml:"temperature"`
	InitialTPM   float64 `yaml:"initial_tpm"`
	MaxTPM       float64 `yaml:"max_tpm"`
}

// Config is the root configuration the demo entrypoint loads and wires.
type Config struct {
	Concurrency Concurrency   `yaml:"concurrency"`
	Plan        Plan          `yaml:"plan"`
	Mongo       Mongo         `yaml:"mongo"`
	Redis       Redis         `yaml:"redis"`
	Qdrant      Qdrant        `yaml:"qdrant"`
	Model       ModelProvider `yaml:"model"`
}

// PlanDeadline returns Plan.DeadlineMs as a time.Duration, defaulting to
// 180s per spec §6.
func (c Config) PlanDeadline() time.Duration {
	if c.Plan.DeadlineMs <= 0 {
		return 180 * time.Second
	}
	return time.Duration(c.Plan.DeadlineMs) * time.Millisecond
}

// MaxConcurrentBackground returns the configured cap, defaulting to 3 per
// spec §6.
func (c Config) MaxConcurrentBackground() int {
	if c.Concurrency.MaxConcurrentBackground <= 0 {
		return 3
	}
	return c.Concurrency.MaxConcurrentBackground
}

// Default returns the zero-infra configuration: in-memory stores
// everywhere, no model provider configured (the caller must fall back to a
// stub model.Client).
func Default() Config {
	return Config{
		Concurrency: Concurrency{MaxConcurrentBackground: 3},
		Plan:        Plan{DeadlineMs: 180000},
	}
}

// Load reads and parses a YAML config file at path, applying Default()'s
// values for anything the file leaves at its zero value.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Concurrency.MaxConcurrentBackground <= 0 {
		cfg.Concurrency.MaxConcurrentBackground = 3
	}
	if cfg.Plan.DeadlineMs <= 0 {
		cfg.Plan.DeadlineMs = 180000
	}
	return cfg, nil
}
