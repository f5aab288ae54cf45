package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RookeryConfig represents the top-level rookery.yml configuration
type RookeryConfig struct {
	Version   string                    `yaml:"version"`
	Instance  string                    `yaml:"instance"`
	Redis     RedisConfig               `yaml:"redis"`
	Server    *ServerConfig             `yaml:"server,omitempty"`
	Providers map[string]ProviderConfig `yaml:"providers,omitempty"`
	Models    []ModelSeed               `yaml:"models,omitempty"`
	Routing   *RoutingConfig            `yaml:"routing,omitempty"`
	Agents    map[string]AgentConfig    `yaml:"agents,omitempty"`
	Queue     *QueueConfig              `yaml:"queue,omitempty"`
	Scheduler *SchedulerConfig          `yaml:"scheduler,omitempty"`
}

// RedisConfig specifies how to reach the backing Redis instance
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// ServerConfig specifies the HTTP listener
type ServerConfig struct {
	Addr string `yaml:"addr,omitempty"` // default ":8400"
}

// ProviderConfig specifies credentials and endpoint for one model provider.
// Keys come from the environment, never the file.
type ProviderConfig struct {
	APIKeyEnv string `yaml:"api_key_env,omitempty"` // env var holding the API key
	Endpoint  string `yaml:"endpoint,omitempty"`
}

// ModelSeed is a catalogue entry loaded into the model registry at startup.
// Scores are starting estimates; the evaluator refines them at runtime.
type ModelSeed struct {
	ID               string   `yaml:"id"`
	Provider         string   `yaml:"provider"`
	DisplayName      string   `yaml:"display_name,omitempty"`
	Endpoint         string   `yaml:"endpoint,omitempty"`
	Modalities       []string `yaml:"modalities,omitempty"`
	QualityScore     float64  `yaml:"quality_score,omitempty"`
	ReliabilityScore float64  `yaml:"reliability_score,omitempty"`
	AvgLatencyMs     float64  `yaml:"avg_latency_ms,omitempty"`
	CostPer1KTokens  float64  `yaml:"cost_per_1k_tokens,omitempty"`
	Enabled          *bool    `yaml:"enabled,omitempty"` // default true
}

// RoutingConfig tunes model selection
type RoutingConfig struct {
	PreferLocal bool            `yaml:"prefer_local,omitempty"`
	Weights     *RoutingWeights `yaml:"weights,omitempty"`
}

// RoutingWeights overrides the scoring weights. All four must be set together.
type RoutingWeights struct {
	Quality     float64 `yaml:"quality"`
	Reliability float64 `yaml:"reliability"`
	Latency     float64 `yaml:"latency"`
	Cost        float64 `yaml:"cost"`
	LocalBonus  float64 `yaml:"local_bonus,omitempty"`
}

// AgentConfig customises one agent
type AgentConfig struct {
	SystemPrompt string   `yaml:"system_prompt,omitempty"`
	Fallbacks    []string `yaml:"fallbacks,omitempty"` // model ids tried in order after the primary
	MinQuality   float64  `yaml:"min_quality,omitempty"`
	MaxCost      float64  `yaml:"max_cost,omitempty"`
}

// QueueConfig tunes job retry and lease behaviour
type QueueConfig struct {
	MaxAttempts *int      `yaml:"max_attempts,omitempty"` // default 3
	LeaseTime   *Duration `yaml:"lease_time,omitempty"`
	BackoffBase *Duration `yaml:"backoff_base,omitempty"`
	BackoffCap  *Duration `yaml:"backoff_cap,omitempty"`
}

// SchedulerConfig tunes the polling dispatch loop
type SchedulerConfig struct {
	Interval    *Duration `yaml:"interval,omitempty"`
	BatchSize   *int      `yaml:"batch_size,omitempty"`
	Concurrency *int      `yaml:"concurrency,omitempty"`
	JobTimeout  *Duration `yaml:"job_timeout,omitempty"`
	StaleAfter  *Duration `yaml:"stale_after,omitempty"`
}

// Duration parses YAML durations written as strings like "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a standard time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Validate performs strict validation on the configuration and fills in
// defaults for omitted sections.
func (c *RookeryConfig) Validate() error {
	// Required: version
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Instance == "" {
		c.Instance = "default"
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}

	if c.Server == nil {
		c.Server = &ServerConfig{}
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8400"
	}

	// Every model must name a configured or built-in provider.
	seen := make(map[string]bool)
	for i := range c.Models {
		m := &c.Models[i]
		if err := m.validate(i); err != nil {
			return err
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate model id '%s'", m.ID)
		}
		seen[m.ID] = true
	}

	for name, a := range c.Agents {
		for _, fb := range a.Fallbacks {
			if len(c.Models) > 0 && !seen[fb] {
				return fmt.Errorf("agent '%s': fallback model '%s' is not in the model catalogue", name, fb)
			}
		}
		if a.MinQuality < 0 || a.MinQuality > 1 {
			return fmt.Errorf("agent '%s': min_quality must be in [0,1]", name)
		}
	}

	if c.Routing != nil && c.Routing.Weights != nil {
		w := c.Routing.Weights
		if w.Quality < 0 || w.Reliability < 0 || w.Latency < 0 || w.Cost < 0 {
			return fmt.Errorf("routing.weights must be non-negative")
		}
		if w.Quality+w.Reliability+w.Latency+w.Cost == 0 {
			return fmt.Errorf("routing.weights must not all be zero")
		}
	}

	if c.Queue != nil {
		if c.Queue.MaxAttempts != nil && *c.Queue.MaxAttempts < 1 {
			return fmt.Errorf("queue.max_attempts must be >= 1, got %d", *c.Queue.MaxAttempts)
		}
		for name, d := range map[string]*Duration{
			"queue.lease_time":   c.Queue.LeaseTime,
			"queue.backoff_base": c.Queue.BackoffBase,
			"queue.backoff_cap":  c.Queue.BackoffCap,
		} {
			if d != nil && *d <= 0 {
				return fmt.Errorf("%s must be positive", name)
			}
		}
	}

	if c.Scheduler != nil {
		if c.Scheduler.BatchSize != nil && *c.Scheduler.BatchSize < 1 {
			return fmt.Errorf("scheduler.batch_size must be >= 1")
		}
		if c.Scheduler.Concurrency != nil && *c.Scheduler.Concurrency < 1 {
			return fmt.Errorf("scheduler.concurrency must be >= 1")
		}
		for name, d := range map[string]*Duration{
			"scheduler.interval":    c.Scheduler.Interval,
			"scheduler.job_timeout": c.Scheduler.JobTimeout,
			"scheduler.stale_after": c.Scheduler.StaleAfter,
		} {
			if d != nil && *d <= 0 {
				return fmt.Errorf("%s must be positive", name)
			}
		}
	}

	return nil
}

func (m *ModelSeed) validate(idx int) error {
	if m.ID == "" {
		return fmt.Errorf("models[%d]: id is required", idx)
	}
	if m.Provider == "" {
		return fmt.Errorf("model '%s': provider is required", m.ID)
	}
	if m.QualityScore < 0 || m.QualityScore > 1 {
		return fmt.Errorf("model '%s': quality_score must be in [0,1]", m.ID)
	}
	if m.ReliabilityScore < 0 || m.ReliabilityScore > 1 {
		return fmt.Errorf("model '%s': reliability_score must be in [0,1]", m.ID)
	}
	if m.AvgLatencyMs < 0 || m.CostPer1KTokens < 0 {
		return fmt.Errorf("model '%s': latency and cost must be non-negative", m.ID)
	}
	return nil
}

// IsEnabled reports whether the seed should start enabled. Unset means yes.
func (m *ModelSeed) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// APIKeys resolves provider API keys from the environment. Providers whose
// env var is unset or empty are simply absent from the result; the router
// will skip their models at call time.
func (c *RookeryConfig) APIKeys() map[string]string {
	keys := make(map[string]string)
	for name, p := range c.Providers {
		if p.APIKeyEnv == "" {
			continue
		}
		if v := os.Getenv(p.APIKeyEnv); v != "" {
			keys[name] = v
		}
	}
	return keys
}

// Load reads and validates rookery.yml from the specified path
func Load(path string) (*RookeryConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config RookeryConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
