package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Load reads and validates the TOML configuration at path, and collects
// secrets from the environment.
func Load(path string) (*Config, *Secrets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	secrets := &Secrets{
		APIKey:        os.Getenv("GRAPHSCRIBE_API_KEY"),
		Neo4jPassword: os.Getenv("NEO4J_PASSWORD"),
	}
	return &cfg, secrets, nil
}

// Validate rejects configurations the engine would refuse at construction
// time, so misconfiguration surfaces before any work starts.
func (c *Config) Validate() error {
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be at least 1, got %d", c.Engine.Workers)
	}
	if c.Engine.InitialBatchSize < 1 {
		return fmt.Errorf("engine.initial_batch_size must be at least 1, got %d", c.Engine.InitialBatchSize)
	}
	if c.Engine.MaxBatchSize < c.Engine.InitialBatchSize {
		return fmt.Errorf("engine.max_batch_size %d is below engine.initial_batch_size %d",
			c.Engine.MaxBatchSize, c.Engine.InitialBatchSize)
	}
	if c.Engine.MemoryLimitMB < 0 {
		return fmt.Errorf("engine.memory_limit_mb must not be negative")
	}
	if c.Pipeline.WindowSeconds < 1 {
		return fmt.Errorf("pipeline.window_seconds must be at least 1, got %d", c.Pipeline.WindowSeconds)
	}
	if c.Pipeline.RetryPriorityBump != nil && *c.Pipeline.RetryPriorityBump < 0 {
		return fmt.Errorf("pipeline.retry_priority_bump must not be negative, got %d", *c.Pipeline.RetryPriorityBump)
	}
	switch c.Checkpoint.Backend {
	case "sqlite", "files":
	default:
		return fmt.Errorf("checkpoint.backend must be %q or %q, got %q", "sqlite", "files", c.Checkpoint.Backend)
	}
	if _, ok := c.Models["extraction"]; !ok {
		return fmt.Errorf("models.extraction is required")
	}
	for name, m := range c.Models {
		if m.BaseURL == "" {
			return fmt.Errorf("models.%s.base_url is required", name)
		}
		if m.ModelName == "" {
			return fmt.Errorf("models.%s.model_name is required", name)
		}
	}
	if c.Graph.Enabled && c.Graph.URI == "" {
		return fmt.Errorf("graph.uri is required when graph output is enabled")
	}
	return nil
}
