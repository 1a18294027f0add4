package config

// Config represents the complete application configuration
type Config struct {
	Pipeline        PipelineConfig         `toml:"pipeline"`
	Engine          EngineConfig           `toml:"engine"`
	Checkpoint      CheckpointConfig       `toml:"checkpoint"`
	Models          map[string]ModelConfig `toml:"models"`
	Graph           GraphConfig            `toml:"graph"`
	PromptTemplates PromptTemplates        `toml:"prompt_templates"`
}

// PipelineConfig holds extraction pipeline settings
type PipelineConfig struct {
	TranscriptDir     string `toml:"transcript_dir"`      // Directory of .vtt transcripts, one per episode
	WindowSeconds     int    `toml:"window_seconds"`      // Transcript window size per segment
	RetryPriorityBump *int   `toml:"retry_priority_bump"` // Priority added to previously failed segments; 0 disables
	MetricsAddr       string `toml:"metrics_addr"`        // Optional Prometheus listen address (e.g. ":2112")
}

// EngineConfig holds batch execution engine settings
type EngineConfig struct {
	Workers            int     `toml:"workers"`
	InitialBatchSize   int     `toml:"initial_batch_size"`
	MaxBatchSize       int     `toml:"max_batch_size"`
	MemoryLimitMB      float64 `toml:"memory_limit_mb"` // 0 disables the memory check
	HistorySize        int     `toml:"history_size"`
	StopTimeoutSeconds int     `toml:"stop_timeout_seconds"`
}

// CheckpointConfig selects the durable checkpoint backend
type CheckpointConfig struct {
	Backend string `toml:"backend"` // "sqlite" (default) or "files"
	Dir     string `toml:"dir"`     // Root directory for checkpoint state
}

// ModelConfig represents configuration for a single model endpoint
type ModelConfig struct {
	BaseURL            string  `toml:"base_url"`
	ModelName          string  `toml:"model_name"`
	Temperature        float64 `toml:"temperature"`
	MaxOutputTokens    int     `toml:"max_output_tokens"`
	RateLimitPerMinute int     `toml:"rate_limit_per_minute"`
	MaxRetries         int     `toml:"max_retries"`           // 0 uses the client default
	HTTPTimeoutSeconds int     `toml:"http_timeout_seconds"`  // 0 uses the client default
}

// GraphConfig holds optional Neo4j output settings
type GraphConfig struct {
	Enabled  bool   `toml:"enabled"`
	URI      string `toml:"uri"`
	Username string `toml:"username"`
	Database string `toml:"database"`
}

// PromptTemplates holds the customizable extraction prompts
type PromptTemplates struct {
	SegmentExtraction string `toml:"segment_extraction"`
	SystemPrompt      string `toml:"system_prompt"`
}

// Secrets holds sensitive credentials loaded from environment variables,
// never from the TOML file.
type Secrets struct {
	APIKey        string
	Neo4jPassword string
}
