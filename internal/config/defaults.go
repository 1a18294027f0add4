package config

const (
	defaultWindowSeconds    = 120
	defaultRetryBump        = 10
	defaultWorkers          = 4
	defaultInitialBatchSize = 10
	defaultMaxBatchSize     = 100
	defaultHistorySize      = 20
	defaultStopTimeout      = 30
	defaultBackend          = "sqlite"
	defaultCheckpointDir    = "checkpoints"
)

// defaultExtractionTemplate asks for the structured shape internal/extract
// parses. Config may override it entirely.
const defaultExtractionTemplate = `You are building a knowledge graph from a podcast transcript.
Extract the named entities, the relationships between them, and any standalone
insights from the following transcript segment of episode "{{.EpisodeTitle}}".

Transcript segment ({{.SegmentID}}):
{{.Text}}

Reply with a single JSON object:
{"entities": [{"name": "...", "type": "...", "description": "..."}],
 "relations": [{"source": "...", "predicate": "...", "target": "..."}],
 "insights": ["..."]}`

func applyDefaults(cfg *Config) {
	if cfg.Pipeline.WindowSeconds == 0 {
		cfg.Pipeline.WindowSeconds = defaultWindowSeconds
	}
	if cfg.Pipeline.RetryPriorityBump == nil {
		bump := defaultRetryBump
		cfg.Pipeline.RetryPriorityBump = &bump
	}
	if cfg.Engine.Workers == 0 {
		cfg.Engine.Workers = defaultWorkers
	}
	if cfg.Engine.InitialBatchSize == 0 {
		cfg.Engine.InitialBatchSize = defaultInitialBatchSize
	}
	if cfg.Engine.MaxBatchSize == 0 {
		cfg.Engine.MaxBatchSize = defaultMaxBatchSize
	}
	if cfg.Engine.HistorySize == 0 {
		cfg.Engine.HistorySize = defaultHistorySize
	}
	if cfg.Engine.StopTimeoutSeconds == 0 {
		cfg.Engine.StopTimeoutSeconds = defaultStopTimeout
	}
	if cfg.Checkpoint.Backend == "" {
		cfg.Checkpoint.Backend = defaultBackend
	}
	if cfg.Checkpoint.Dir == "" {
		cfg.Checkpoint.Dir = defaultCheckpointDir
	}
	if cfg.PromptTemplates.SegmentExtraction == "" {
		cfg.PromptTemplates.SegmentExtraction = defaultExtractionTemplate
	}
}
