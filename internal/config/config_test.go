package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const minimalConfig = `
[pipeline]
transcript_dir = "transcripts"

[models.extraction]
base_url = "https://api.example.com/v1"
model_name = "test-model"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, _, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Engine.Workers != defaultWorkers {
		t.Errorf("workers default: got %d, want %d", cfg.Engine.Workers, defaultWorkers)
	}
	if cfg.Engine.InitialBatchSize != defaultInitialBatchSize {
		t.Errorf("initial batch size default: got %d", cfg.Engine.InitialBatchSize)
	}
	if cfg.Engine.MaxBatchSize != defaultMaxBatchSize {
		t.Errorf("max batch size default: got %d", cfg.Engine.MaxBatchSize)
	}
	if cfg.Pipeline.WindowSeconds != defaultWindowSeconds {
		t.Errorf("window seconds default: got %d", cfg.Pipeline.WindowSeconds)
	}
	if cfg.Checkpoint.Backend != "sqlite" {
		t.Errorf("backend default: got %q", cfg.Checkpoint.Backend)
	}
	if cfg.Checkpoint.Dir != defaultCheckpointDir {
		t.Errorf("checkpoint dir default: got %q", cfg.Checkpoint.Dir)
	}
	if cfg.PromptTemplates.SegmentExtraction == "" {
		t.Error("extraction template default missing")
	}
	if cfg.Pipeline.RetryPriorityBump == nil || *cfg.Pipeline.RetryPriorityBump != defaultRetryBump {
		t.Errorf("retry priority bump default: got %v", cfg.Pipeline.RetryPriorityBump)
	}
}

func TestLoadRetryPriorityBumpZeroIsHonored(t *testing.T) {
	content := `
[pipeline]
transcript_dir = "transcripts"
retry_priority_bump = 0

[models.extraction]
base_url = "https://api.example.com/v1"
model_name = "test-model"
`
	cfg, _, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Pipeline.RetryPriorityBump == nil || *cfg.Pipeline.RetryPriorityBump != 0 {
		t.Errorf("an explicit zero bump must disable the bump, got %v", cfg.Pipeline.RetryPriorityBump)
	}
}

func TestLoadExplicitValuesWin(t *testing.T) {
	content := minimalConfig + `
[engine]
workers = 8
initial_batch_size = 5
max_batch_size = 50
memory_limit_mb = 512.0

[checkpoint]
backend = "files"
dir = "state"
`
	cfg, _, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Engine.Workers != 8 || cfg.Engine.InitialBatchSize != 5 || cfg.Engine.MaxBatchSize != 50 {
		t.Errorf("engine values not honored: %+v", cfg.Engine)
	}
	if cfg.Engine.MemoryLimitMB != 512 {
		t.Errorf("memory limit not honored: %f", cfg.Engine.MemoryLimitMB)
	}
	if cfg.Checkpoint.Backend != "files" || cfg.Checkpoint.Dir != "state" {
		t.Errorf("checkpoint config not honored: %+v", cfg.Checkpoint)
	}
}

func TestLoadSecretsFromEnv(t *testing.T) {
	t.Setenv("GRAPHSCRIBE_API_KEY", "sk-test-123")
	t.Setenv("NEO4J_PASSWORD", "hunter2")

	_, secrets, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if secrets.APIKey != "sk-test-123" {
		t.Errorf("api key: got %q", secrets.APIKey)
	}
	if secrets.Neo4jPassword != "hunter2" {
		t.Errorf("neo4j password: got %q", secrets.Neo4jPassword)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing extraction model",
			content: "[pipeline]\ntranscript_dir = \"x\"\n",
			wantErr: "models.extraction",
		},
		{
			name: "missing base url",
			content: `
[models.extraction]
model_name = "m"
`,
			wantErr: "base_url",
		},
		{
			name: "missing model name",
			content: `
[models.extraction]
base_url = "https://x"
`,
			wantErr: "model_name",
		},
		{
			name: "bad checkpoint backend",
			content: minimalConfig + `
[checkpoint]
backend = "redis"
`,
			wantErr: "checkpoint.backend",
		},
		{
			name: "max below initial batch size",
			content: minimalConfig + `
[engine]
initial_batch_size = 50
max_batch_size = 10
`,
			wantErr: "max_batch_size",
		},
		{
			name: "negative retry priority bump",
			content: `
[pipeline]
transcript_dir = "transcripts"
retry_priority_bump = -1

[models.extraction]
base_url = "https://api.example.com/v1"
model_name = "test-model"
`,
			wantErr: "retry_priority_bump",
		},
		{
			name: "graph enabled without uri",
			content: minimalConfig + `
[graph]
enabled = true
`,
			wantErr: "graph.uri",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestLoadMalformedTOML(t *testing.T) {
	if _, _, err := Load(writeConfig(t, "not [valid toml")); err == nil {
		t.Error("expected error for malformed TOML")
	}
}
