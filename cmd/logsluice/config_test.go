package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/logsluice/logsluice/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logsluice.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig_FileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
pipeline_count: 2
message_backlog_size: 128
shutdown_timeout: 3s
input:
  type: memory
output:
  type: console
  batch_size: 100
  flush_timeout: 250ms
processors:
  - type: field_dropper
    fields: [password]
`)

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.PipelineCount != 2 {
		t.Fatalf("pipeline_count = %d, want 2", cfg.PipelineCount)
	}
	if cfg.MessageBacklogSize != 128 {
		t.Fatalf("message_backlog_size = %d, want 128", cfg.MessageBacklogSize)
	}
	if cfg.ShutdownTimeout != 3*time.Second {
		t.Fatalf("shutdown_timeout = %v, want 3s", cfg.ShutdownTimeout)
	}
	if cfg.Output.BatchSize != 100 || cfg.Output.FlushTimeout != 250*time.Millisecond {
		t.Fatalf("output policy = %+v", cfg.Output)
	}
	// Untouched keys keep their defaults.
	if cfg.Output.MaxRetries != config.DefaultOutput("console").MaxRetries {
		t.Fatalf("max_retries = %d, want default", cfg.Output.MaxRetries)
	}
	if len(cfg.Processors) != 1 || cfg.Processors[0].Type != "field_dropper" {
		t.Fatalf("processors = %+v", cfg.Processors)
	}
}

func TestLoadConfig_EnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `
output:
  type: console
  batch_size: 100
`)
	t.Setenv("LOGSLUICE_OUTPUT_BATCH_SIZE", "7")

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Output.BatchSize != 7 {
		t.Fatalf("batch_size = %d, want env override 7", cfg.Output.BatchSize)
	}
}

func TestLoadConfig_MissingExplicitFileFails(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing explicit config file accepted")
	}
}

func TestLoadConfig_InvalidValuesRejected(t *testing.T) {
	path := writeConfig(t, `
on_full: sometimes
`)
	if _, err := loadConfig(path); err == nil {
		t.Fatal("invalid on_full accepted")
	}
}
