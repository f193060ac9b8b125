package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PROJECT_ID", "proj")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.WorkflowConfigName != "default" {
		t.Errorf("WorkflowConfigName = %q, want default", cfg.WorkflowConfigName)
	}
	if cfg.SearchIndexName != "edu" {
		t.Errorf("SearchIndexName = %q, want edu", cfg.SearchIndexName)
	}
	want := DispatchConfig{
		RetryInterval:    3 * time.Second,
		BackoffRate:      2,
		MaxAttempts:      6,
		HeartbeatTimeout: 120 * time.Minute,
		TaskTimeout:      120 * time.Minute,
		PollInterval:     5 * time.Second,
		DeadlineMargin:   30 * time.Second,
	}
	if cfg.Dispatch != want {
		t.Errorf("Dispatch = %+v, want %+v", cfg.Dispatch, want)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want info", cfg.LogLevel)
	}
	if got := cfg.Source("workflow"); got != "workflow.casedocflow" {
		t.Errorf("Source() = %q", got)
	}
	if got := cfg.WorkTopic("textract"); got != "stage-work-textract" {
		t.Errorf("WorkTopic() = %q", got)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("UPLOAD_PREFIX", "/uploads/")
	t.Setenv("DISPATCH_MAX_ATTEMPTS", "2")
	t.Setenv("TASK_TIMEOUT", "30s")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("BUS_BACKEND", BusWorkflows)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.UploadPrefix != "uploads" {
		t.Errorf("UploadPrefix = %q, want uploads", cfg.UploadPrefix)
	}
	if cfg.Dispatch.MaxAttempts != 2 {
		t.Errorf("MaxAttempts = %d, want 2", cfg.Dispatch.MaxAttempts)
	}
	if cfg.Dispatch.TaskTimeout != 30*time.Second {
		t.Errorf("TaskTimeout = %v, want 30s", cfg.Dispatch.TaskTimeout)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
	if got := cfg.EventBus().Name; got != "STAGE_WORKFLOW_ID" {
		t.Errorf("EventBus().Name = %q", got)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"bad duration", "TASK_HEARTBEAT_TIMEOUT", "soon"},
		{"zero attempts", "DISPATCH_MAX_ATTEMPTS", "0"},
		{"shrinking backoff", "DISPATCH_BACKOFF_RATE", "0.5"},
		{"unknown bus", "BUS_BACKEND", "kafka"},
		{"bad level", "LOG_LEVEL", "loud"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load() with %s=%s succeeded, want error", tt.key, tt.value)
			}
		})
	}
}

func TestRequire(t *testing.T) {
	cfg := &Config{ProjectID: "p"}
	if err := Require(cfg.Project()); err != nil {
		t.Errorf("Require(project) error = %v", err)
	}
	err := Require(cfg.Project(), cfg.Inferences())
	if err == nil || err.Error() != "INFERENCE_BUCKET environment variable must be set" {
		t.Errorf("Require() error = %v", err)
	}
}
