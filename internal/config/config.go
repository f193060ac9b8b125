// Package config builds the single configuration value every function
// constructs once at cold start and hands to its components.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Bus backends for publishing orchestration events.
const (
	BusCloudEvents = "cloudevents"
	BusWorkflows   = "workflows"
)

// Config holds every setting read from the environment.
type Config struct {
	ProjectID    string
	AppNamespace string

	// Firestore collections.
	CaseCollection           string
	WorkflowConfigCollection string
	TaskCollection           string
	SearchIndexCollection    string

	WorkflowConfigName string
	SearchIndexName    string

	// Cloud Storage.
	UploadBucket     string
	UploadPrefix     string
	InferenceBucket  string
	DeadLetterBucket string
	SignedURLExpiry  time.Duration

	// Messaging.
	WorkTopicPrefix       string
	EventBusURL           string
	BusBackend            string
	StageWorkflowID       string
	StageWorkflowLocation string

	Dispatch DispatchConfig

	VertexAIRegion string
	VertexModel    string

	LogLevel slog.Level
}

// DispatchConfig controls the task callback channel.
type DispatchConfig struct {
	RetryInterval    time.Duration
	BackoffRate      float64
	MaxAttempts      int
	HeartbeatTimeout time.Duration
	TaskTimeout      time.Duration
	PollInterval     time.Duration
	// DeadlineMargin is the time kept back from the invocation deadline so
	// an awaiting runner can time out its tasks and fail the case itself.
	DeadlineMargin time.Duration
}

// GetEnv reads an environment variable or returns a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// Load reads the configuration from the environment. Only values that fail
// to parse are reported here; each function checks the settings it needs
// with the Require helpers.
func Load() (*Config, error) {
	cfg := &Config{
		ProjectID:                GetEnv("PROJECT_ID", ""),
		AppNamespace:             GetEnv("APP_NAMESPACE", "casedocflow"),
		CaseCollection:           GetEnv("CASE_COLLECTION", "cases"),
		WorkflowConfigCollection: GetEnv("WORKFLOW_CONFIG_COLLECTION", "workflow-config"),
		TaskCollection:           GetEnv("TASK_COLLECTION", "stage-tasks"),
		SearchIndexCollection:    GetEnv("SEARCH_INDEX_COLLECTION", "search-index"),
		WorkflowConfigName:       GetEnv("WORKFLOW_CONFIG_NAME", "default"),
		SearchIndexName:          GetEnv("SEARCH_INDEX_NAME", "edu"),
		UploadBucket:             GetEnv("UPLOAD_BUCKET", ""),
		UploadPrefix:             strings.Trim(GetEnv("UPLOAD_PREFIX", "initial"), "/"),
		InferenceBucket:          GetEnv("INFERENCE_BUCKET", ""),
		DeadLetterBucket:         GetEnv("DEAD_LETTER_BUCKET", ""),
		WorkTopicPrefix:          GetEnv("WORK_TOPIC_PREFIX", "stage-work"),
		EventBusURL:              GetEnv("EVENT_BUS_URL", ""),
		BusBackend:               GetEnv("BUS_BACKEND", BusCloudEvents),
		StageWorkflowID:          GetEnv("STAGE_WORKFLOW_ID", "case-stage-runner"),
		StageWorkflowLocation:    GetEnv("WORKFLOW_LOCATION", "us-central1"),
		VertexAIRegion:           GetEnv("VERTEX_AI_REGION", "us-central1"),
		VertexModel:              GetEnv("VERTEX_MODEL", "gemini-1.5-pro"),
	}

	var err error
	if cfg.SignedURLExpiry, err = durationEnv("SIGNED_URL_EXPIRY", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Dispatch.RetryInterval, err = durationEnv("DISPATCH_RETRY_INTERVAL", 3*time.Second); err != nil {
		return nil, err
	}
	if cfg.Dispatch.HeartbeatTimeout, err = durationEnv("TASK_HEARTBEAT_TIMEOUT", 120*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Dispatch.TaskTimeout, err = durationEnv("TASK_TIMEOUT", 120*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Dispatch.PollInterval, err = durationEnv("TASK_POLL_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.Dispatch.DeadlineMargin, err = durationEnv("TASK_DEADLINE_MARGIN", 30*time.Second); err != nil {
		return nil, err
	}

	rate, err := strconv.ParseFloat(GetEnv("DISPATCH_BACKOFF_RATE", "2"), 64)
	if err != nil || rate < 1 {
		return nil, fmt.Errorf("DISPATCH_BACKOFF_RATE must be a number >= 1")
	}
	cfg.Dispatch.BackoffRate = rate

	attempts, err := strconv.Atoi(GetEnv("DISPATCH_MAX_ATTEMPTS", "6"))
	if err != nil || attempts < 1 {
		return nil, fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be a positive integer")
	}
	cfg.Dispatch.MaxAttempts = attempts

	if err := cfg.LogLevel.UnmarshalText([]byte(GetEnv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL is invalid: %w", err)
	}

	switch cfg.BusBackend {
	case BusCloudEvents, BusWorkflows:
	default:
		return nil, fmt.Errorf("BUS_BACKEND must be %q or %q", BusCloudEvents, BusWorkflows)
	}
	return cfg, nil
}

// Require returns an error naming the first empty setting.
func Require(settings ...Setting) error {
	for _, s := range settings {
		if s.Value == "" {
			return fmt.Errorf("%s environment variable must be set", s.Name)
		}
	}
	return nil
}

// Setting pairs an environment variable name with its loaded value.
type Setting struct {
	Name  string
	Value string
}

// Settings that several functions require.
func (c *Config) Project() Setting     { return Setting{"PROJECT_ID", c.ProjectID} }
func (c *Config) Uploads() Setting     { return Setting{"UPLOAD_BUCKET", c.UploadBucket} }
func (c *Config) Inferences() Setting  { return Setting{"INFERENCE_BUCKET", c.InferenceBucket} }
func (c *Config) DeadLetters() Setting { return Setting{"DEAD_LETTER_BUCKET", c.DeadLetterBucket} }

// EventBus is the setting the configured bus backend depends on.
func (c *Config) EventBus() Setting {
	if c.BusBackend == BusWorkflows {
		return Setting{"STAGE_WORKFLOW_ID", c.StageWorkflowID}
	}
	return Setting{"EVENT_BUS_URL", c.EventBusURL}
}

// Source returns the bus source name for a component within this namespace.
func (c *Config) Source(component string) string {
	return component + "." + c.AppNamespace
}

// WorkTopic returns the Pub/Sub topic that carries work items for a stage.
func (c *Config) WorkTopic(stage string) string {
	return c.WorkTopicPrefix + "-" + stage
}

// NewLogger returns the JSON logger used by every function.
func (c *Config) NewLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: c.LogLevel}))
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := GetEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s is not a valid duration: %w", key, err)
	}
	return d, nil
}
