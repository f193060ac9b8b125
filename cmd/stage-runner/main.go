package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/casedocumentflow/internal/config"
	"github.com/Lllllllleong/casedocumentflow/internal/events"
	"github.com/Lllllllleong/casedocumentflow/internal/models"
	"github.com/Lllllllleong/casedocumentflow/internal/services"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

var (
	cfg            *config.Config
	runnerInstance *services.StageRunner
	decoder        events.Decoder
	once           sync.Once
	initErr        error
)

func init() {
	// --- Set up structured logging ---
	cfg, initErr = config.Load()
	if initErr != nil {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	} else {
		slog.SetDefault(cfg.NewLogger())
	}

	// RunStage consumes triggers from the event bus. RunStageHTTP is called
	// by the stage workflow when triggers start workflow executions.
	functions.CloudEvent("RunStage", runStage)
	functions.HTTP("RunStageHTTP", runStageHTTP)
}

// main is required by the Go Functions Framework.
func main() {}

func initRunner() error {
	once.Do(func() {
		if initErr != nil {
			return
		}
		decoder = events.Decoder{Namespace: cfg.AppNamespace, UploadPrefix: cfg.UploadPrefix}
		runnerInstance, initErr = services.NewStageRunnerFunction(context.Background(), cfg)
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
	}
	return initErr
}

func runStage(ctx context.Context, e cloudevents.Event) error {
	if err := initRunner(); err != nil {
		return err
	}
	ev, err := decoder.Decode(e)
	if err != nil {
		slog.Error("Failed to decode event", "error", err, "eventId", e.ID())
		return err
	}
	trig, ok := ev.(events.StageTrigger)
	if !ok {
		slog.Warn("Ignoring event that is not a stage trigger", "eventId", e.ID(), "type", e.Type())
		return nil
	}
	return runnerInstance.Run(ctx, trig)
}

func runStageHTTP(w http.ResponseWriter, r *http.Request) {
	if err := initRunner(); err != nil {
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	var env models.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		slog.Warn("Could not decode request body", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}
	trig, err := events.TriggerFromEnvelope(env)
	if err != nil {
		slog.Warn("Request is not a stage trigger", "error", err)
		http.Error(w, fmt.Sprintf("Bad Request: %v", err), http.StatusBadRequest)
		return
	}

	if err := runnerInstance.Run(r.Context(), trig); err != nil {
		// Error is already logged with context in Run.
		http.Error(w, "Internal Server Error: processing failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
