package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/casedocumentflow/internal/config"
	"github.com/Lllllllleong/casedocumentflow/internal/events"
	"github.com/Lllllllleong/casedocumentflow/internal/services"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

var (
	cfg                  *config.Config
	orchestratorInstance *services.OrchestratorFunction
	decoder              events.Decoder
	once                 sync.Once
	initErr              error
)

func init() {
	// --- Set up structured logging ---
	cfg, initErr = config.Load()
	if initErr != nil {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	} else {
		slog.SetDefault(cfg.NewLogger())
	}

	functions.CloudEvent("Orchestrate", orchestrate)
}

// main is required by the Go Functions Framework.
func main() {}

// orchestrate receives upload notifications and stage outcomes.
func orchestrate(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		if initErr != nil {
			return
		}
		decoder = events.Decoder{Namespace: cfg.AppNamespace, UploadPrefix: cfg.UploadPrefix}
		orchestratorInstance, initErr = services.NewOrchestratorFunction(context.Background(), cfg)
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	ev, err := decoder.Decode(e)
	if err != nil {
		if errors.Is(err, events.ErrUnsupportedEvent) || errors.Is(err, events.ErrInvalidObjectKey) {
			// Redelivery cannot fix these, so acknowledge them.
			slog.Warn("Ignoring event", "error", err, "eventId", e.ID())
			return nil
		}
		slog.Error("Failed to decode event", "error", err, "eventId", e.ID())
		return err
	}

	// Errors are logged with context inside Process.
	return orchestratorInstance.Process(ctx, ev)
}
