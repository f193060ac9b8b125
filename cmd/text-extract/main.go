package main

import (
	"context"
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
	cfg           *config.Config
	batchInstance *services.BatchProcessor
	once          sync.Once
	initErr       error
)

func init() {
	// --- Set up structured logging ---
	cfg, initErr = config.Load()
	if initErr != nil {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	} else {
		slog.SetDefault(cfg.NewLogger())
	}

	functions.CloudEvent("ExtractText", extractText)
}

// main is required by the Go Functions Framework.
func main() {}

// extractText handles one push delivery from the stage work topic. Outcomes are
// reported through task signals, so only undecodable messages fail the
// invocation.
func extractText(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		if initErr != nil {
			return
		}
		batchInstance, initErr = services.NewTextExtractFunction(context.Background(), cfg)
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	items, err := events.WorkItems(e)
	if err != nil {
		slog.Error("Failed to decode work item", "error", err, "eventId", e.ID())
		return err
	}
	result := batchInstance.ProcessBatch(ctx, items)
	slog.Info("Batch processed.", "succeeded", result.Succeeded, "failed", result.Failed)
	return nil
}
