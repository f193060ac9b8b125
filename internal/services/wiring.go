package services

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/casedocumentflow/internal/callback"
	"github.com/Lllllllleong/casedocumentflow/internal/config"
	"github.com/Lllllllleong/casedocumentflow/internal/gcp"
	"github.com/Lllllllleong/casedocumentflow/internal/models"
)

// The constructors below build each deployed function from the loaded
// configuration. Clients live for the lifetime of the function instance.

// NewOrchestratorFunction wires the orchestrator to Firestore, the bus and
// the search index.
func NewOrchestratorFunction(ctx context.Context, cfg *config.Config) (*OrchestratorFunction, error) {
	if err := config.Require(cfg.Project(), cfg.Inferences(), cfg.EventBus()); err != nil {
		return nil, err
	}
	fsClient, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, err
	}
	gcsClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	bus, err := newBus(ctx, cfg)
	if err != nil {
		return nil, err
	}

	aggregator := NewResultAggregator(
		gcp.NewInferenceStore(gcsClient, cfg.InferenceBucket),
		gcp.NewSearchIndex(fsClient, cfg.SearchIndexCollection),
		cfg.SearchIndexName,
		LastWins,
	)
	return NewOrchestrator(
		gcp.NewCaseStore(fsClient, cfg.CaseCollection),
		gcp.NewConfigStore(fsClient, cfg.WorkflowConfigCollection),
		bus,
		aggregator,
		cfg.WorkflowConfigName,
		cfg.Source(models.SourceWorkflowOrchestrator),
	), nil
}

// NewStageRunnerFunction wires a stage runner to the task store, the stage
// work topics and the failure path.
func NewStageRunnerFunction(ctx context.Context, cfg *config.Config) (*StageRunner, error) {
	if err := config.Require(cfg.Project(), cfg.DeadLetters(), cfg.EventBus()); err != nil {
		return nil, err
	}
	fsClient, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, err
	}
	gcsClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	queue, err := gcp.NewWorkQueue(ctx, cfg.ProjectID, cfg.WorkTopic)
	if err != nil {
		return nil, err
	}
	bus, err := newBus(ctx, cfg)
	if err != nil {
		return nil, err
	}

	source := cfg.Source(models.SourceWorkflow)
	channel := callback.NewChannel(gcp.NewTaskStore(fsClient, cfg.TaskCollection), queue, cfg.Dispatch)
	failure := NewFailurePath(
		gcp.NewCaseStore(fsClient, cfg.CaseCollection),
		bus,
		gcp.NewDeadLetterSink(gcsClient, cfg.DeadLetterBucket),
		source,
	)
	return NewStageRunner(channel, bus, failure, source), nil
}

// NewTextExtractFunction wires the text-extraction worker.
func NewTextExtractFunction(ctx context.Context, cfg *config.Config) (*BatchProcessor, error) {
	w, err := newWorker(ctx, cfg)
	if err != nil {
		return nil, err
	}
	vertex, err := gcp.NewVertexClient(ctx, cfg.ProjectID, cfg.VertexAIRegion, cfg.VertexModel)
	if err != nil {
		return nil, err
	}
	handler := NewTextExtractHandler(gcp.NewObjects(w.gcs), vertex, w.inferences, w.cases)
	return NewBatchProcessor(w.signals, handler, "text-extract"), nil
}

// NewEntityDetectionFunction wires the entity-detection worker shared by
// the entity stages.
func NewEntityDetectionFunction(ctx context.Context, cfg *config.Config) (*BatchProcessor, error) {
	w, err := newWorker(ctx, cfg)
	if err != nil {
		return nil, err
	}
	vertex, err := gcp.NewVertexClient(ctx, cfg.ProjectID, cfg.VertexAIRegion, cfg.VertexModel)
	if err != nil {
		return nil, err
	}
	handler := NewEntityDetectionHandler(w.inferences, vertex, w.cases)
	return NewBatchProcessor(w.signals, handler, "entity-detection"), nil
}

// NewUploadDocumentFunction wires the upload registration endpoint.
func NewUploadDocumentFunction(ctx context.Context, cfg *config.Config) (*UploadFunction, error) {
	if err := config.Require(cfg.Project(), cfg.Uploads()); err != nil {
		return nil, err
	}
	fsClient, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, err
	}
	gcsClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return NewUploadFunction(
		gcp.NewCaseStore(fsClient, cfg.CaseCollection),
		gcp.NewConfigStore(fsClient, cfg.WorkflowConfigCollection),
		gcp.NewObjects(gcsClient),
		UploadOptions{
			ConfigName: cfg.WorkflowConfigName,
			Bucket:     cfg.UploadBucket,
			Prefix:     cfg.UploadPrefix,
			Expiry:     cfg.SignedURLExpiry,
		},
	), nil
}

// NewConfigStore opens the workflow configuration collection.
func NewConfigStore(ctx context.Context, cfg *config.Config) (*gcp.ConfigStore, error) {
	if err := config.Require(cfg.Project()); err != nil {
		return nil, err
	}
	fsClient, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, err
	}
	return gcp.NewConfigStore(fsClient, cfg.WorkflowConfigCollection), nil
}

type worker struct {
	gcs        *storage.Client
	cases      *gcp.CaseStore
	inferences *gcp.InferenceStore
	signals    *callback.Signaler
}

func newWorker(ctx context.Context, cfg *config.Config) (*worker, error) {
	if err := config.Require(cfg.Project(), cfg.Inferences()); err != nil {
		return nil, err
	}
	fsClient, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, err
	}
	gcsClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &worker{
		gcs:        gcsClient,
		cases:      gcp.NewCaseStore(fsClient, cfg.CaseCollection),
		inferences: gcp.NewInferenceStore(gcsClient, cfg.InferenceBucket),
		signals:    callback.NewSignaler(gcp.NewTaskStore(fsClient, cfg.TaskCollection)),
	}, nil
}

// newBus returns the publisher for the configured backend. With the
// workflows backend, triggers start stage workflow executions and every
// other event still goes to the event bus.
func newBus(ctx context.Context, cfg *config.Config) (Publisher, error) {
	if err := config.Require(config.Setting{Name: "EVENT_BUS_URL", Value: cfg.EventBusURL}); err != nil {
		return nil, err
	}
	events, err := gcp.NewCloudEventsPublisher(cfg.EventBusURL)
	if err != nil {
		return nil, err
	}
	if cfg.BusBackend != config.BusWorkflows {
		return events, nil
	}
	return gcp.NewExecutionsPublisher(ctx, cfg.ProjectID, cfg.StageWorkflowLocation, cfg.StageWorkflowID, events)
}
