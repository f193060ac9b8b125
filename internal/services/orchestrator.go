package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Lllllllleong/casedocumentflow/internal/events"
	"github.com/Lllllllleong/casedocumentflow/internal/models"
	"github.com/Lllllllleong/casedocumentflow/internal/workflow"
)

// Aggregator indexes a completed case.
type Aggregator interface {
	Aggregate(ctx context.Context, ev models.StageEvent) error
}

// OrchestratorFunction reacts to uploads and stage outcomes: it starts
// cases once their documents are complete, advances them stage by stage
// and closes them on completion or failure.
type OrchestratorFunction struct {
	cases      CaseStore
	configs    ConfigLoader
	bus        Publisher
	aggregator Aggregator
	configName string
	source     string
}

// NewOrchestrator wires an OrchestratorFunction from its dependencies.
func NewOrchestrator(cases CaseStore, configs ConfigLoader, bus Publisher, aggregator Aggregator, configName, source string) *OrchestratorFunction {
	return &OrchestratorFunction{
		cases:      cases,
		configs:    configs,
		bus:        bus,
		aggregator: aggregator,
		configName: configName,
		source:     source,
	}
}

// Process handles one decoded event.
func (f *OrchestratorFunction) Process(ctx context.Context, ev events.Event) error {
	switch ev := ev.(type) {
	case events.Upload:
		return f.handleUpload(ctx, ev)
	case events.StageCompleted:
		return f.handleStageCompleted(ctx, ev)
	case events.StageFailed:
		return f.handleStageFailed(ctx, ev)
	case events.StageTrigger:
		slog.Warn("Ignoring stage trigger delivered to the orchestrator.", "caseId", ev.Detail.Case.ID)
		return nil
	}
	return fmt.Errorf("%w: %T", events.ErrUnsupportedEvent, ev)
}

func (f *OrchestratorFunction) handleUpload(ctx context.Context, up events.Upload) error {
	logCtx := slog.With("gcsBucket", up.Bucket, "gcsObject", up.Key)
	if !up.Initial {
		logCtx.Info("Object is not an initial upload. Skipping.")
		return nil
	}
	logCtx = logCtx.With("caseId", up.CaseID, "documentId", up.DocumentID)

	cfg, err := f.configs.Load(ctx, f.configName)
	if err != nil {
		logCtx.Error("Failed to load workflow config", "configName", f.configName, "error", err)
		return err
	}
	docs, err := f.cases.ListDocuments(ctx, up.CaseID)
	if err != nil {
		logCtx.Error("Failed to list case documents", "error", err)
		return err
	}

	outcome, err := workflow.StartCase(up.CaseID, docs, cfg)
	if err != nil {
		logCtx.Error("Failed to evaluate case", "error", err)
		return err
	}

	switch outcome.Kind {
	case workflow.NoEvent:
		if _, err := f.cases.UpdateStatus(ctx, up.CaseID, models.StatusInitiate, ""); err != nil {
			return err
		}
		logCtx.Info("Required documents not yet uploaded.", "uploaded", len(docs))
		return nil
	case workflow.Completed:
		logCtx.Warn("No document requires any configured stage.")
		return f.complete(ctx, logCtx, outcome.Event)
	}

	// Only the upload that moves the case to in-process starts it, so two
	// concurrent final uploads cannot dispatch the first stage twice.
	changed, err := f.cases.UpdateStatus(ctx, up.CaseID, models.StatusInProcess, "")
	if err != nil {
		return err
	}
	if !changed {
		logCtx.Info("Case already started. Skipping.")
		return nil
	}
	if err := f.trigger(ctx, logCtx, outcome.Event); err != nil {
		return f.abortStart(ctx, logCtx, up.CaseID, err)
	}
	return nil
}

// abortStart fails a case whose first stage could not be triggered. A retry
// of the upload would see the case as started, so nothing else would ever
// move it out of in-process.
func (f *OrchestratorFunction) abortStart(ctx context.Context, logCtx *slog.Logger, caseID string, cause error) error {
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failurePathTimeout)
	defer cancel()
	details := fmt.Sprintf("failed to trigger first stage: %v", cause)
	if _, err := f.cases.UpdateStatus(uctx, caseID, models.StatusFailure, details); err != nil {
		logCtx.Error("CRITICAL: Failed to update case status to failure.", "triggerError", cause, "updateError", err)
		return errors.Join(cause, err)
	}
	logCtx.Error("Case failed before its first stage.", "error", cause)
	return nil
}

func (f *OrchestratorFunction) handleStageCompleted(ctx context.Context, done events.StageCompleted) error {
	caseID := done.Detail.Case.ID
	logCtx := slog.With("caseId", caseID, "stage", done.Detail.Case.Stage)

	c, err := f.cases.GetCase(ctx, caseID)
	if err != nil {
		logCtx.Error("Failed to read case", "error", err)
		return err
	}
	if c.Status.Terminal() {
		logCtx.Info("Case already finished. Ignoring stage completion.", "status", c.Status)
		return nil
	}

	cfg, err := f.configs.Load(ctx, f.configName)
	if err != nil {
		logCtx.Error("Failed to load workflow config", "configName", f.configName, "error", err)
		return err
	}
	outcome, err := workflow.NextStageEvent(done.Detail, cfg)
	if err != nil {
		logCtx.Error("Failed to select next stage", "error", err)
		return err
	}
	if outcome.Kind == workflow.Completed {
		return f.complete(ctx, logCtx, outcome.Event)
	}
	return f.trigger(ctx, logCtx, outcome.Event)
}

// handleStageFailed only records the failure. The failure path already
// published and archived the payload, so nothing is published here.
func (f *OrchestratorFunction) handleStageFailed(ctx context.Context, failed events.StageFailed) error {
	changed, err := f.cases.UpdateStatus(ctx, failed.CaseID, models.StatusFailure, "")
	if err != nil {
		return err
	}
	slog.Info("Case marked as failed.", "caseId", failed.CaseID, "changed", changed)
	return nil
}

func (f *OrchestratorFunction) trigger(ctx context.Context, logCtx *slog.Logger, ev models.StageEvent) error {
	env, err := stageEnvelope(f.source, models.DetailTriggerWorkflow, ev)
	if err != nil {
		return err
	}
	if err := f.bus.Publish(ctx, env); err != nil {
		logCtx.Error("Failed to publish stage trigger", "error", err)
		return err
	}
	logCtx.Info("Stage triggered.", "nextStage", ev.Case.Stage, "documents", ev.Case.StageDocuments)
	return nil
}

func (f *OrchestratorFunction) complete(ctx context.Context, logCtx *slog.Logger, ev models.StageEvent) error {
	if err := f.aggregator.Aggregate(ctx, ev); err != nil {
		logCtx.Error("Failed to index case", "error", err)
		if errors.Is(err, workflow.ErrConfiguration) {
			if _, uerr := f.cases.UpdateStatus(ctx, ev.Case.ID, models.StatusFailure, err.Error()); uerr != nil {
				logCtx.Error("CRITICAL: Failed to update case status to failure.", "updateError", uerr)
			}
		}
		return err
	}

	if _, err := f.cases.UpdateStatus(ctx, ev.Case.ID, models.StatusSuccess, ""); err != nil {
		return err
	}
	env, err := stageEnvelope(f.source, models.DetailProcessingComplete, ev)
	if err != nil {
		return err
	}
	if err := f.bus.Publish(ctx, env); err != nil {
		logCtx.Error("Failed to publish case completion", "error", err)
		return err
	}
	logCtx.Info("Case processing complete.")
	return nil
}
