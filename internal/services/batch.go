package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Lllllllleong/casedocumentflow/internal/callback"
	"github.com/Lllllllleong/casedocumentflow/internal/models"
	"github.com/Lllllllleong/casedocumentflow/internal/workflow"
)

// StageHandler performs one stage's work for one item. Its output is merged
// into the item's input before being reported.
type StageHandler interface {
	Handle(ctx context.Context, token string, input map[string]any, caller string) (map[string]any, error)
}

// StageHandlerFunc adapts a function to StageHandler.
type StageHandlerFunc func(ctx context.Context, token string, input map[string]any, caller string) (map[string]any, error)

func (f StageHandlerFunc) Handle(ctx context.Context, token string, input map[string]any, caller string) (map[string]any, error) {
	return f(ctx, token, input, caller)
}

// Signals is the worker side of the callback channel.
type Signals interface {
	Heartbeat(ctx context.Context, sig models.HeartbeatSignal) error
	Succeed(ctx context.Context, sig models.SuccessSignal) error
	Fail(ctx context.Context, sig models.FailureSignal) error
}

// BatchResult counts the terminal signals a batch produced.
type BatchResult struct {
	Succeeded int
	Failed    int
}

// BatchProcessor drains correlated work items through a stage handler.
type BatchProcessor struct {
	signals Signals
	handler StageHandler
	caller  string
}

// NewBatchProcessor creates a processor that runs handler as caller.
func NewBatchProcessor(signals Signals, handler StageHandler, caller string) *BatchProcessor {
	return &BatchProcessor{signals: signals, handler: handler, caller: caller}
}

// ProcessBatch handles items one at a time. Every item ends in exactly one
// attempted terminal signal; a failing item never stops the batch, and
// failures to deliver signals are logged rather than returned.
func (p *BatchProcessor) ProcessBatch(ctx context.Context, items []models.CorrelatedWorkItem) BatchResult {
	var result BatchResult
	for _, item := range items {
		if p.processItem(ctx, item) {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}
	return result
}

func (p *BatchProcessor) processItem(ctx context.Context, item models.CorrelatedWorkItem) bool {
	logCtx := slog.With("taskToken", item.TaskToken)

	if err := p.signals.Heartbeat(ctx, models.HeartbeatSignal{TaskToken: item.TaskToken}); err != nil {
		logCtx.Error("Failed to send heartbeat.", "error", err)
	}

	output, err := p.run(ctx, item)
	if err != nil {
		logCtx.Error("Stage handler failed.", "error", err)
		p.fail(ctx, logCtx, item.TaskToken, err)
		return false
	}

	if err := p.signals.Succeed(ctx, models.SuccessSignal{TaskToken: item.TaskToken, Output: output}); err != nil {
		logCtx.Error("Failed to send task success.", "error", err)
		p.fail(ctx, logCtx, item.TaskToken, err)
		return false
	}
	logCtx.Info("Work item processed.")
	return true
}

func (p *BatchProcessor) run(ctx context.Context, item models.CorrelatedWorkItem) (json.RawMessage, error) {
	var input map[string]any
	if err := json.Unmarshal(item.Input, &input); err != nil {
		return nil, fmt.Errorf("failed to decode work input: %w", err)
	}
	output, err := p.handler.Handle(ctx, item.TaskToken, input, p.caller)
	if err != nil {
		return nil, err
	}
	merged, err := workflow.MergeStageOutput(input, output)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stage output: %w", err)
	}
	return body, nil
}

func (p *BatchProcessor) fail(ctx context.Context, logCtx *slog.Logger, token string, cause error) {
	if err := p.signals.Fail(ctx, callback.FailureFor(token, cause)); err != nil {
		logCtx.Error("Failed to send task failure.", "error", err)
	}
}
