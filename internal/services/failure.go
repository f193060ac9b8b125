package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Lllllllleong/casedocumentflow/internal/models"
)

// FailurePath drives a case to its terminal failure state. The steps run in
// order and stop at the first error so the caller's runtime can retry the
// whole path; every step is safe to repeat.
type FailurePath struct {
	cases       CaseStore
	bus         Publisher
	deadLetters DeadLetterSink
	source      string
}

// NewFailurePath creates a FailurePath that publishes from source.
func NewFailurePath(cases CaseStore, bus Publisher, deadLetters DeadLetterSink, source string) *FailurePath {
	return &FailurePath{cases: cases, bus: bus, deadLetters: deadLetters, source: source}
}

// Handle marks the case failed, publishes payload unchanged as a
// processing_failure event and archives it in the dead-letter sink.
func (f *FailurePath) Handle(ctx context.Context, caseID string, payload json.RawMessage, cause error) error {
	logCtx := slog.With("caseId", caseID)
	details := ""
	if cause != nil {
		details = cause.Error()
	}
	logCtx.Error("Case failed, running failure path.", "error", cause)

	changed, err := f.cases.UpdateStatus(ctx, caseID, models.StatusFailure, details)
	if err != nil {
		return fmt.Errorf("failure path: %w", err)
	}
	if !changed {
		logCtx.Info("Case already in a terminal state.")
	}

	env := models.Envelope{Source: f.source, DetailType: models.DetailProcessingFailure, Detail: payload}
	if err := f.bus.Publish(ctx, env); err != nil {
		return fmt.Errorf("failure path: %w", err)
	}

	objectName, err := f.deadLetters.Put(ctx, caseID, payload)
	if err != nil {
		return fmt.Errorf("failure path: %w", err)
	}
	logCtx.Info("Failure path complete.", "deadLetter", objectName)
	return nil
}
