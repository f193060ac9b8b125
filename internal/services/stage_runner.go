package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/Lllllllleong/casedocumentflow/internal/callback"
	"github.com/Lllllllleong/casedocumentflow/internal/events"
	"github.com/Lllllllleong/casedocumentflow/internal/models"
	"golang.org/x/sync/errgroup"
)

const (
	// maxConcurrentDocuments bounds the documents of one stage awaited at once.
	maxConcurrentDocuments = 10
	// failurePathTimeout bounds the failure path, which runs detached from
	// the invocation so a stage that used up its deadline still fails the case.
	failurePathTimeout = 30 * time.Second
)

// Dispatcher is the coordinator side of the callback channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, req callback.WorkRequest) (string, error)
	Await(ctx context.Context, token string) (json.RawMessage, error)
}

// StageRunner runs one stage for every document of a case that requires it
// and reports the stage as complete or diverts the case to the failure path.
type StageRunner struct {
	channel Dispatcher
	bus     Publisher
	failure *FailurePath
	source  string
}

// NewStageRunner creates a StageRunner that publishes from source.
func NewStageRunner(channel Dispatcher, bus Publisher, failure *FailurePath, source string) *StageRunner {
	return &StageRunner{channel: channel, bus: bus, failure: failure, source: source}
}

// Run executes a stage trigger. An error is returned only when neither the
// completion nor the failure path could be recorded.
func (r *StageRunner) Run(ctx context.Context, trig events.StageTrigger) error {
	c := trig.Detail.Case
	stage := models.NormalizeStage(c.Stage)
	logCtx := slog.With("caseId", c.ID, "stage", stage)
	logCtx.Info("Running stage.", "documents", len(c.DocumentList))

	results, err := r.runDocuments(ctx, logCtx, trig.Detail, stage)
	if err == nil {
		next := trig.Detail
		next.Case.DocumentList = results
		next.Case.Status = models.StatusSuccess
		var env models.Envelope
		env, err = stageEnvelope(r.source, models.DetailProcessingComplete, next)
		if err == nil {
			err = r.bus.Publish(ctx, env)
		}
		if err == nil {
			logCtx.Info("Stage complete.")
			return nil
		}
	}

	payload, merr := json.Marshal(trig.Envelope)
	if merr != nil {
		return fmt.Errorf("failed to marshal failure payload: %w", merr)
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failurePathTimeout)
	defer cancel()
	if ferr := r.failure.Handle(fctx, c.ID, payload, err); ferr != nil {
		logCtx.Error("CRITICAL: Failure path did not complete.", "stageError", err, "error", ferr)
		return ferr
	}
	return nil
}

// runDocuments dispatches the stage for each document that needs it and
// returns the document list with their outputs in place. Other documents
// pass through unchanged.
func (r *StageRunner) runDocuments(ctx context.Context, logCtx *slog.Logger, ev models.StageEvent, stage models.StageName) ([]models.DocumentPayload, error) {
	docs := ev.Case.DocumentList
	results := slices.Clone(docs)

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(maxConcurrentDocuments)
	for i, doc := range docs {
		if !needsStage(ev.Case, doc, stage) {
			logCtx.Debug("Document skips stage.", "documentId", doc.Document.ID)
			continue
		}

		eg.Go(func() error {
			input := models.StageInput{
				Document:                      doc.Document,
				Inferences:                    doc.Inferences,
				Stage:                         string(stage),
				StageExistsInDocumentWorkflow: true,
			}
			if input.Inferences == nil {
				input.Inferences = map[string]any{}
			}
			token, err := r.channel.Dispatch(gctx, callback.WorkRequest{
				CaseID:     ev.Case.ID,
				DocumentID: doc.Document.ID,
				Stage:      string(stage),
				Input:      input,
			})
			if err != nil {
				return fmt.Errorf("document %s: %w", doc.Document.ID, err)
			}
			raw, err := r.channel.Await(gctx, token)
			if err != nil {
				return fmt.Errorf("document %s: %w", doc.Document.ID, err)
			}

			var output models.StageInput
			if err := json.Unmarshal(raw, &output); err != nil {
				return fmt.Errorf("document %s: failed to decode stage output: %w", doc.Document.ID, err)
			}
			results[i] = models.DocumentPayload{Document: output.Document, Inferences: output.Inferences}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func needsStage(c models.CasePayload, doc models.DocumentPayload, stage models.StageName) bool {
	if len(c.StageDocuments) > 0 {
		return slices.Contains(c.StageDocuments, doc.Document.ID)
	}
	return doc.Document.RequiresStage(stage)
}
