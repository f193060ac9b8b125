package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Lllllllleong/casedocumentflow/internal/models"
)

// The services depend on these narrow views of the gcp adapters so they can
// be exercised with in-memory fakes.

// CaseStore reads cases and moves their status.
type CaseStore interface {
	GetCase(ctx context.Context, caseID string) (*models.Case, error)
	UpdateStatus(ctx context.Context, caseID string, status models.CaseStatus, details string) (bool, error)
	ListDocuments(ctx context.Context, caseID string) ([]models.DocumentRecord, error)
}

// ConfigLoader fetches a workflow configuration by name.
type ConfigLoader interface {
	Load(ctx context.Context, name string) (*models.WorkflowConfig, error)
}

// Publisher sends an envelope to the orchestration bus.
type Publisher interface {
	Publish(ctx context.Context, env models.Envelope) error
}

// DeadLetterSink archives payloads that could not be processed.
type DeadLetterSink interface {
	Put(ctx context.Context, caseID string, payload []byte) (string, error)
}

// InferenceReader loads raw stage output.
type InferenceReader interface {
	Get(ctx context.Context, objectName string, v any) error
}

// InferenceWriter stores raw stage output and returns its object name.
type InferenceWriter interface {
	Put(ctx context.Context, caseID, documentID, key string, v any) (string, error)
}

// InferenceRecorder notes on the document record where output was stored.
type InferenceRecorder interface {
	RecordInference(ctx context.Context, caseID, documentID, key, objectName string) error
}

// IndexWriter writes one document to the search index.
type IndexWriter interface {
	Put(ctx context.Context, entry models.IndexEntry) error
}

func stageEnvelope(source string, detailType models.DetailType, ev models.StageEvent) (models.Envelope, error) {
	detail, err := json.Marshal(ev)
	if err != nil {
		return models.Envelope{}, fmt.Errorf("failed to marshal %s event: %w", detailType, err)
	}
	return models.Envelope{Source: source, DetailType: detailType, Detail: detail}, nil
}
