package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Lllllllleong/casedocumentflow/internal/models"
	"github.com/Lllllllleong/casedocumentflow/internal/workflow"
)

// ErrFetchInference marks a strategy that could not load a document's stage
// output. It is logged and never fails an aggregation.
var ErrFetchInference = errors.New("failed to fetch inference")

// CollisionPolicy decides which value survives when two strategies emit the
// same structured key for a document.
type CollisionPolicy int

const (
	// LastWins keeps the value of the strategy that runs later.
	LastWins CollisionPolicy = iota
	// KeepFirst keeps the value of the strategy that runs first.
	KeepFirst
)

// Normalized is one document's contribution from one strategy.
type Normalized struct {
	Text   string
	Fields map[string]any
}

// IndexingStrategy turns one stage's raw output into index-ready records,
// keyed by document id. Documents whose output could not be loaded are
// absent from the result.
type IndexingStrategy interface {
	PrepareDocuments(ctx context.Context, docs []models.DocumentPayload) map[string]Normalized
}

// strategyFor maps every stage to its indexing strategy. Stages without
// indexable output return nil.
func strategyFor(stage models.StageName, inferences InferenceReader) (IndexingStrategy, error) {
	switch stage {
	case models.StageTextract:
		return &TextStrategy{inferences: inferences}, nil
	case models.StageEntityStandard, models.StageEntityPII, models.StageEntityMedical:
		return &EntityStrategy{stage: stage, inferences: inferences}, nil
	case models.StageRedaction:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: stage %q has no indexing strategy", workflow.ErrConfiguration, stage)
}

// TextStrategy indexes the concatenated lines of text extraction.
type TextStrategy struct {
	inferences InferenceReader
}

func (s *TextStrategy) PrepareDocuments(ctx context.Context, docs []models.DocumentPayload) map[string]Normalized {
	out := make(map[string]Normalized, len(docs))
	for _, doc := range docs {
		var pages []models.TextPage
		if err := fetchInference(ctx, s.inferences, doc, models.InferenceDetectText, &pages); err != nil {
			slog.Error("Skipping text for document.", "documentId", doc.Document.ID, "error", err)
			continue
		}
		out[doc.Document.ID] = Normalized{Text: CombineLines(pages)}
	}
	return out
}

// CombineLines joins the text of every LINE block with single spaces.
func CombineLines(pages []models.TextPage) string {
	var lines []string
	for _, page := range pages {
		for _, block := range page.Blocks {
			if block.BlockType == models.BlockTypeLine {
				lines = append(lines, block.Text)
			}
		}
	}
	return strings.Join(lines, " ")
}

// EntityStrategy indexes detected entities as type -> texts, folded across
// pages.
type EntityStrategy struct {
	stage      models.StageName
	inferences InferenceReader
}

func (s *EntityStrategy) PrepareDocuments(ctx context.Context, docs []models.DocumentPayload) map[string]Normalized {
	out := make(map[string]Normalized, len(docs))
	for _, doc := range docs {
		if !doc.Document.RequiresStage(s.stage) {
			continue
		}
		var pages []models.EntityPage
		if err := fetchInference(ctx, s.inferences, doc, models.InferenceKey(s.stage), &pages); err != nil {
			slog.Error("Skipping entities for document.", "documentId", doc.Document.ID, "stage", s.stage, "error", err)
			continue
		}
		fields := map[string]any{}
		for _, page := range pages {
			for _, e := range page.Entities {
				texts, _ := fields[e.Type].([]string)
				fields[e.Type] = append(texts, e.Text)
			}
		}
		out[doc.Document.ID] = Normalized{Fields: fields}
	}
	return out
}

func fetchInference(ctx context.Context, inferences InferenceReader, doc models.DocumentPayload, key string, v any) error {
	objectName, _ := doc.Inferences[key].(string)
	if objectName == "" {
		return fmt.Errorf("%w: document %s has no %s output", ErrFetchInference, doc.Document.ID, key)
	}
	if err := inferences.Get(ctx, objectName, v); err != nil {
		return fmt.Errorf("%w: %w", ErrFetchInference, err)
	}
	return nil
}

// ResultAggregator combines the output of every configured stage into one
// search index entry per document.
type ResultAggregator struct {
	inferences InferenceReader
	index      IndexWriter
	indexName  string
	policy     CollisionPolicy
}

func NewResultAggregator(inferences InferenceReader, index IndexWriter, indexName string, policy CollisionPolicy) *ResultAggregator {
	return &ResultAggregator{inferences: inferences, index: index, indexName: indexName, policy: policy}
}

// Aggregate indexes every document of a completed case. Configuration
// problems are reported before any output is fetched.
func (a *ResultAggregator) Aggregate(ctx context.Context, ev models.StageEvent) error {
	logCtx := slog.With("caseId", ev.Case.ID, "indexName", a.indexName)

	if len(ev.Case.Workflows) == 0 {
		return fmt.Errorf("%w: Workflow is not configured", workflow.ErrConfiguration)
	}
	var stages []models.StageName
	hasText := false
	for _, raw := range ev.Case.Workflows {
		stage := models.NormalizeStage(raw)
		if stage == models.StageTextract {
			hasText = true
		}
		stages = append(stages, stage)
	}
	if !hasText {
		return fmt.Errorf("%w: Workflow must include text extraction to index documents", workflow.ErrConfiguration)
	}

	var text map[string]Normalized
	var structured []map[string]Normalized
	for _, stage := range stages {
		strategy, err := strategyFor(stage, a.inferences)
		if err != nil {
			return err
		}
		if strategy == nil {
			continue
		}
		prepared := strategy.PrepareDocuments(ctx, ev.Case.DocumentList)
		if stage == models.StageTextract {
			text = prepared
			continue
		}
		structured = append(structured, prepared)
	}

	owner := models.OwnerFromCaseID(ev.Case.ID)
	var errs []error
	for _, doc := range ev.Case.DocumentList {
		fields := map[string]any{}
		for _, prepared := range structured {
			for key, value := range prepared[doc.Document.ID].Fields {
				if _, exists := fields[key]; exists && a.policy == KeepFirst {
					continue
				}
				fields[key] = value
			}
		}

		entry := models.IndexEntry{
			IndexName:    a.indexName,
			CaseID:       ev.Case.ID,
			OwnerID:      owner,
			DocumentID:   doc.Document.ID,
			DocumentType: doc.Document.SelfCertifiedDocType,
			FileName:     doc.Document.UploadedFileName,
			Text:         text[doc.Document.ID].Text,
			Structured:   fields,
		}
		if err := a.index.Put(ctx, entry); err != nil {
			logCtx.Error("Failed to index document.", "documentId", doc.Document.ID, "error", err)
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	logCtx.Info("Case indexed.", "documents", len(ev.Case.DocumentList))
	return nil
}
