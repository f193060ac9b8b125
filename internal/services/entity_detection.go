package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Lllllllleong/casedocumentflow/internal/models"
)

// EntityDetector finds the entities a stage looks for in a text.
type EntityDetector interface {
	DetectEntities(ctx context.Context, stage models.StageName, text string) ([]models.Entity, error)
}

// InferenceStore reads and writes raw stage output.
type InferenceStore interface {
	InferenceReader
	InferenceWriter
}

// EntityDetectionHandler runs the entity-standard, entity-pii and
// entity-medical stages over the text extracted earlier.
type EntityDetectionHandler struct {
	inferences InferenceStore
	detector   EntityDetector
	recorder   InferenceRecorder
}

func NewEntityDetectionHandler(inferences InferenceStore, detector EntityDetector, recorder InferenceRecorder) *EntityDetectionHandler {
	return &EntityDetectionHandler{inferences: inferences, detector: detector, recorder: recorder}
}

func (h *EntityDetectionHandler) Handle(ctx context.Context, token string, input map[string]any, caller string) (map[string]any, error) {
	in, err := decodeStageInput(input)
	if err != nil {
		return nil, err
	}
	stage, err := models.ParseStageName(in.Stage)
	if err != nil {
		return nil, err
	}
	switch stage {
	case models.StageEntityStandard, models.StageEntityPII, models.StageEntityMedical:
	default:
		return nil, fmt.Errorf("stage %q is not an entity detection stage", stage)
	}

	doc := in.Document
	logCtx := slog.With("caseId", doc.CaseID, "documentId", doc.ID, "stage", stage, "caller", caller)

	textObject, _ := in.Inferences[models.InferenceDetectText].(string)
	if textObject == "" {
		return nil, fmt.Errorf("document %s has no %s output; text extraction must run first", doc.ID, models.InferenceDetectText)
	}
	var textPages []models.TextPage
	if err := h.inferences.Get(ctx, textObject, &textPages); err != nil {
		return nil, err
	}

	entityPages := make([]models.EntityPage, 0, len(textPages))
	for i, page := range textPages {
		entities, err := h.detector.DetectEntities(ctx, stage, CombineLines([]models.TextPage{page}))
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i+1, err)
		}
		if entities == nil {
			entities = []models.Entity{}
		}
		entityPages = append(entityPages, models.EntityPage{Entities: entities})
	}

	key := models.InferenceKey(stage)
	objectName, err := h.inferences.Put(ctx, doc.CaseID, doc.ID, key, entityPages)
	if err != nil {
		return nil, err
	}
	if err := h.recorder.RecordInference(ctx, doc.CaseID, doc.ID, key, objectName); err != nil {
		return nil, err
	}
	logCtx.Info("Entity detection complete.", "pages", len(entityPages), "gcsObject", objectName)
	return map[string]any{"inferences": map[string]any{key: objectName}}, nil
}
