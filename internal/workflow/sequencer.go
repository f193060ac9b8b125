package workflow

import (
	"fmt"
	"maps"
	"slices"

	"github.com/Lllllllleong/casedocumentflow/internal/models"
)

const defaultProcessingType = "sync"

// OutcomeKind tells the orchestrator what to do after a sequencing decision.
type OutcomeKind int

const (
	// NoEvent leaves the case waiting for more uploads.
	NoEvent OutcomeKind = iota
	// NextStage triggers Event.Case.Stage.
	NextStage
	// Completed means every document has run all of its stages.
	Completed
)

func (k OutcomeKind) String() string {
	switch k {
	case NoEvent:
		return "no-event"
	case NextStage:
		return "next-stage"
	case Completed:
		return "completed"
	}
	return fmt.Sprintf("OutcomeKind(%d)", int(k))
}

// Outcome is the result of a sequencing decision. Event is empty for NoEvent.
type Outcome struct {
	Kind  OutcomeKind
	Event models.StageEvent
}

// ValidateConfig checks the parts of a workflow configuration the sequencer
// relies on.
func ValidateConfig(cfg *models.WorkflowConfig) error {
	if cfg == nil {
		return ErrConfigurationNotFound
	}
	if len(cfg.WorkflowSequence) == 0 {
		return fmt.Errorf("%w: workflow %q has no stages", ErrConfiguration, cfg.Name)
	}
	if len(cfg.MinRequiredDocuments) == 0 {
		return fmt.Errorf("%w: workflow %q has no required documents", ErrConfiguration, cfg.Name)
	}
	return validateSequence(cfg.WorkflowSequence)
}

func validateSequence(sequence []string) error {
	seen := make(map[models.StageName]bool, len(sequence))
	for _, raw := range sequence {
		stage := models.NormalizeStage(raw)
		if stage == "" {
			return fmt.Errorf("%w: empty stage name in sequence", ErrConfiguration)
		}
		if seen[stage] {
			return fmt.Errorf("%w: stage %q appears twice in sequence", ErrConfiguration, stage)
		}
		seen[stage] = true
	}
	return nil
}

// StartCase decides whether an upload completes a case. When every required
// document type has reached its minimum count it returns the event for the
// first stage any document needs; otherwise it returns NoEvent.
func StartCase(caseID string, docs []models.DocumentRecord, cfg *models.WorkflowConfig) (Outcome, error) {
	if err := ValidateConfig(cfg); err != nil {
		return Outcome{}, err
	}

	uploaded := models.UploadedCounts(docs)
	if uploaded == nil {
		return Outcome{Kind: NoEvent}, nil
	}
	missing, err := IsUploadMissingDocument(uploaded, cfg.RequiredCounts(), "")
	if err != nil {
		return Outcome{}, err
	}
	if missing {
		return Outcome{Kind: NoEvent}, nil
	}

	documentList := make([]models.DocumentPayload, 0, len(docs))
	for _, rec := range docs {
		if rec.ID == models.PlaceholderDocumentID {
			continue
		}
		payload, err := documentPayload(caseID, rec, cfg)
		if err != nil {
			return Outcome{}, err
		}
		documentList = append(documentList, payload)
	}

	start := models.StageEvent{
		Case: models.CasePayload{
			ID:           caseID,
			Status:       models.StatusInProcess,
			Workflows:    slices.Clone(cfg.WorkflowSequence),
			DocumentList: documentList,
		},
		Inferences: map[string]any{},
	}
	return advanceFrom(start, start.Case.Workflows, 0), nil
}

// NextStageEvent decides what follows a completed stage. The sequence the
// case started with is carried in the event and is preferred over cfg, so a
// configuration change never reorders a running case.
func NextStageEvent(current models.StageEvent, cfg *models.WorkflowConfig) (Outcome, error) {
	if cfg == nil {
		return Outcome{}, ErrConfigurationNotFound
	}
	sequence := current.Case.Workflows
	if len(sequence) == 0 {
		sequence = cfg.WorkflowSequence
	}
	if len(sequence) == 0 {
		return Outcome{}, fmt.Errorf("%w: Workflow is not configured", ErrConfiguration)
	}
	if err := validateSequence(sequence); err != nil {
		return Outcome{}, err
	}

	stage := models.NormalizeStage(current.Case.Stage)
	idx := slices.IndexFunc(sequence, func(s string) bool { return models.NormalizeStage(s) == stage })
	if idx < 0 {
		return Outcome{}, fmt.Errorf("%w: stage %q is not in the workflow sequence", ErrConfiguration, current.Case.Stage)
	}
	return advanceFrom(current, sequence, idx+1), nil
}

// advanceFrom picks the first stage at or after from that some document
// requires. Documents that do not list a stage are left out of its
// StageDocuments but stay in DocumentList.
func advanceFrom(base models.StageEvent, sequence []string, from int) Outcome {
	for _, raw := range sequence[from:] {
		stage := models.NormalizeStage(raw)
		var pending []string
		for _, doc := range base.Case.DocumentList {
			if doc.Document.RequiresStage(stage) {
				pending = append(pending, doc.Document.ID)
			}
		}
		if len(pending) == 0 {
			continue
		}
		next := derive(base)
		next.Case.Stage = string(stage)
		next.Case.Status = models.StatusInProcess
		next.Case.StageDocuments = pending
		return Outcome{Kind: NextStage, Event: next}
	}

	done := derive(base)
	done.Case.Status = models.StatusSuccess
	done.Case.StageDocuments = nil
	return Outcome{Kind: Completed, Event: done}
}

func derive(ev models.StageEvent) models.StageEvent {
	out := ev
	out.Case.Workflows = slices.Clone(ev.Case.Workflows)
	out.Case.DocumentList = slices.Clone(ev.Case.DocumentList)
	out.Inferences = maps.Clone(ev.Inferences)
	return out
}

func documentPayload(caseID string, rec models.DocumentRecord, cfg *models.WorkflowConfig) (models.DocumentPayload, error) {
	docCfg, ok := cfg.Document(rec.DocumentType)
	if !ok {
		return models.DocumentPayload{}, fmt.Errorf("%w: document type %q is not configured in workflow %q", ErrConfiguration, rec.DocumentType, cfg.Name)
	}
	processingType := docCfg.ProcessingType
	if processingType == "" {
		processingType = defaultProcessingType
	}
	stages := rec.RequiredStages
	if len(stages) == 0 {
		stages = docCfg.WorkflowsToProcess
	}
	return models.DocumentPayload{
		Document: models.DocumentInfo{
			ID:                    rec.ID,
			CaseID:                caseID,
			PiiFlag:               docCfg.PiiFlag,
			SelfCertifiedDocType:  rec.DocumentType,
			ProcessingType:        processingType,
			Bucket:                rec.Bucket,
			ObjectKey:             rec.ObjectKey,
			DocumentWorkflow:      slices.Clone(stages),
			UploadedFileExtension: rec.FileExtension,
			UploadedFileName:      rec.FileName,
		},
		Inferences: map[string]any{},
	}, nil
}
