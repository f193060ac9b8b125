package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// CaseStatus is the lifecycle state of a case.
type CaseStatus string

const (
	StatusInitiate  CaseStatus = "initiate"
	StatusInProcess CaseStatus = "in-process"
	StatusSuccess   CaseStatus = "success"
	StatusFailure   CaseStatus = "failure"
)

func (s CaseStatus) rank() int {
	switch s {
	case StatusInitiate:
		return 1
	case StatusInProcess:
		return 2
	case StatusSuccess, StatusFailure:
		return 3
	}
	return 0
}

// Terminal reports whether no further transition is allowed.
func (s CaseStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// CanTransitionTo reports whether a write of next over s changes the case.
// Statuses only move forward and terminal statuses are final. An empty
// current status is a case that has no status yet.
func (s CaseStatus) CanTransitionTo(next CaseStatus) bool {
	if next.rank() == 0 || s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// StageName identifies one analysis stage.
type StageName string

const (
	StageTextract       StageName = "textract"
	StageEntityStandard StageName = "entity-standard"
	StageEntityPII      StageName = "entity-pii"
	StageEntityMedical  StageName = "entity-medical"
	StageRedaction      StageName = "redaction"
)

// Stages lists every known stage.
var Stages = []StageName{StageTextract, StageEntityStandard, StageEntityPII, StageEntityMedical, StageRedaction}

// ErrUnknownStage is returned for a stage name outside Stages.
var ErrUnknownStage = errors.New("unknown stage")

// NormalizeStage lower-cases a configured stage name and drops the
// "workflow" suffix, so "TextractWorkflow" and "textract" name the same stage.
func NormalizeStage(raw string) StageName {
	return StageName(strings.Replace(strings.ToLower(strings.TrimSpace(raw)), "workflow", "", 1))
}

// ParseStageName normalizes raw and checks it is a known stage.
func ParseStageName(raw string) (StageName, error) {
	name := NormalizeStage(raw)
	for _, s := range Stages {
		if s == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStage, raw)
}

// Inference keys written by the stage handlers.
const (
	InferenceDetectText     = "textract-detectText"
	InferenceAnalyzeDoc     = "textract-analyzeDoc"
	InferenceAnalyzeExpense = "textract-analyzeExpense"
	InferenceAnalyzeID      = "textract-analyzeId"
)

// InferenceKey returns the output key owned by a stage.
func InferenceKey(stage StageName) string {
	if stage == StageTextract {
		return InferenceDetectText
	}
	return string(stage)
}

// PlaceholderDocumentID marks the case-level record in listings that mix
// case and document rows.
const PlaceholderDocumentID = "0000"

// Case is the Firestore record for one processing job.
type Case struct {
	ID           string           `firestore:"-"`
	OwnerID      string           `firestore:"ownerId,omitempty"`
	Status       CaseStatus       `firestore:"status,omitempty"`
	ErrorDetails string           `firestore:"errorDetails,omitempty"`
	CreatedAt    time.Time        `firestore:"createdAt,omitempty"`
	UpdatedAt    time.Time        `firestore:"updatedAt,omitempty"`
	Documents    []DocumentRecord `firestore:"-"`
}

// OwnerFromCaseID returns the user prefix of a case id of the form
// "{ownerId}:{uuid}".
func OwnerFromCaseID(caseID string) string {
	owner, _, found := strings.Cut(caseID, ":")
	if !found {
		return ""
	}
	return owner
}

// DocumentRecord is one uploaded document, stored under its case.
type DocumentRecord struct {
	ID             string            `firestore:"-"`
	CaseID         string            `firestore:"caseId"`
	DocumentType   string            `firestore:"documentType"`
	Bucket         string            `firestore:"bucket"`
	ObjectKey      string            `firestore:"objectKey"`
	FileName       string            `firestore:"fileName"`
	FileExtension  string            `firestore:"fileExtension"`
	RequiredStages []string          `firestore:"requiredStages"`
	Inferences     map[string]string `firestore:"inferences,omitempty"`
	CreatedAt      time.Time         `firestore:"createdAt,omitempty"`
}

// WorkflowConfig is the declarative description of how a case is processed.
type WorkflowConfig struct {
	Name                 string             `firestore:"Name" json:"Name" yaml:"Name"`
	WorkflowSequence     []string           `firestore:"WorkflowSequence" json:"WorkflowSequence" yaml:"WorkflowSequence"`
	MinRequiredDocuments []RequiredDocument `firestore:"MinRequiredDocuments" json:"MinRequiredDocuments" yaml:"MinRequiredDocuments"`
}

// RequiredDocument configures one document type of a workflow.
type RequiredDocument struct {
	DocumentType       string   `firestore:"DocumentType" json:"DocumentType" yaml:"DocumentType"`
	FileTypes          []string `firestore:"FileTypes" json:"FileTypes" yaml:"FileTypes"`
	MaxSize            float64  `firestore:"MaxSize,omitempty" json:"MaxSize,omitempty" yaml:"MaxSize,omitempty"`
	WorkflowsToProcess []string `firestore:"WorkflowsToProcess" json:"WorkflowsToProcess" yaml:"WorkflowsToProcess"`
	NumDocuments       int      `firestore:"NumDocuments" json:"NumDocuments" yaml:"NumDocuments"`
	PiiFlag            bool     `firestore:"PiiFlag,omitempty" json:"PiiFlag,omitempty" yaml:"PiiFlag,omitempty"`
	ProcessingType     string   `firestore:"ProcessingType,omitempty" json:"ProcessingType,omitempty" yaml:"ProcessingType,omitempty"`
}

// RequiredCounts returns the minimum count per lower-cased document type.
func (c *WorkflowConfig) RequiredCounts() map[string]int {
	counts := make(map[string]int, len(c.MinRequiredDocuments))
	for _, d := range c.MinRequiredDocuments {
		counts[strings.ToLower(d.DocumentType)] = d.NumDocuments
	}
	return counts
}

// Document returns the configuration for a document type, matched
// case-insensitively.
func (c *WorkflowConfig) Document(docType string) (RequiredDocument, bool) {
	for _, d := range c.MinRequiredDocuments {
		if strings.EqualFold(d.DocumentType, docType) {
			return d, true
		}
	}
	return RequiredDocument{}, false
}

// AcceptsFileType reports whether ext (with or without a leading dot) is
// allowed for the document type.
func (d RequiredDocument) AcceptsFileType(ext string) bool {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	for _, ft := range d.FileTypes {
		if strings.TrimPrefix(strings.ToLower(ft), ".") == ext {
			return true
		}
	}
	return false
}

// UploadedCounts tallies uploaded documents per lower-cased type. A nil map
// is returned when nothing has been uploaded yet.
func UploadedCounts(docs []DocumentRecord) map[string]int {
	var counts map[string]int
	for _, d := range docs {
		if d.ID == PlaceholderDocumentID {
			continue
		}
		if counts == nil {
			counts = make(map[string]int)
		}
		counts[strings.ToLower(d.DocumentType)]++
	}
	return counts
}
