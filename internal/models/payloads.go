package models

import (
	"encoding/json"
	"time"
)

// These structs define the JSON payloads exchanged on the orchestration bus,
// the stage work queues and the task callback channel.

// DetailType classifies an orchestration event.
type DetailType string

const (
	DetailTriggerWorkflow    DetailType = "trigger_workflow"
	DetailProcessingComplete DetailType = "processing_complete"
	DetailProcessingFailure  DetailType = "processing_failure"
)

// Event source components; the bus source is "<component>.<namespace>".
const (
	SourceStorageUpload        = "storage.upload"
	SourceWorkflow             = "workflow"
	SourceWorkflowOrchestrator = "workflow-orchestrator"
)

// Envelope is an event as it travels on the bus. Detail is kept raw so a
// failure can be forwarded without being re-encoded.
type Envelope struct {
	Source     string          `json:"source"`
	DetailType DetailType      `json:"detail-type"`
	Detail     json.RawMessage `json:"detail"`
}

// StageEvent is the detail of trigger and completion events.
type StageEvent struct {
	Case       CasePayload    `json:"case"`
	Inferences map[string]any `json:"inferences,omitempty"`
}

// CasePayload is the case as carried between stages.
type CasePayload struct {
	ID        string     `json:"id"`
	Status    CaseStatus `json:"status"`
	Stage     string     `json:"stage"`
	Workflows []string   `json:"workflows"`
	// DocumentList always holds every document of the case.
	DocumentList []DocumentPayload `json:"documentList"`
	// StageDocuments names the documents that still require Stage.
	StageDocuments []string `json:"stageDocuments,omitempty"`
}

// DocumentPayload is one document and the output accumulated for it.
type DocumentPayload struct {
	Document   DocumentInfo   `json:"document"`
	Inferences map[string]any `json:"inferences"`
}

// DocumentInfo describes a document to the stage handlers.
type DocumentInfo struct {
	ID                    string   `json:"id"`
	CaseID                string   `json:"caseId"`
	PiiFlag               bool     `json:"piiFlag"`
	SelfCertifiedDocType  string   `json:"selfCertifiedDocType"`
	ProcessingType        string   `json:"processingType"`
	Bucket                string   `json:"bucket"`
	ObjectKey             string   `json:"objectKey"`
	DocumentWorkflow      []string `json:"documentWorkflow"`
	UploadedFileExtension string   `json:"uploadedFileExtension"`
	UploadedFileName      string   `json:"uploadedFileName"`
}

// RequiresStage reports whether the document's workflow lists stage.
func (d DocumentInfo) RequiresStage(stage StageName) bool {
	want := NormalizeStage(string(stage))
	for _, w := range d.DocumentWorkflow {
		if NormalizeStage(w) == want {
			return true
		}
	}
	return false
}

// StageInput is the per-document work unit a stage worker receives.
type StageInput struct {
	Document                      DocumentInfo   `json:"document"`
	Inferences                    map[string]any `json:"inferences"`
	Stage                         string         `json:"stage"`
	StageExistsInDocumentWorkflow bool           `json:"stageExistsInDocumentWorkflow"`
}

// CorrelatedWorkItem is the queue message body for one dispatched unit of work.
type CorrelatedWorkItem struct {
	Input     json.RawMessage `json:"input"`
	TaskToken string          `json:"taskToken"`
}

// SuccessSignal completes a task with its output.
type SuccessSignal struct {
	TaskToken string          `json:"taskToken"`
	Output    json.RawMessage `json:"output"`
}

// FailureSignal completes a task with an error.
type FailureSignal struct {
	TaskToken string `json:"taskToken"`
	Cause     string `json:"cause"`
	Error     string `json:"error"`
}

// HeartbeatSignal reports that a worker is still busy with a task.
type HeartbeatSignal struct {
	TaskToken string `json:"taskToken"`
}

// UploadDocumentRequest is the body of the upload-document function.
type UploadDocumentRequest struct {
	CaseID        string `json:"caseId"`
	DocumentType  string `json:"documentType"`
	FileName      string `json:"fileName"`
	FileExtension string `json:"fileExtension"`
}

// UploadDocumentResponse returns where the client should PUT the file.
type UploadDocumentResponse struct {
	CaseID     string    `json:"caseId"`
	DocumentID string    `json:"documentId"`
	ObjectKey  string    `json:"objectKey"`
	UploadURL  string    `json:"uploadUrl"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// IndexEntry is one document as written to the search index.
type IndexEntry struct {
	IndexName    string         `firestore:"indexName"`
	CaseID       string         `firestore:"caseId"`
	OwnerID      string         `firestore:"ownerId"`
	DocumentID   string         `firestore:"documentId"`
	DocumentType string         `firestore:"documentType"`
	FileName     string         `firestore:"fileName"`
	Text         string         `firestore:"text"`
	Structured   map[string]any `firestore:"structured"`
	IndexedAt    time.Time      `firestore:"indexedAt"`
}
