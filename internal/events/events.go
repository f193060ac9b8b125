// Package events decodes inbound CloudEvents into the closed set of events
// the orchestration functions act on.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Lllllllleong/casedocumentflow/internal/models"
	"github.com/cloudevents/sdk-go/v2/event"
)

// StorageFinalizedType is the CloudEvent type emitted when an object is written.
const StorageFinalizedType = "google.cloud.storage.object.v1.finalized"

var (
	// ErrUnsupportedEvent is returned for events no variant matches.
	ErrUnsupportedEvent = errors.New("unsupported event")
	// ErrInvalidObjectKey is returned for an upload key that does not
	// follow {prefix}/{caseId}/{documentId}/{fileName}.
	ErrInvalidObjectKey = errors.New("invalid object key")
)

// Event is one of Upload, StageTrigger, StageCompleted or StageFailed.
type Event interface {
	isEvent()
}

// Upload is a document landing in the upload bucket.
type Upload struct {
	Bucket string
	Key    string
	// Initial is false for objects outside the upload prefix, such as
	// derived files written back to the same bucket.
	Initial    bool
	CaseID     string
	DocumentID string
	FileName   string
}

// StageTrigger asks the stage runner to run Detail.Case.Stage.
type StageTrigger struct {
	Detail models.StageEvent
	// Envelope is the event as received, forwarded unchanged on failure.
	Envelope models.Envelope
}

// StageCompleted reports that a stage finished for every document.
type StageCompleted struct {
	Detail models.StageEvent
}

// StageFailed reports that a stage was diverted to the failure path.
type StageFailed struct {
	CaseID  string
	Payload json.RawMessage
}

func (Upload) isEvent()         {}
func (StageTrigger) isEvent()   {}
func (StageCompleted) isEvent() {}
func (StageFailed) isEvent()    {}

// Decoder turns CloudEvents into Events for one deployment namespace.
type Decoder struct {
	Namespace    string
	UploadPrefix string
}

// Decode classifies e once at the function boundary.
func (d Decoder) Decode(e event.Event) (Event, error) {
	switch {
	case e.Type() == StorageFinalizedType:
		var data struct {
			Bucket string `json:"bucket"`
			Name   string `json:"name"`
		}
		if err := json.Unmarshal(e.Data(), &data); err != nil {
			return nil, fmt.Errorf("failed to decode storage event: %w", err)
		}
		return d.upload(data.Bucket, data.Name)

	case e.Source() == models.SourceStorageUpload:
		var data struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		}
		if err := json.Unmarshal(e.Data(), &data); err != nil {
			return nil, fmt.Errorf("failed to decode upload event: %w", err)
		}
		return d.upload(data.Bucket.Name, data.Object.Key)

	case e.Source() == d.source(models.SourceWorkflow):
		switch models.DetailType(e.Type()) {
		case models.DetailProcessingComplete:
			var detail models.StageEvent
			if err := json.Unmarshal(e.Data(), &detail); err != nil {
				return nil, fmt.Errorf("failed to decode stage completion: %w", err)
			}
			return StageCompleted{Detail: detail}, nil
		case models.DetailProcessingFailure:
			caseID, err := FailedCaseID(e.Data())
			if err != nil {
				return nil, err
			}
			return StageFailed{CaseID: caseID, Payload: append(json.RawMessage(nil), e.Data()...)}, nil
		}

	case e.Source() == d.source(models.SourceWorkflowOrchestrator):
		if models.DetailType(e.Type()) == models.DetailTriggerWorkflow {
			var detail models.StageEvent
			if err := json.Unmarshal(e.Data(), &detail); err != nil {
				return nil, fmt.Errorf("failed to decode stage trigger: %w", err)
			}
			return StageTrigger{
				Detail: detail,
				Envelope: models.Envelope{
					Source:     e.Source(),
					DetailType: models.DetailType(e.Type()),
					Detail:     append(json.RawMessage(nil), e.Data()...),
				},
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: source=%q type=%q", ErrUnsupportedEvent, e.Source(), e.Type())
}

func (d Decoder) source(component string) string {
	return component + "." + d.Namespace
}

func (d Decoder) upload(bucket, key string) (Event, error) {
	up := Upload{Bucket: bucket, Key: key}
	parts := strings.Split(strings.Trim(key, "/"), "/")
	if d.UploadPrefix != "" {
		if len(parts) == 0 || parts[0] != d.UploadPrefix {
			return up, nil
		}
		parts = parts[1:]
	}
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidObjectKey, key)
	}
	up.Initial = true
	up.CaseID = parts[0]
	up.DocumentID = parts[1]
	up.FileName = strings.Join(parts[2:], "/")
	return up, nil
}

// ObjectKey builds the upload key Decode understands.
func ObjectKey(prefix, caseID, documentID, fileName string) string {
	if prefix == "" {
		return caseID + "/" + documentID + "/" + fileName
	}
	return prefix + "/" + caseID + "/" + documentID + "/" + fileName
}

// FailedCaseID finds the case id in a failure payload, which is either a
// stage event or a bus envelope wrapping one.
func FailedCaseID(payload []byte) (string, error) {
	var shape struct {
		Case struct {
			ID string `json:"id"`
		} `json:"case"`
		Detail struct {
			Case struct {
				ID string `json:"id"`
			} `json:"case"`
		} `json:"detail"`
	}
	if err := json.Unmarshal(payload, &shape); err != nil {
		return "", fmt.Errorf("failed to decode failure payload: %w", err)
	}
	if shape.Detail.Case.ID != "" {
		return shape.Detail.Case.ID, nil
	}
	if shape.Case.ID != "" {
		return shape.Case.ID, nil
	}
	return "", errors.New("failure payload carries no case id")
}

// TriggerFromEnvelope decodes a stage trigger that arrives as a bus
// envelope, as the stage workflow forwards it over HTTP.
func TriggerFromEnvelope(env models.Envelope) (StageTrigger, error) {
	if env.DetailType != models.DetailTriggerWorkflow {
		return StageTrigger{}, fmt.Errorf("%w: detail type %q", ErrUnsupportedEvent, env.DetailType)
	}
	var detail models.StageEvent
	if err := json.Unmarshal(env.Detail, &detail); err != nil {
		return StageTrigger{}, fmt.Errorf("failed to decode stage trigger: %w", err)
	}
	return StageTrigger{Detail: detail, Envelope: env}, nil
}

// WorkItems decodes a Pub/Sub push event from a stage work topic. Each
// message carries one correlated work item.
func WorkItems(e event.Event) ([]models.CorrelatedWorkItem, error) {
	var push struct {
		Message struct {
			Data []byte `json:"data"`
		} `json:"message"`
	}
	if err := json.Unmarshal(e.Data(), &push); err != nil {
		return nil, fmt.Errorf("failed to decode Pub/Sub message: %w", err)
	}
	var item models.CorrelatedWorkItem
	if err := json.Unmarshal(push.Message.Data, &item); err != nil {
		return nil, fmt.Errorf("failed to decode work item: %w", err)
	}
	if item.TaskToken == "" {
		return nil, errors.New("work item carries no task token")
	}
	return []models.CorrelatedWorkItem{item}, nil
}
