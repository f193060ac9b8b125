package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Lllllllleong/casedocumentflow/internal/models"
)

// fakeCases is an in-memory case store that applies the same status
// transition rules as Firestore.
type fakeCases struct {
	mu         sync.Mutex
	cases      map[string]*models.Case
	docs       map[string][]models.DocumentRecord
	updates    []statusUpdate
	inferences map[string]string
	updateErr  error
}

type statusUpdate struct {
	CaseID  string
	Status  models.CaseStatus
	Changed bool
}

func newFakeCases() *fakeCases {
	return &fakeCases{
		cases:      map[string]*models.Case{},
		docs:       map[string][]models.DocumentRecord{},
		inferences: map[string]string{},
	}
}

func (f *fakeCases) EnsureCase(_ context.Context, caseID, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.cases[caseID]; !ok {
		f.cases[caseID] = &models.Case{ID: caseID, OwnerID: ownerID}
	}
	return nil
}

func (f *fakeCases) GetCase(_ context.Context, caseID string) (*models.Case, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cases[caseID]
	if !ok {
		return nil, fmt.Errorf("case %s: not found", caseID)
	}
	cp := *c
	return &cp, nil
}

// UpdateStatus rejects a finished context like the Firestore client does.
func (f *fakeCases) UpdateStatus(ctx context.Context, caseID string, status models.CaseStatus, details string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return false, f.updateErr
	}
	c, ok := f.cases[caseID]
	if !ok {
		c = &models.Case{ID: caseID}
		f.cases[caseID] = c
	}
	changed := c.Status.CanTransitionTo(status)
	if changed {
		c.Status = status
		c.ErrorDetails = details
	}
	f.updates = append(f.updates, statusUpdate{CaseID: caseID, Status: status, Changed: changed})
	return changed, nil
}

func (f *fakeCases) ListDocuments(_ context.Context, caseID string) ([]models.DocumentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.DocumentRecord(nil), f.docs[caseID]...), nil
}

func (f *fakeCases) CreateDocument(_ context.Context, rec models.DocumentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[rec.CaseID] = append(f.docs[rec.CaseID], rec)
	return nil
}

func (f *fakeCases) RecordInference(_ context.Context, caseID, documentID, key, objectName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inferences[caseID+"/"+documentID+"/"+key] = objectName
	return nil
}

func (f *fakeCases) status(caseID string) models.CaseStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.cases[caseID]; ok {
		return c.Status
	}
	return ""
}

// changes counts the status writes that moved the case.
func (f *fakeCases) changes(caseID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, u := range f.updates {
		if u.CaseID == caseID && u.Changed {
			n++
		}
	}
	return n
}

type fakeConfigs struct {
	cfg *models.WorkflowConfig
	err error
}

func (f *fakeConfigs) Load(context.Context, string) (*models.WorkflowConfig, error) {
	return f.cfg, f.err
}

// fakeBus fails its first failFirst publishes with err, or every publish
// when failFirst is zero and err is set.
type fakeBus struct {
	mu        sync.Mutex
	envs      []models.Envelope
	err       error
	failFirst int
	attempts  int
}

func (b *fakeBus) Publish(ctx context.Context, env models.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	if b.err != nil && (b.failFirst == 0 || b.attempts <= b.failFirst) {
		return b.err
	}
	b.envs = append(b.envs, env)
	return nil
}

func (b *fakeBus) published() []models.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.Envelope(nil), b.envs...)
}

type fakeDeadLetters struct {
	mu   sync.Mutex
	puts [][]byte
	err  error
}

func (d *fakeDeadLetters) Put(ctx context.Context, caseID string, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.puts = append(d.puts, append([]byte(nil), payload...))
	return fmt.Sprintf("dead-letter/%s/%d.json", caseID, len(d.puts)), nil
}

// fakeInferences keeps stage output as JSON keyed by object name.
type fakeInferences struct {
	mu      sync.Mutex
	objects map[string][]byte
	gets    int
}

func newFakeInferences() *fakeInferences {
	return &fakeInferences{objects: map[string][]byte{}}
}

func (s *fakeInferences) Get(_ context.Context, objectName string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	body, ok := s.objects[objectName]
	if !ok {
		return errors.New("object not found")
	}
	return json.Unmarshal(body, v)
}

func (s *fakeInferences) Put(_ context.Context, caseID, documentID, key string, v any) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	name := caseID + "/" + documentID + "/" + key + ".json"
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[name] = body
	return name, nil
}

func (s *fakeInferences) put(name string, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[name] = body
}

type fakeIndex struct {
	mu      sync.Mutex
	entries []models.IndexEntry
	err     error
}

func (x *fakeIndex) Put(_ context.Context, entry models.IndexEntry) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.err != nil {
		return x.err
	}
	x.entries = append(x.entries, entry)
	return nil
}

type fakeAggregator struct {
	calls []models.StageEvent
	err   error
}

func (a *fakeAggregator) Aggregate(_ context.Context, ev models.StageEvent) error {
	a.calls = append(a.calls, ev)
	return a.err
}

type fakeSigner struct {
	bucket, objectName, contentType string
	expires                         time.Time
}

func (s *fakeSigner) SignedPutURL(bucket, objectName, contentType string, expires time.Time) (string, error) {
	s.bucket, s.objectName, s.contentType, s.expires = bucket, objectName, contentType, expires
	return "https://storage.example/" + bucket + "/" + objectName + "?signed", nil
}

// testConfig is a two-type workflow: an identity document that only needs
// text extraction and a payslip that also needs standard entities.
func testConfig() *models.WorkflowConfig {
	return &models.WorkflowConfig{
		Name:             "default",
		WorkflowSequence: []string{"textract", "entity-standard"},
		MinRequiredDocuments: []models.RequiredDocument{
			{DocumentType: "ID", FileTypes: []string{"pdf", "png"}, WorkflowsToProcess: []string{"textract"}, NumDocuments: 1},
			{DocumentType: "Payslip", FileTypes: []string{"pdf"}, WorkflowsToProcess: []string{"textract", "entity-standard"}, NumDocuments: 1, PiiFlag: true},
		},
	}
}

func docPayload(id string, stages ...string) models.DocumentPayload {
	return models.DocumentPayload{
		Document: models.DocumentInfo{
			ID:                    id,
			CaseID:                "owner:c1",
			SelfCertifiedDocType:  "ID",
			Bucket:                "uploads",
			ObjectKey:             "initial/owner:c1/" + id + "/file.pdf",
			DocumentWorkflow:      stages,
			UploadedFileExtension: "pdf",
			UploadedFileName:      "file.pdf",
		},
		Inferences: map[string]any{},
	}
}
