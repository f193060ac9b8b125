package gcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/casedocumentflow/internal/callback"
	"github.com/Lllllllleong/casedocumentflow/internal/models"
	"github.com/Lllllllleong/casedocumentflow/internal/workflow"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const documentsCollection = "documents"

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
// It centralizes client creation for all services.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// CaseStore keeps case records and their documents. Documents live in a
// subcollection of their case.
type CaseStore struct {
	client     *firestore.Client
	collection string
}

func NewCaseStore(client *firestore.Client, collection string) *CaseStore {
	return &CaseStore{client: client, collection: collection}
}

func (s *CaseStore) caseRef(caseID string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(caseID)
}

// EnsureCase creates the case record if it does not exist yet.
func (s *CaseStore) EnsureCase(ctx context.Context, caseID, ownerID string) error {
	now := time.Now()
	_, err := s.caseRef(caseID).Create(ctx, models.Case{OwnerID: ownerID, CreatedAt: now, UpdatedAt: now})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("failed to create case %s: %w", caseID, err)
	}
	return nil
}

// GetCase returns the case record without its documents.
func (s *CaseStore) GetCase(ctx context.Context, caseID string) (*models.Case, error) {
	snap, err := s.caseRef(caseID).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("case %s: %w", caseID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read case %s: %w", caseID, err)
	}
	var c models.Case
	if err := snap.DataTo(&c); err != nil {
		return nil, fmt.Errorf("failed to decode case %s: %w", caseID, err)
	}
	c.ID = caseID
	return &c, nil
}

// UpdateStatus moves the case to next inside a single-document transaction.
// Writes that would move the case backwards, leave a terminal status or
// repeat the current one are skipped and reported as unchanged.
func (s *CaseStore) UpdateStatus(ctx context.Context, caseID string, next models.CaseStatus, details string) (bool, error) {
	ref := s.caseRef(caseID)
	var changed bool
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		changed = false
		var current models.Case
		snap, err := tx.Get(ref)
		switch {
		case isNotFound(err):
		case err != nil:
			return err
		default:
			if err := snap.DataTo(&current); err != nil {
				return err
			}
		}
		if !current.Status.CanTransitionTo(next) {
			return nil
		}

		fields := map[string]any{"status": next, "updatedAt": time.Now()}
		if details != "" {
			fields["errorDetails"] = details
		}
		changed = true
		return tx.Set(ref, fields, firestore.MergeAll)
	})
	if err != nil {
		return false, fmt.Errorf("failed to update status of case %s: %w", caseID, err)
	}
	return changed, nil
}

// ListDocuments returns every document uploaded to the case.
func (s *CaseStore) ListDocuments(ctx context.Context, caseID string) ([]models.DocumentRecord, error) {
	it := s.caseRef(caseID).Collection(documentsCollection).Documents(ctx)
	defer it.Stop()

	var docs []models.DocumentRecord
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list documents of case %s: %w", caseID, err)
		}
		var rec models.DocumentRecord
		if err := snap.DataTo(&rec); err != nil {
			return nil, fmt.Errorf("failed to decode document %s: %w", snap.Ref.ID, err)
		}
		rec.ID = snap.Ref.ID
		docs = append(docs, rec)
	}
	return docs, nil
}

// CreateDocument adds a document record. The document list of a case is
// append-only, so an existing id is an error.
func (s *CaseStore) CreateDocument(ctx context.Context, rec models.DocumentRecord) error {
	ref := s.caseRef(rec.CaseID).Collection(documentsCollection).Doc(rec.ID)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if _, err := ref.Create(ctx, rec); err != nil {
		return fmt.Errorf("failed to create document %s: %w", rec.ID, err)
	}
	return nil
}

// RecordInference stores where a stage wrote its output for a document.
func (s *CaseStore) RecordInference(ctx context.Context, caseID, documentID, key, objectName string) error {
	ref := s.caseRef(caseID).Collection(documentsCollection).Doc(documentID)
	_, err := ref.Update(ctx, []firestore.Update{
		{FieldPath: firestore.FieldPath{"inferences", key}, Value: objectName},
	})
	if err != nil {
		return fmt.Errorf("failed to record %s for document %s: %w", key, documentID, err)
	}
	return nil
}

// ConfigStore reads and writes workflow configurations keyed by name.
type ConfigStore struct {
	client     *firestore.Client
	collection string
}

func NewConfigStore(client *firestore.Client, collection string) *ConfigStore {
	return &ConfigStore{client: client, collection: collection}
}

// Load returns the named configuration or workflow.ErrConfigurationNotFound.
func (s *ConfigStore) Load(ctx context.Context, name string) (*models.WorkflowConfig, error) {
	snap, err := s.client.Collection(s.collection).Doc(name).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %q", workflow.ErrConfigurationNotFound, name)
		}
		return nil, fmt.Errorf("failed to load workflow config %q: %w", name, err)
	}
	var cfg models.WorkflowConfig
	if err := snap.DataTo(&cfg); err != nil {
		return nil, fmt.Errorf("%w: config %q cannot be decoded: %v", workflow.ErrConfiguration, name, err)
	}
	return &cfg, nil
}

func (s *ConfigStore) Save(ctx context.Context, cfg *models.WorkflowConfig) error {
	if cfg.Name == "" {
		return errors.New("workflow config has no Name")
	}
	if _, err := s.client.Collection(s.collection).Doc(cfg.Name).Set(ctx, cfg); err != nil {
		return fmt.Errorf("failed to save workflow config %q: %w", cfg.Name, err)
	}
	return nil
}

// TaskStore implements callback.TaskStore. Transitions run in transactions
// so a task accepts exactly one terminal result.
type TaskStore struct {
	client     *firestore.Client
	collection string
}

func NewTaskStore(client *firestore.Client, collection string) *TaskStore {
	return &TaskStore{client: client, collection: collection}
}

var _ callback.TaskStore = (*TaskStore)(nil)

func (s *TaskStore) Create(ctx context.Context, task models.Task) error {
	if _, err := s.client.Collection(s.collection).Doc(task.Token).Create(ctx, task); err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func (s *TaskStore) Get(ctx context.Context, token string) (models.Task, error) {
	snap, err := s.client.Collection(s.collection).Doc(token).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return models.Task{}, callback.ErrTaskNotFound
		}
		return models.Task{}, fmt.Errorf("failed to read task: %w", err)
	}
	var task models.Task
	if err := snap.DataTo(&task); err != nil {
		return models.Task{}, fmt.Errorf("failed to decode task: %w", err)
	}
	task.Token = token
	return task, nil
}

func (s *TaskStore) Heartbeat(ctx context.Context, token string, at time.Time) error {
	return s.transition(ctx, token, []firestore.Update{{Path: "lastHeartbeat", Value: at}})
}

func (s *TaskStore) Complete(ctx context.Context, token string, result models.TaskResult, at time.Time) error {
	return s.transition(ctx, token, []firestore.Update{
		{Path: "state", Value: result.State},
		{Path: "output", Value: result.Output},
		{Path: "error", Value: result.Error},
		{Path: "cause", Value: result.Cause},
		{Path: "completedAt", Value: at},
	})
}

// transition applies updates only while the task is pending.
func (s *TaskStore) transition(ctx context.Context, token string, updates []firestore.Update) error {
	ref := s.client.Collection(s.collection).Doc(token)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if isNotFound(err) {
				return callback.ErrTaskNotFound
			}
			return err
		}
		state, err := snap.DataAt("state")
		if err != nil {
			return err
		}
		if v, _ := state.(string); models.TaskState(v) != models.TaskPending {
			return callback.ErrTaskNotPending
		}
		return tx.Update(ref, updates)
	})
}

// SearchIndex writes aggregated documents to the search collection.
type SearchIndex struct {
	client     *firestore.Client
	collection string
}

func NewSearchIndex(client *firestore.Client, collection string) *SearchIndex {
	return &SearchIndex{client: client, collection: collection}
}

// Put writes one entry, replacing any earlier entry for the same document.
func (s *SearchIndex) Put(ctx context.Context, entry models.IndexEntry) error {
	if entry.IndexedAt.IsZero() {
		entry.IndexedAt = time.Now()
	}
	id := fmt.Sprintf("%s_%s_%s", entry.IndexName, entry.CaseID, entry.DocumentID)
	if _, err := s.client.Collection(s.collection).Doc(id).Set(ctx, entry); err != nil {
		return fmt.Errorf("failed to index document %s: %w", entry.DocumentID, err)
	}
	return nil
}
