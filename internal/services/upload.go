package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/Lllllllleong/casedocumentflow/internal/events"
	"github.com/Lllllllleong/casedocumentflow/internal/models"
	"github.com/Lllllllleong/casedocumentflow/internal/workflow"
	"github.com/google/uuid"
)

var (
	// ErrBadRequest marks upload requests that fail validation.
	ErrBadRequest = errors.New("bad request")
	// ErrForbidden marks callers acting on a case they do not own.
	ErrForbidden = errors.New("forbidden")
)

// DocumentRegistry records cases and their documents.
type DocumentRegistry interface {
	EnsureCase(ctx context.Context, caseID, ownerID string) error
	ListDocuments(ctx context.Context, caseID string) ([]models.DocumentRecord, error)
	CreateDocument(ctx context.Context, rec models.DocumentRecord) error
}

// URLSigner issues upload URLs.
type URLSigner interface {
	SignedPutURL(bucket, objectName, contentType string, expires time.Time) (string, error)
}

// UploadFunction registers a new document and hands back a signed URL the
// client uploads the file to.
type UploadFunction struct {
	cases      DocumentRegistry
	configs    ConfigLoader
	signer     URLSigner
	configName string
	bucket     string
	prefix     string
	expiry     time.Duration
	now        func() time.Time
	newID      func() string
}

// UploadOptions locates uploaded objects and sets how long URLs stay valid.
type UploadOptions struct {
	ConfigName string
	Bucket     string
	Prefix     string
	Expiry     time.Duration
}

func NewUploadFunction(cases DocumentRegistry, configs ConfigLoader, signer URLSigner, opts UploadOptions) *UploadFunction {
	return &UploadFunction{
		cases:      cases,
		configs:    configs,
		signer:     signer,
		configName: opts.ConfigName,
		bucket:     opts.Bucket,
		prefix:     opts.Prefix,
		expiry:     opts.Expiry,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// Process validates req on behalf of callerID and registers the document.
func (f *UploadFunction) Process(ctx context.Context, callerID string, req models.UploadDocumentRequest) (*models.UploadDocumentResponse, error) {
	logCtx := slog.With("caseId", req.CaseID, "documentType", req.DocumentType, "caller", callerID)

	if req.CaseID == "" || req.DocumentType == "" || req.FileName == "" {
		return nil, fmt.Errorf("%w: caseId, documentType and fileName are required", ErrBadRequest)
	}
	if strings.ContainsAny(req.FileName, "/\\") {
		return nil, fmt.Errorf("%w: fileName must not contain path separators", ErrBadRequest)
	}
	owner := models.OwnerFromCaseID(req.CaseID)
	if owner == "" {
		return nil, fmt.Errorf("%w: case id must have the form {ownerId}:{id}", ErrBadRequest)
	}
	if callerID == "" || owner != callerID {
		return nil, fmt.Errorf("%w: case %s belongs to another user", ErrForbidden, req.CaseID)
	}

	cfg, err := f.configs.Load(ctx, f.configName)
	if err != nil {
		return nil, err
	}
	docCfg, ok := cfg.Document(req.DocumentType)
	if !ok {
		return nil, fmt.Errorf("%w: document type %q is not accepted", ErrBadRequest, req.DocumentType)
	}
	ext := req.FileExtension
	if ext == "" {
		ext = fileExtension(req.FileName)
	}
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if !docCfg.AcceptsFileType(ext) {
		return nil, fmt.Errorf("%w: file type %q is not accepted for %s", ErrBadRequest, ext, docCfg.DocumentType)
	}

	docs, err := f.cases.ListDocuments(ctx, req.CaseID)
	if err != nil {
		return nil, err
	}
	if err := uploadAllowed(docs, cfg, req.DocumentType); err != nil {
		return nil, err
	}

	if err := f.cases.EnsureCase(ctx, req.CaseID, owner); err != nil {
		return nil, err
	}
	docID := f.newID()
	key := events.ObjectKey(f.prefix, req.CaseID, docID, req.FileName)
	rec := models.DocumentRecord{
		ID:             docID,
		CaseID:         req.CaseID,
		DocumentType:   docCfg.DocumentType,
		Bucket:         f.bucket,
		ObjectKey:      key,
		FileName:       req.FileName,
		FileExtension:  ext,
		RequiredStages: docCfg.WorkflowsToProcess,
		CreatedAt:      f.now(),
	}
	if err := f.cases.CreateDocument(ctx, rec); err != nil {
		return nil, err
	}

	expires := f.now().Add(f.expiry)
	url, err := f.signer.SignedPutURL(f.bucket, key, contentType(ext), expires)
	if err != nil {
		return nil, err
	}
	logCtx.Info("Document registered.", "documentId", docID, "gcsObject", key)
	return &models.UploadDocumentResponse{
		CaseID:     req.CaseID,
		DocumentID: docID,
		ObjectKey:  key,
		UploadURL:  url,
		ExpiresAt:  expires,
	}, nil
}

// uploadAllowed accepts a document while its type has no uploads yet or while
// any type already uploaded is below its minimum count, even if docType itself
// is satisfied. Any upload is refused once the case holds more types than the
// workflow asks for.
func uploadAllowed(docs []models.DocumentRecord, cfg *models.WorkflowConfig, docType string) error {
	uploaded := models.UploadedCounts(docs)
	if uploaded == nil {
		uploaded = map[string]int{}
	}
	required := cfg.RequiredCounts()
	missing, err := workflow.IsUploadMissingDocument(uploaded, required, strings.ToLower(docType))
	if err != nil {
		return err
	}
	if !missing || len(uploaded) > len(required) {
		return fmt.Errorf("%w: no more %s documents are needed for this case", ErrBadRequest, docType)
	}
	return nil
}

func fileExtension(fileName string) string {
	i := strings.LastIndex(fileName, ".")
	if i < 0 {
		return ""
	}
	return fileName[i+1:]
}

func contentType(ext string) string {
	if t := mime.TypeByExtension("." + ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
