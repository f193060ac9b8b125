package gcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
)

// ErrNotFound is returned when a record or object does not exist.
var ErrNotFound = errors.New("not found")

// SaveToGCSAtomically writes content to a GCS object only if it doesn't already exist.
// It reports whether the object was written; an existing object is not an error.
func SaveToGCSAtomically(ctx context.Context, bucket *storage.BucketHandle, objectName string, content []byte) (bool, error) {
	writer := bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = "application/json"

	if _, err := io.Copy(writer, bytes.NewReader(content)); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			slog.Info("Object already exists, skipping write.", "gcsObject", objectName)
			return false, nil
		}
		return false, fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			slog.Info("Object already exists, skipping write.", "gcsObject", objectName)
			return false, nil
		}
		return false, fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return true, nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 412
}

// InferenceStore keeps raw stage output as JSON objects named
// {caseId}/{documentId}/{inferenceKey}.json.
type InferenceStore struct {
	bucket *storage.BucketHandle
	name   string
}

func NewInferenceStore(client *storage.Client, bucket string) *InferenceStore {
	return &InferenceStore{bucket: client.Bucket(bucket), name: bucket}
}

// ObjectName returns where the output of key is stored for a document.
func (s *InferenceStore) ObjectName(caseID, documentID, key string) string {
	return fmt.Sprintf("%s/%s/%s.json", caseID, documentID, key)
}

// Put stores v and returns its object name. Output already stored for the
// same key is kept.
func (s *InferenceStore) Put(ctx context.Context, caseID, documentID, key string, v any) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s output: %w", key, err)
	}
	objectName := s.ObjectName(caseID, documentID, key)
	if _, err := SaveToGCSAtomically(ctx, s.bucket, objectName, body); err != nil {
		return "", err
	}
	return objectName, nil
}

// Get decodes the object into v.
func (s *InferenceStore) Get(ctx context.Context, objectName string, v any) error {
	reader, err := s.bucket.Object(objectName).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("gs://%s/%s: %w", s.name, objectName, ErrNotFound)
		}
		return fmt.Errorf("failed to open gs://%s/%s: %w", s.name, objectName, err)
	}
	defer reader.Close()
	if err := json.NewDecoder(reader).Decode(v); err != nil {
		return fmt.Errorf("failed to decode gs://%s/%s: %w", s.name, objectName, err)
	}
	return nil
}

// DeadLetterSink archives payloads that could not be processed. Every call
// writes a new object under dead-letter/{caseId}/.
type DeadLetterSink struct {
	bucket *storage.BucketHandle
}

func NewDeadLetterSink(client *storage.Client, bucket string) *DeadLetterSink {
	return &DeadLetterSink{bucket: client.Bucket(bucket)}
}

func (s *DeadLetterSink) Put(ctx context.Context, caseID string, payload []byte) (string, error) {
	objectName := fmt.Sprintf("dead-letter/%s/%s-%s.json", caseID, time.Now().UTC().Format("20060102T150405Z"), uuid.NewString())
	if _, err := SaveToGCSAtomically(ctx, s.bucket, objectName, payload); err != nil {
		return "", fmt.Errorf("failed to dead-letter payload for case %s: %w", caseID, err)
	}
	return objectName, nil
}

// Objects reads and signs objects in arbitrary buckets.
type Objects struct {
	client *storage.Client
}

func NewObjects(client *storage.Client) *Objects {
	return &Objects{client: client}
}

// SignedPutURL returns a V4 URL the caller can upload objectName to.
func (o *Objects) SignedPutURL(bucket, objectName, contentType string, expires time.Time) (string, error) {
	url, err := o.client.Bucket(bucket).SignedURL(objectName, &storage.SignedURLOptions{
		Scheme:      storage.SigningSchemeV4,
		Method:      "PUT",
		ContentType: contentType,
		Expires:     expires,
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign upload URL for %s: %w", objectName, err)
	}
	return url, nil
}

// Download streams an object to a local file.
func (o *Objects) Download(ctx context.Context, bucket, object, destPath string) error {
	gcsReader, err := o.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("failed to get GCS object reader for gs://%s/%s: %w", bucket, object, err)
	}
	defer gcsReader.Close()
	localFile, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create temp file at %s: %w", destPath, err)
	}
	defer localFile.Close()
	if _, err := io.Copy(localFile, gcsReader); err != nil {
		return fmt.Errorf("failed to copy GCS object to local file: %w", err)
	}
	return nil
}
