package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/Lllllllleong/casedocumentflow/internal/models"
)

// maxErrorLength bounds the error field of a failure signal.
const maxErrorLength = 256

// Signaler is the worker side of the callback protocol.
type Signaler struct {
	store TaskStore
	now   func() time.Time
}

// NewSignaler creates a Signaler backed by store.
func NewSignaler(store TaskStore) *Signaler {
	return &Signaler{store: store, now: time.Now}
}

// Heartbeat records that the worker is still busy.
func (s *Signaler) Heartbeat(ctx context.Context, sig models.HeartbeatSignal) error {
	if err := s.store.Heartbeat(ctx, sig.TaskToken, s.now()); err != nil {
		return fmt.Errorf("failed to send heartbeat: %w", err)
	}
	return nil
}

// Succeed completes the task with its output.
func (s *Signaler) Succeed(ctx context.Context, sig models.SuccessSignal) error {
	if !json.Valid(sig.Output) {
		return fmt.Errorf("task %s output is not valid JSON", sig.TaskToken)
	}
	result := models.TaskResult{State: models.TaskSucceeded, Output: string(sig.Output)}
	if err := s.store.Complete(ctx, sig.TaskToken, result, s.now()); err != nil {
		return fmt.Errorf("failed to send task success: %w", err)
	}
	return nil
}

// Fail completes the task with an error.
func (s *Signaler) Fail(ctx context.Context, sig models.FailureSignal) error {
	result := models.TaskResult{State: models.TaskFailed, Error: truncate(sig.Error, maxErrorLength), Cause: sig.Cause}
	if err := s.store.Complete(ctx, sig.TaskToken, result, s.now()); err != nil {
		return fmt.Errorf("failed to send task failure: %w", err)
	}
	return nil
}

// FailureFor builds the failure signal reported for err.
func FailureFor(token string, err error) models.FailureSignal {
	return models.FailureSignal{
		TaskToken: token,
		Error:     truncate(err.Error(), maxErrorLength),
		Cause:     err.Error(),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
