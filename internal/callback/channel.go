// Package callback correlates long-running stage work with the coordinator
// waiting on it. A coordinator dispatches work under a fresh task token and
// awaits the outcome; the worker reports back through a Signaler using only
// that token.
package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/casedocumentflow/internal/config"
	"github.com/Lllllllleong/casedocumentflow/internal/models"
	"github.com/google/uuid"
)

var (
	// ErrDispatchExhausted is returned when every enqueue attempt failed.
	ErrDispatchExhausted = errors.New("dispatch retries exhausted")
	// ErrTaskNotFound is returned for a token with no stored task.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskNotPending is returned when a signal arrives for a task that
	// already reached a terminal state.
	ErrTaskNotPending = errors.New("task is not pending")
	// ErrTaskTimedOut is returned by Await when the task ran too long.
	ErrTaskTimedOut = errors.New("task timed out")
	// ErrHeartbeatTimedOut is returned by Await when the worker went quiet.
	ErrHeartbeatTimedOut = fmt.Errorf("%w: heartbeat not received", ErrTaskTimedOut)
	// ErrDeadlineReached is returned by Await when the caller's deadline is
	// closer than the configured margin.
	ErrDeadlineReached = fmt.Errorf("%w: invocation deadline reached", ErrTaskTimedOut)
)

// TaskFailedError carries the failure a worker reported.
type TaskFailedError struct {
	Token string
	Err   string
	Cause string
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task %s failed: %s", e.Token, e.Cause)
}

// TaskStore persists task state. Complete and Heartbeat only apply to a
// pending task and return ErrTaskNotPending otherwise.
type TaskStore interface {
	Create(ctx context.Context, task models.Task) error
	Get(ctx context.Context, token string) (models.Task, error)
	Heartbeat(ctx context.Context, token string, at time.Time) error
	Complete(ctx context.Context, token string, result models.TaskResult, at time.Time) error
}

// Queue delivers work items to the workers of a stage at least once.
type Queue interface {
	Publish(ctx context.Context, stage string, body []byte) error
}

// WorkRequest describes one unit of work to dispatch.
type WorkRequest struct {
	CaseID     string
	DocumentID string
	Stage      string
	Input      any
}

// Channel is the coordinator side of the callback protocol.
type Channel struct {
	store    TaskStore
	queue    Queue
	cfg      config.DispatchConfig
	now      func() time.Time
	newToken func() string
}

// NewChannel creates a Channel with the given retry and timeout settings.
func NewChannel(store TaskStore, queue Queue, cfg config.DispatchConfig) *Channel {
	return &Channel{
		store:    store,
		queue:    queue,
		cfg:      cfg,
		now:      time.Now,
		newToken: uuid.NewString,
	}
}

// Dispatch records a pending task under a new token and enqueues the work
// item, retrying the enqueue with exponential backoff. It performs no
// failure handling beyond reporting ErrDispatchExhausted.
func (c *Channel) Dispatch(ctx context.Context, req WorkRequest) (string, error) {
	token := c.newToken()
	logCtx := slog.With("caseId", req.CaseID, "documentId", req.DocumentID, "stage", req.Stage, "taskToken", token)

	input, err := json.Marshal(req.Input)
	if err != nil {
		return "", fmt.Errorf("failed to marshal work input: %w", err)
	}
	body, err := json.Marshal(models.CorrelatedWorkItem{Input: input, TaskToken: token})
	if err != nil {
		return "", fmt.Errorf("failed to marshal work item: %w", err)
	}

	now := c.now()
	task := models.Task{
		Token:         token,
		CaseID:        req.CaseID,
		DocumentID:    req.DocumentID,
		Stage:         req.Stage,
		State:         models.TaskPending,
		CreatedAt:     now,
		LastHeartbeat: now,
	}
	if err := c.store.Create(ctx, task); err != nil {
		return "", fmt.Errorf("failed to record task: %w", err)
	}

	backoff := c.cfg.RetryInterval
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		lastErr = c.queue.Publish(ctx, req.Stage, body)
		if lastErr == nil {
			logCtx.Debug("Work item dispatched.", "attempt", attempt)
			return token, nil
		}
		if attempt == c.cfg.MaxAttempts {
			break
		}

		logCtx.Warn("Enqueue failed, will retry.", "attempt", attempt, "maxAttempts", c.cfg.MaxAttempts, "backoff", backoff.String(), "error", lastErr)
		select {
		case <-time.After(backoff):
			backoff = time.Duration(float64(backoff) * c.cfg.BackoffRate)
		case <-ctx.Done():
			lastErr = ctx.Err()
			c.abandon(context.WithoutCancel(ctx), logCtx, token, lastErr)
			return "", fmt.Errorf("%w: %w", ErrDispatchExhausted, lastErr)
		}
	}

	logCtx.Error("Enqueue failed after all retries.", "error", lastErr)
	c.abandon(ctx, logCtx, token, lastErr)
	return "", fmt.Errorf("%w after %d attempts: %w", ErrDispatchExhausted, c.cfg.MaxAttempts, lastErr)
}

// abandon fails a task that was never delivered so a late delivery cannot
// complete it.
func (c *Channel) abandon(ctx context.Context, logCtx *slog.Logger, token string, cause error) {
	result := models.TaskResult{State: models.TaskFailed, Error: "DispatchExhausted", Cause: cause.Error()}
	if err := c.store.Complete(ctx, token, result, c.now()); err != nil {
		logCtx.Error("Failed to mark undelivered task as failed.", "error", err)
	}
}

// Await blocks until the task behind token reaches a terminal state and
// returns the worker's output. A worker that stops heartbeating or runs past
// the task timeout is timed out here, which is the only way a stuck stage
// is cancelled. When ctx carries a deadline, the task is also timed out
// DeadlineMargin before it so the caller still has time to act on the
// failure.
func (c *Channel) Await(ctx context.Context, token string) (json.RawMessage, error) {
	logCtx := slog.With("taskToken", token)
	deadline, hasDeadline := ctx.Deadline()
	for {
		task, err := c.store.Get(ctx, token)
		switch {
		case errors.Is(err, ErrTaskNotFound):
			return nil, err
		case err != nil:
			logCtx.Warn("Failed to read task state, will poll again.", "error", err)
		default:
			switch task.State {
			case models.TaskSucceeded:
				return json.RawMessage(task.Output), nil
			case models.TaskFailed:
				return nil, &TaskFailedError{Token: token, Err: task.Error, Cause: task.Cause}
			case models.TaskTimedOut:
				return nil, fmt.Errorf("task %s: %w", token, ErrTaskTimedOut)
			}

			timeoutErr := c.expired(task)
			if timeoutErr == nil && hasDeadline && time.Until(deadline) <= c.cfg.DeadlineMargin {
				timeoutErr = ErrDeadlineReached
			}
			if timeoutErr != nil {
				err := c.timeOut(context.WithoutCancel(ctx), token, timeoutErr)
				switch {
				case err == nil:
					logCtx.Error("Task timed out.", "reason", timeoutErr)
					return nil, fmt.Errorf("task %s: %w", token, timeoutErr)
				case errors.Is(err, ErrTaskNotPending):
					// The worker finished first; read its result.
					continue
				default:
					logCtx.Warn("Failed to mark task as timed out.", "error", err)
				}
			}
		}

		wait := c.cfg.PollInterval
		if hasDeadline {
			if left := time.Until(deadline) - c.cfg.DeadlineMargin; left < wait {
				wait = max(left, 0)
			}
		}
		select {
		case <-ctx.Done():
			if err := c.timeOut(context.WithoutCancel(ctx), token, ctx.Err()); err != nil && !errors.Is(err, ErrTaskNotPending) {
				logCtx.Warn("Failed to mark abandoned task as timed out.", "error", err)
			}
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// timeOut moves a pending task to the timed-out state so a late signal
// cannot complete it.
func (c *Channel) timeOut(ctx context.Context, token string, cause error) error {
	result := models.TaskResult{State: models.TaskTimedOut, Error: "States.Timeout", Cause: cause.Error()}
	return c.store.Complete(ctx, token, result, c.now())
}

func (c *Channel) expired(task models.Task) error {
	now := c.now()
	if c.cfg.TaskTimeout > 0 && now.Sub(task.CreatedAt) > c.cfg.TaskTimeout {
		return ErrTaskTimedOut
	}
	if c.cfg.HeartbeatTimeout > 0 && now.Sub(task.LastHeartbeat) > c.cfg.HeartbeatTimeout {
		return ErrHeartbeatTimedOut
	}
	return nil
}
