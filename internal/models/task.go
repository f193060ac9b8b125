package models

import "time"

// TaskState is the lifecycle of a dispatched work item.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskTimedOut  TaskState = "timed-out"
)

// Task is the stored state behind a task token.
type Task struct {
	Token         string    `firestore:"-"`
	CaseID        string    `firestore:"caseId"`
	DocumentID    string    `firestore:"documentId,omitempty"`
	Stage         string    `firestore:"stage"`
	State         TaskState `firestore:"state"`
	Output        string    `firestore:"output,omitempty"`
	Error         string    `firestore:"error,omitempty"`
	Cause         string    `firestore:"cause,omitempty"`
	CreatedAt     time.Time `firestore:"createdAt"`
	LastHeartbeat time.Time `firestore:"lastHeartbeat"`
	CompletedAt   time.Time `firestore:"completedAt,omitempty"`
}

// TaskResult is the terminal outcome applied to a pending task.
type TaskResult struct {
	State  TaskState
	Output string
	Error  string
	Cause  string
}
