// Package callbacktest provides in-memory implementations of the callback
// stores for tests.
package callbacktest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Lllllllleong/casedocumentflow/internal/callback"
	"github.com/Lllllllleong/casedocumentflow/internal/models"
)

// Store is an in-memory callback.TaskStore. It counts every terminal
// transition it accepts.
type Store struct {
	mu        sync.Mutex
	tasks     map[string]models.Task
	terminals map[string]int
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{tasks: map[string]models.Task{}, terminals: map[string]int{}}
}

func (s *Store) Create(_ context.Context, task models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.Token]; ok {
		return errors.New("task already exists")
	}
	s.tasks[task.Token] = task
	return nil
}

func (s *Store) Get(_ context.Context, token string) (models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[token]
	if !ok {
		return models.Task{}, callback.ErrTaskNotFound
	}
	return task, nil
}

func (s *Store) Heartbeat(_ context.Context, token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[token]
	if !ok {
		return callback.ErrTaskNotFound
	}
	if task.State != models.TaskPending {
		return callback.ErrTaskNotPending
	}
	task.LastHeartbeat = at
	s.tasks[token] = task
	return nil
}

func (s *Store) Complete(_ context.Context, token string, result models.TaskResult, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[token]
	if !ok {
		return callback.ErrTaskNotFound
	}
	if task.State != models.TaskPending {
		return callback.ErrTaskNotPending
	}
	task.State = result.State
	task.Output = result.Output
	task.Error = result.Error
	task.Cause = result.Cause
	task.CompletedAt = at
	s.tasks[token] = task
	s.terminals[token]++
	return nil
}

// Put stores task as is.
func (s *Store) Put(task models.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.Token] = task
}

// Tasks returns a snapshot of every stored task.
func (s *Store) Tasks() []models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

// Terminals returns how many terminal transitions token received.
func (s *Store) Terminals(token string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminals[token]
}

// Message is one item published to a Queue.
type Message struct {
	Stage string
	Body  []byte
}

// Queue is an in-memory callback.Queue. The first FailFirst publishes fail
// with Err. OnPublish, if set, runs after each accepted publish.
type Queue struct {
	mu        sync.Mutex
	FailFirst int
	Err       error
	OnPublish func(Message)
	attempts  int
	messages  []Message
}

func (q *Queue) Publish(_ context.Context, stage string, body []byte) error {
	q.mu.Lock()
	q.attempts++
	if q.attempts <= q.FailFirst {
		q.mu.Unlock()
		if q.Err != nil {
			return q.Err
		}
		return errors.New("queue unavailable")
	}
	msg := Message{Stage: stage, Body: append([]byte(nil), body...)}
	q.messages = append(q.messages, msg)
	hook := q.OnPublish
	q.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	return nil
}

// Attempts returns how many publishes were attempted.
func (q *Queue) Attempts() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.attempts
}

// Messages returns the accepted messages in publish order.
func (q *Queue) Messages() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Message(nil), q.messages...)
}
