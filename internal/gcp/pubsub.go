package gcp

import (
	"context"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/Lllllllleong/casedocumentflow/internal/callback"
)

// WorkQueue publishes correlated work items to one Pub/Sub topic per stage.
type WorkQueue struct {
	client    *pubsub.Client
	topicName func(stage string) string

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

var _ callback.Queue = (*WorkQueue)(nil)

// NewWorkQueue creates a WorkQueue; topicName maps a stage to its topic id.
func NewWorkQueue(ctx context.Context, projectID string, topicName func(stage string) string) (*WorkQueue, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Pub/Sub client: %w", err)
	}
	return &WorkQueue{client: client, topicName: topicName, topics: map[string]*pubsub.Topic{}}, nil
}

func (q *WorkQueue) topic(stage string) *pubsub.Topic {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.topics[stage]
	if !ok {
		t = q.client.Topic(q.topicName(stage))
		q.topics[stage] = t
	}
	return t
}

// Publish blocks until the server has accepted the message.
func (q *WorkQueue) Publish(ctx context.Context, stage string, body []byte) error {
	res := q.topic(stage).Publish(ctx, &pubsub.Message{
		Data:       body,
		Attributes: map[string]string{"stage": stage},
	})
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", q.topicName(stage), err)
	}
	return nil
}

func (q *WorkQueue) Close() error {
	q.mu.Lock()
	for _, t := range q.topics {
		t.Stop()
	}
	q.mu.Unlock()
	return q.client.Close()
}
