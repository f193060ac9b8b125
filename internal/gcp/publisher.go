package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/Lllllllleong/casedocumentflow/internal/models"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// EventPublisher sends an envelope to the orchestration bus.
type EventPublisher interface {
	Publish(ctx context.Context, env models.Envelope) error
}

// CloudEventsPublisher posts envelopes as binary-mode CloudEvents: the
// envelope source and detail type become the event source and type, and the
// detail bytes become the data unchanged.
type CloudEventsPublisher struct {
	client cloudevents.Client
	target string
}

func NewCloudEventsPublisher(target string) (*CloudEventsPublisher, error) {
	client, err := cloudevents.NewClientHTTP()
	if err != nil {
		return nil, fmt.Errorf("failed to create CloudEvents client: %w", err)
	}
	return &CloudEventsPublisher{client: client, target: target}, nil
}

func (p *CloudEventsPublisher) Publish(ctx context.Context, env models.Envelope) error {
	e := cloudevents.NewEvent()
	e.SetID(uuid.NewString())
	e.SetSource(env.Source)
	e.SetType(string(env.DetailType))
	if err := e.SetData(cloudevents.ApplicationJSON, []byte(env.Detail)); err != nil {
		return fmt.Errorf("failed to set event data: %w", err)
	}

	result := p.client.Send(cloudevents.ContextWithTarget(ctx, p.target), e)
	if !cloudevents.IsACK(result) {
		return fmt.Errorf("failed to publish %s event: %w", env.DetailType, result)
	}
	return nil
}

// ExecutionsPublisher starts one Cloud Workflows execution of the stage
// workflow for every trigger event; the envelope is the execution argument.
// Other events go to next.
type ExecutionsPublisher struct {
	client *executions.Client
	parent string
	next   EventPublisher
}

func NewExecutionsPublisher(ctx context.Context, projectID, location, workflowID string, next EventPublisher) (*ExecutionsPublisher, error) {
	client, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
	}
	return &ExecutionsPublisher{
		client: client,
		parent: fmt.Sprintf("projects/%s/locations/%s/workflows/%s", projectID, location, workflowID),
		next:   next,
	}, nil
}

func (p *ExecutionsPublisher) Publish(ctx context.Context, env models.Envelope) error {
	if env.DetailType != models.DetailTriggerWorkflow {
		return p.next.Publish(ctx, env)
	}
	argument, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow argument: %w", err)
	}
	exec, err := p.client.CreateExecution(ctx, &executionspb.CreateExecutionRequest{
		Parent:    p.parent,
		Execution: &executionspb.Execution{Argument: string(argument)},
	})
	if err != nil {
		return fmt.Errorf("failed to trigger workflow execution: %w", err)
	}
	slog.Info("Stage workflow execution started.", "execution", exec.GetName())
	return nil
}

func (p *ExecutionsPublisher) Close() error {
	return p.client.Close()
}
