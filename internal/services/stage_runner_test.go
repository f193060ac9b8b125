package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Lllllllleong/casedocumentflow/internal/callback"
	"github.com/Lllllllleong/casedocumentflow/internal/callback/callbacktest"
	"github.com/Lllllllleong/casedocumentflow/internal/config"
	"github.com/Lllllllleong/casedocumentflow/internal/events"
	"github.com/Lllllllleong/casedocumentflow/internal/models"
	"github.com/google/go-cmp/cmp"
)

type runnerHarness struct {
	runner *StageRunner
	queue  *callbacktest.Queue
	store  *callbacktest.Store
	cases  *fakeCases
	bus    *fakeBus
	dead   *fakeDeadLetters
}

func runnerDispatch() config.DispatchConfig {
	return config.DispatchConfig{
		RetryInterval:    time.Millisecond,
		BackoffRate:      2,
		MaxAttempts:      3,
		HeartbeatTimeout: time.Minute,
		TaskTimeout:      time.Minute,
		PollInterval:     time.Millisecond,
	}
}

// newRunnerHarness connects a stage runner to an in-memory channel whose
// queue runs handler synchronously as the worker.
func newRunnerHarness(handler StageHandler) *runnerHarness {
	return newRunnerHarnessWith(handler, runnerDispatch())
}

func newRunnerHarnessWith(handler StageHandler, cfg config.DispatchConfig) *runnerHarness {
	h := &runnerHarness{
		queue: &callbacktest.Queue{},
		store: callbacktest.NewStore(),
		cases: newFakeCases(),
		bus:   &fakeBus{},
		dead:  &fakeDeadLetters{},
	}
	worker := NewBatchProcessor(callback.NewSignaler(h.store), handler, "test-worker")
	h.queue.OnPublish = func(msg callbacktest.Message) {
		var item models.CorrelatedWorkItem
		if err := json.Unmarshal(msg.Body, &item); err != nil {
			panic(err)
		}
		worker.ProcessBatch(context.Background(), []models.CorrelatedWorkItem{item})
	}
	channel := callback.NewChannel(h.store, h.queue, cfg)
	failure := NewFailurePath(h.cases, h.bus, h.dead, "workflow.test")
	h.runner = NewStageRunner(channel, h.bus, failure, "workflow.test")
	return h
}

// stageHandler records an output under the stage's key, or fails for
// documents named "bad".
var stageHandler = StageHandlerFunc(func(_ context.Context, _ string, input map[string]any, _ string) (map[string]any, error) {
	in, err := decodeStageInput(input)
	if err != nil {
		return nil, err
	}
	if in.Document.ID == "bad" {
		return nil, errors.New("fake-error")
	}
	key := models.InferenceKey(models.NormalizeStage(in.Stage))
	return map[string]any{"inferences": map[string]any{key: in.Document.ID + "/" + key}}, nil
})

func stageTrigger(t *testing.T, ev models.StageEvent) events.StageTrigger {
	t.Helper()
	env, err := stageEnvelope("workflow-orchestrator.test", models.DetailTriggerWorkflow, ev)
	if err != nil {
		t.Fatalf("stageEnvelope() error = %v", err)
	}
	return events.StageTrigger{Detail: ev, Envelope: env}
}

func decodeDetail(t *testing.T, env models.Envelope) models.StageEvent {
	t.Helper()
	var ev models.StageEvent
	if err := json.Unmarshal(env.Detail, &ev); err != nil {
		t.Fatalf("event detail is not a stage event: %v", err)
	}
	return ev
}

func TestStageRunnerCompletesStage(t *testing.T) {
	h := newRunnerHarness(stageHandler)
	ev := models.StageEvent{Case: models.CasePayload{
		ID:             "owner:c1",
		Status:         models.StatusInProcess,
		Stage:          "entity-standard",
		Workflows:      []string{"textract", "entity-standard"},
		DocumentList:   []models.DocumentPayload{docPayload("d1", "textract", "entity-standard"), docPayload("d2", "textract")},
		StageDocuments: []string{"d1"},
	}}

	if err := h.runner.Run(context.Background(), stageTrigger(t, ev)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := len(h.queue.Messages()); got != 1 {
		t.Errorf("dispatched %d work items, want 1", got)
	}
	published := h.bus.published()
	if len(published) != 1 || published[0].DetailType != models.DetailProcessingComplete || published[0].Source != "workflow.test" {
		t.Fatalf("published %+v, want one processing_complete from workflow.test", published)
	}
	done := decodeDetail(t, published[0])
	if done.Case.Status != models.StatusSuccess {
		t.Errorf("status = %s, want success", done.Case.Status)
	}
	wantInferences := []map[string]any{
		{"entity-standard": "d1/entity-standard"},
		{},
	}
	var gotInferences []map[string]any
	for _, doc := range done.Case.DocumentList {
		gotInferences = append(gotInferences, doc.Inferences)
	}
	if diff := cmp.Diff(wantInferences, gotInferences); diff != "" {
		t.Errorf("document inferences mismatch (-want +got):\n%s", diff)
	}
	if len(h.dead.puts) != 0 {
		t.Errorf("dead letters = %d, want 0", len(h.dead.puts))
	}
}

func TestStageRunnerFallsBackToDocumentWorkflow(t *testing.T) {
	h := newRunnerHarness(stageHandler)
	ev := models.StageEvent{Case: models.CasePayload{
		ID:           "owner:c1",
		Stage:        "TextractWorkflow",
		DocumentList: []models.DocumentPayload{docPayload("d1", "textract"), docPayload("d2", "entity-pii")},
	}}

	if err := h.runner.Run(context.Background(), stageTrigger(t, ev)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	msgs := h.queue.Messages()
	if len(msgs) != 1 || msgs[0].Stage != "textract" {
		t.Fatalf("dispatched %+v, want one textract item", msgs)
	}
}

func TestStageRunnerDivertsFailures(t *testing.T) {
	h := newRunnerHarness(stageHandler)
	ev := models.StageEvent{Case: models.CasePayload{
		ID:           "owner:c1",
		Status:       models.StatusInProcess,
		Stage:        "textract",
		Workflows:    []string{"textract"},
		DocumentList: []models.DocumentPayload{docPayload("d1", "textract"), docPayload("bad", "textract")},
	}}
	trig := stageTrigger(t, ev)

	if err := h.runner.Run(context.Background(), trig); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := h.cases.status("owner:c1"); got != models.StatusFailure {
		t.Errorf("status = %s, want failure", got)
	}
	published := h.bus.published()
	if len(published) != 1 || published[0].DetailType != models.DetailProcessingFailure {
		t.Fatalf("published %+v, want one processing_failure", published)
	}
	wantPayload, _ := json.Marshal(trig.Envelope)
	if diff := cmp.Diff(string(wantPayload), string(published[0].Detail)); diff != "" {
		t.Errorf("failure payload mismatch (-want +got):\n%s", diff)
	}
	if len(h.dead.puts) != 1 {
		t.Errorf("dead letters = %d, want 1", len(h.dead.puts))
	}
	caseID, err := events.FailedCaseID(published[0].Detail)
	if err != nil || caseID != "owner:c1" {
		t.Errorf("FailedCaseID() = %q, %v; want owner:c1", caseID, err)
	}
}

func TestStageRunnerReportsBrokenFailurePath(t *testing.T) {
	h := newRunnerHarness(stageHandler)
	h.queue.FailFirst = 10
	h.cases.updateErr = errors.New("firestore down")
	ev := models.StageEvent{Case: models.CasePayload{
		ID:           "owner:c1",
		Stage:        "textract",
		DocumentList: []models.DocumentPayload{docPayload("d1", "textract")},
	}}

	if err := h.runner.Run(context.Background(), stageTrigger(t, ev)); err == nil {
		t.Fatal("Run() error = nil, want failure path error")
	}
}

func TestStageRunnerFailsStuckStageWithinDeadline(t *testing.T) {
	tests := []struct {
		name   string
		margin time.Duration
	}{
		{name: "times out inside margin", margin: 100 * time.Millisecond},
		{name: "deadline already passed", margin: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := runnerDispatch()
			cfg.MaxAttempts = 1
			cfg.DeadlineMargin = tt.margin
			h := newRunnerHarnessWith(stageHandler, cfg)
			h.queue.OnPublish = nil // the worker never signals
			ev := models.StageEvent{Case: models.CasePayload{
				ID:           "owner:c1",
				Status:       models.StatusInProcess,
				Stage:        "textract",
				Workflows:    []string{"textract"},
				DocumentList: []models.DocumentPayload{docPayload("d1", "textract")},
			}}

			ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
			defer cancel()
			if err := h.runner.Run(ctx, stageTrigger(t, ev)); err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			if got := h.cases.status("owner:c1"); got != models.StatusFailure {
				t.Errorf("status = %s, want failure", got)
			}
			published := h.bus.published()
			if len(published) != 1 || published[0].DetailType != models.DetailProcessingFailure {
				t.Errorf("published %+v, want one processing_failure", published)
			}
			if len(h.dead.puts) != 1 {
				t.Errorf("dead letters = %d, want 1", len(h.dead.puts))
			}
			for _, task := range h.store.Tasks() {
				if task.State != models.TaskTimedOut {
					t.Errorf("task %s state = %q, want %q", task.Token, task.State, models.TaskTimedOut)
				}
			}
		})
	}
}
