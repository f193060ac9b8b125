package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/Lllllllleong/casedocumentflow/internal/models"
	"github.com/google/go-cmp/cmp"
)

func TestFailurePathRunsAllSteps(t *testing.T) {
	cases := newFakeCases()
	cases.UpdateStatus(context.Background(), "owner:c1", models.StatusInProcess, "")
	bus := &fakeBus{}
	dead := &fakeDeadLetters{}
	f := NewFailurePath(cases, bus, dead, "workflow.test")

	payload := json.RawMessage(`{"source":"workflow-orchestrator.test","detail-type":"trigger_workflow","detail":{"case":{"id":"owner:c1"}}}`)
	if err := f.Handle(context.Background(), "owner:c1", payload, errors.New("stage blew up")); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if got := cases.status("owner:c1"); got != models.StatusFailure {
		t.Errorf("status = %s, want failure", got)
	}
	c, _ := cases.GetCase(context.Background(), "owner:c1")
	if c.ErrorDetails != "stage blew up" {
		t.Errorf("ErrorDetails = %q", c.ErrorDetails)
	}
	want := []models.Envelope{{Source: "workflow.test", DetailType: models.DetailProcessingFailure, Detail: payload}}
	if diff := cmp.Diff(want, bus.published()); diff != "" {
		t.Errorf("published mismatch (-want +got):\n%s", diff)
	}
	if len(dead.puts) != 1 || string(dead.puts[0]) != string(payload) {
		t.Errorf("dead letters = %q, want the payload unchanged", dead.puts)
	}
}

func TestFailurePathIsRepeatable(t *testing.T) {
	cases := newFakeCases()
	bus := &fakeBus{}
	dead := &fakeDeadLetters{}
	f := NewFailurePath(cases, bus, dead, "workflow.test")
	payload := json.RawMessage(`{"case":{"id":"owner:c1"}}`)

	for i := 0; i < 2; i++ {
		if err := f.Handle(context.Background(), "owner:c1", payload, errors.New("boom")); err != nil {
			t.Fatalf("Handle() #%d error = %v", i+1, err)
		}
	}

	if got := cases.changes("owner:c1"); got != 1 {
		t.Errorf("status changed %d times, want 1", got)
	}
	if got := len(bus.published()); got != 2 {
		t.Errorf("published %d failure events, want 2", got)
	}
	if got := len(dead.puts); got != 2 {
		t.Errorf("dead-lettered %d times, want 2", got)
	}
}

func TestFailurePathStopsAtFirstError(t *testing.T) {
	tests := []struct {
		name          string
		updateErr     error
		busErr        error
		wantPublished int
		wantDead      int
	}{
		{name: "status write fails", updateErr: errors.New("firestore down"), wantPublished: 0, wantDead: 0},
		{name: "publish fails", busErr: errors.New("bus down"), wantPublished: 0, wantDead: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cases := newFakeCases()
			cases.updateErr = tc.updateErr
			bus := &fakeBus{err: tc.busErr}
			dead := &fakeDeadLetters{}
			f := NewFailurePath(cases, bus, dead, "workflow.test")

			if err := f.Handle(context.Background(), "owner:c1", json.RawMessage(`{}`), errors.New("boom")); err == nil {
				t.Fatal("Handle() error = nil, want error")
			}
			if got := len(bus.published()); got != tc.wantPublished {
				t.Errorf("published = %d, want %d", got, tc.wantPublished)
			}
			if got := len(dead.puts); got != tc.wantDead {
				t.Errorf("dead letters = %d, want %d", got, tc.wantDead)
			}
		})
	}
}
