package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Lllllllleong/casedocumentflow/internal/models"
	"github.com/Lllllllleong/casedocumentflow/internal/workflow"
	"github.com/google/go-cmp/cmp"
)

func linePage(lines ...string) models.TextPage {
	return textPage(1, lines)
}

func TestCombineLines(t *testing.T) {
	pages := []models.TextPage{
		linePage("Jane Citizen", "12 High St"),
		{Blocks: []models.Block{{BlockType: "WORD", Text: "ignored"}, {BlockType: models.BlockTypeLine, Text: "Page two"}}},
	}
	if got, want := CombineLines(pages), "Jane Citizen 12 High St Page two"; got != want {
		t.Errorf("CombineLines() = %q, want %q", got, want)
	}
	if got := CombineLines(nil); got != "" {
		t.Errorf("CombineLines(nil) = %q, want empty", got)
	}
}

func TestEveryStageHasIndexingDecision(t *testing.T) {
	for _, stage := range models.Stages {
		if _, err := strategyFor(stage, newFakeInferences()); err != nil {
			t.Errorf("strategyFor(%q) error = %v", stage, err)
		}
	}
	if _, err := strategyFor("translate", newFakeInferences()); !errors.Is(err, workflow.ErrConfiguration) {
		t.Errorf("strategyFor(unknown) error = %v, want ErrConfiguration", err)
	}
}

func TestAggregateRejectsConfigurationBeforeFetching(t *testing.T) {
	tests := []struct {
		name      string
		workflows []string
		wantMsg   string
	}{
		{name: "no workflows", workflows: nil, wantMsg: "Workflow is not configured"},
		{name: "empty workflows", workflows: []string{}, wantMsg: "Workflow is not configured"},
		{name: "no text extraction", workflows: []string{"entity-standard"}, wantMsg: "Workflow must include text extraction to index documents"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			inferences := newFakeInferences()
			index := &fakeIndex{}
			a := NewResultAggregator(inferences, index, "edu", LastWins)

			ev := models.StageEvent{Case: models.CasePayload{
				ID:           "owner:c1",
				Workflows:    tc.workflows,
				DocumentList: []models.DocumentPayload{docPayload("d1", "textract")},
			}}
			err := a.Aggregate(context.Background(), ev)
			if !errors.Is(err, workflow.ErrConfiguration) || !strings.Contains(err.Error(), tc.wantMsg) {
				t.Errorf("Aggregate() error = %v, want configuration error %q", err, tc.wantMsg)
			}
			if inferences.gets != 0 || len(index.entries) != 0 {
				t.Errorf("fetched %d inferences and wrote %d entries, want none", inferences.gets, len(index.entries))
			}
		})
	}
}

// entityCase is a one-document case whose standard and pii stages both
// found a PERSON.
func entityCase(inferences *fakeInferences) models.StageEvent {
	doc := docPayload("d1", "textract", "entity-standard", "entity-pii")
	doc.Inferences = map[string]any{
		models.InferenceDetectText: "owner:c1/d1/text.json",
		"entity-standard":          "owner:c1/d1/standard.json",
		"entity-pii":               "owner:c1/d1/pii.json",
	}
	inferences.put("owner:c1/d1/text.json", []models.TextPage{linePage("Jane Citizen", "Sydney")})
	inferences.put("owner:c1/d1/standard.json", []models.EntityPage{
		{Entities: []models.Entity{{Type: "PERSON", Text: "Jane Citizen"}, {Type: "LOCATION", Text: "Sydney"}}},
	})
	inferences.put("owner:c1/d1/pii.json", []models.EntityPage{
		{Entities: []models.Entity{{Type: "PERSON", Text: "J. Citizen"}}},
	})
	return models.StageEvent{Case: models.CasePayload{
		ID:           "owner:c1",
		Workflows:    []string{"TextractWorkflow", "entity-standard", "entity-pii", "redaction"},
		DocumentList: []models.DocumentPayload{doc},
	}}
}

func TestAggregateCollisionPolicy(t *testing.T) {
	tests := []struct {
		policy     CollisionPolicy
		wantPerson []string
	}{
		{policy: LastWins, wantPerson: []string{"J. Citizen"}},
		{policy: KeepFirst, wantPerson: []string{"Jane Citizen"}},
	}
	for _, tc := range tests {
		inferences := newFakeInferences()
		index := &fakeIndex{}
		a := NewResultAggregator(inferences, index, "edu", tc.policy)

		if err := a.Aggregate(context.Background(), entityCase(inferences)); err != nil {
			t.Fatalf("Aggregate() error = %v", err)
		}
		if len(index.entries) != 1 {
			t.Fatalf("wrote %d entries, want 1", len(index.entries))
		}
		want := models.IndexEntry{
			IndexName:    "edu",
			CaseID:       "owner:c1",
			OwnerID:      "owner",
			DocumentID:   "d1",
			DocumentType: "ID",
			FileName:     "file.pdf",
			Text:         "Jane Citizen Sydney",
			Structured: map[string]any{
				"PERSON":   tc.wantPerson,
				"LOCATION": []string{"Sydney"},
			},
		}
		if diff := cmp.Diff(want, index.entries[0]); diff != "" {
			t.Errorf("policy %d entry mismatch (-want +got):\n%s", tc.policy, diff)
		}
	}
}

func TestAggregateIndexesDocumentsWithMissingOutput(t *testing.T) {
	inferences := newFakeInferences()
	index := &fakeIndex{}
	a := NewResultAggregator(inferences, index, "edu", LastWins)

	ev := models.StageEvent{Case: models.CasePayload{
		ID:           "owner:c1",
		Workflows:    []string{"textract"},
		DocumentList: []models.DocumentPayload{docPayload("d1", "textract"), docPayload("d2", "textract")},
	}}
	if err := a.Aggregate(context.Background(), ev); err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}
	if len(index.entries) != 2 {
		t.Fatalf("wrote %d entries, want 2", len(index.entries))
	}
	for _, e := range index.entries {
		if e.Text != "" {
			t.Errorf("entry %s text = %q, want empty", e.DocumentID, e.Text)
		}
	}
}

func TestAggregateReturnsIndexErrors(t *testing.T) {
	inferences := newFakeInferences()
	index := &fakeIndex{err: errors.New("index unavailable")}
	a := NewResultAggregator(inferences, index, "edu", LastWins)

	ev := models.StageEvent{Case: models.CasePayload{
		ID:           "owner:c1",
		Workflows:    []string{"textract"},
		DocumentList: []models.DocumentPayload{docPayload("d1", "textract")},
	}}
	if err := a.Aggregate(context.Background(), ev); err == nil || errors.Is(err, workflow.ErrConfiguration) {
		t.Errorf("Aggregate() error = %v, want the index error", err)
	}
}
