package session

import (
	"testing"
	"time"

	"github.com/davidahmann/sessiongate/core/statemachine"
)

func TestSessionCloneIsDeep(t *testing.T) {
	endedAt := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	original := Session{
		ID:      "s1",
		UserID:  "u1",
		Goal:    "update docs",
		State:   statemachine.StatePlanning,
		PR:      &PullRequest{Number: 7},
		Changes: []FileChange{{Path: "docs/a.md", Operation: ChangeOperationUpdate}},
		Steps: []Step{{
			ID:      "st1",
			Type:    StepTypePlan,
			Status:  StepStatusSucceeded,
			EndedAt: &endedAt,
			Meta: map[string]any{
				"files": []any{"docs/a.md"},
				"model": map[string]any{"name": "m"},
			},
		}},
	}
	cloned := original.Clone()
	cloned.PR.Number = 8
	cloned.Changes[0].Path = "docs/b.md"
	*cloned.Steps[0].EndedAt = endedAt.Add(time.Hour)
	cloned.Steps[0].Meta["files"].([]any)[0] = "docs/c.md"
	cloned.Steps[0].Meta["model"].(map[string]any)["name"] = "other"

	if original.PR.Number != 7 {
		t.Fatalf("pr aliased")
	}
	if original.Changes[0].Path != "docs/a.md" {
		t.Fatalf("changes aliased")
	}
	if !original.Steps[0].EndedAt.Equal(endedAt) {
		t.Fatalf("ended_at aliased")
	}
	if original.Steps[0].Meta["files"].([]any)[0] != "docs/a.md" {
		t.Fatalf("meta slice aliased")
	}
	if original.Steps[0].Meta["model"].(map[string]any)["name"] != "m" {
		t.Fatalf("meta map aliased")
	}
}

func TestCollectionCloneIndependentMap(t *testing.T) {
	collection := NewCollection()
	collection.Sessions["s1"] = Session{ID: "s1", Steps: []Step{}}
	cloned := collection.Clone()
	delete(cloned.Sessions, "s1")
	if _, ok := collection.Sessions["s1"]; !ok {
		t.Fatalf("collection map aliased")
	}
	if cloned.SchemaID != CollectionSchemaID || cloned.SchemaVersion != CollectionSchemaVersion {
		t.Fatalf("unexpected schema identity: %#v", cloned)
	}
}

func TestEnumHelpers(t *testing.T) {
	if !IsStepType(StepTypeApply) || IsStepType("review") {
		t.Fatalf("unexpected step type validation")
	}
	if !IsStepStatus(StepStatusStarted) || IsStepStatus("cancelled") {
		t.Fatalf("unexpected step status validation")
	}
	if !IsChangeOperation(ChangeOperationDelete) || IsChangeOperation("rename") {
		t.Fatalf("unexpected change operation validation")
	}
	if len(CollectionSchema) == 0 {
		t.Fatalf("expected embedded collection schema")
	}
}
