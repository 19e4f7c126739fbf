package orchestration

import (
	"context"
	"errors"
	"testing"

	"github.com/MeridianWorksLab/compass/backend/internal/llm"
)

type cannedModel struct {
	content string
	err     error
}

func (m cannedModel) Generate(_ context.Context, _ string, _ llm.GenerationParams) (llm.Result, error) {
	if m.err != nil {
		return llm.Result{}, m.err
	}
	return llm.Result{Content: m.content, Confidence: 0.9}, nil
}

func TestParsePlannedActionsReadsActionBlocks(t *testing.T) {
	text := `Action: update_doc_section
Document: notes
Priority: 2
Content: add the meeting summary

Action: create_document
Priority: 1
Content: quarterly report draft`

	actions := parsePlannedActions(text, "workspace-overview")
	if len(actions) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(actions))
	}
	// Lower priority runs first.
	if actions[0].Type != ActionCreateDocument || actions[0].Priority != 1 {
		t.Fatalf("priority ordering broken: %+v", actions[0])
	}
	if actions[1].Type != ActionUpdateDocSection || actions[1].DocumentID != "notes" {
		t.Fatalf("unexpected second action: %+v", actions[1])
	}
	if actions[1].Content != "add the meeting summary" {
		t.Fatalf("content not parsed: %q", actions[1].Content)
	}
}

func TestParsePlannedActionsFillsDefaultDocument(t *testing.T) {
	actions := parsePlannedActions("Action: update_doc_section\nContent: hi", "workspace-overview")
	if len(actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(actions))
	}
	if actions[0].DocumentID != "workspace-overview" {
		t.Fatalf("default document not applied: %+v", actions[0])
	}
}

func TestParsePlannedActionsSkipsUnknownTypesAndNoise(t *testing.T) {
	text := `Some preamble the model added.
Action: delete_everything
Content: nope
Action: suggest_actions
Content: try splitting the doc`

	actions := parsePlannedActions(text, "")
	if len(actions) != 1 {
		t.Fatalf("expected only the recognized action, got %d", len(actions))
	}
	if actions[0].Type != ActionSuggestActions {
		t.Fatalf("wrong action survived: %+v", actions[0])
	}
}

func TestHeuristicPlanMatchesIntentKeywords(t *testing.T) {
	planner := NewPlanner(nil, "workspace-overview", nil)

	tests := []struct {
		name     string
		message  string
		expected ActionType
	}{
		{name: "save", message: "please save my notes", expected: ActionUpdateDocSection},
		{name: "update", message: "update the roadmap", expected: ActionUpdateDocSection},
		{name: "document", message: "put this in the document", expected: ActionUpdateDocSection},
		{name: "create", message: "create a page for retro items", expected: ActionCreateDocument},
		{name: "no match", message: "how are you today", expected: ActionSuggestActions},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			actions := planner.heuristicPlan(tc.message)
			if len(actions) != 1 {
				t.Fatalf("expected 1 action, got %d", len(actions))
			}
			if actions[0].Type != tc.expected {
				t.Fatalf("expected %s, got %s", tc.expected, actions[0].Type)
			}
			if tc.expected == ActionUpdateDocSection && actions[0].DocumentID != "workspace-overview" {
				t.Fatalf("update action must target the default document: %+v", actions[0])
			}
		})
	}
}

func TestPlanFallsBackWhenModelFails(t *testing.T) {
	planner := NewPlanner(cannedModel{err: errors.New("model unavailable")}, "workspace-overview", nil)

	actions := planner.Plan(context.Background(), "save this for me", nil, nil)
	if len(actions) != 1 || actions[0].Type != ActionUpdateDocSection {
		t.Fatalf("fallback heuristic did not run: %+v", actions)
	}
}

func TestPlanFallsBackWhenModelReturnsNothingParseable(t *testing.T) {
	planner := NewPlanner(cannedModel{content: "I am not sure what to do."}, "workspace-overview", nil)

	actions := planner.Plan(context.Background(), "create a changelog", nil, nil)
	if len(actions) != 1 || actions[0].Type != ActionCreateDocument {
		t.Fatalf("expected heuristic create action, got %+v", actions)
	}
}

func TestPlanUsesModelOutputWhenAvailable(t *testing.T) {
	planner := NewPlanner(cannedModel{content: "Action: suggest_actions\nContent: split this up"}, "workspace-overview", nil)

	actions := planner.Plan(context.Background(), "save everything", nil, nil)
	if len(actions) != 1 || actions[0].Type != ActionSuggestActions {
		t.Fatalf("model plan should win over heuristics, got %+v", actions)
	}
}
