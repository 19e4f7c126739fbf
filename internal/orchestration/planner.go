package orchestration

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/MeridianWorksLab/compass/backend/internal/llm"
)

// ActionType enumerates what the agent can do with a document.
type ActionType string

const (
	ActionUpdateDocSection ActionType = "update_doc_section"
	ActionCreateDocument   ActionType = "create_document"
	ActionSuggestActions   ActionType = "suggest_actions"
)

// PlannedAction is one step the planner wants executed, ordered by priority
// (lower runs first).
type PlannedAction struct {
	Type       ActionType `json:"type"`
	DocumentID string     `json:"document_id,omitempty"`
	Priority   int        `json:"priority"`
	Content    string     `json:"content,omitempty"`
}

// Planner turns a user message plus retrieved context into an ordered action
// list. A language model produces the plan when one is configured; any model
// failure falls back to a deterministic keyword heuristic so planning never
// blocks the pipeline.
type Planner struct {
	model           llm.Client
	defaultDocument string
	logger          *zap.Logger
}

// NewPlanner builds a planner. Model may be nil, in which case only the
// heuristic runs.
func NewPlanner(model llm.Client, defaultDocument string, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{model: model, defaultDocument: defaultDocument, logger: logger}
}

const plannerSystemPrompt = `You plan document edits for a collaborative workspace.
Answer with one or more action blocks, each formatted as:
Action: update_doc_section | create_document | suggest_actions
Document: <document id>
Priority: <number, lower runs first>
Content: <text for the action>`

// Plan produces the ordered action list for one user message.
func (p *Planner) Plan(ctx context.Context, userMessage string, clips []Clip, documents []string) []PlannedAction {
	if p.model != nil {
		actions, err := p.planWithModel(ctx, userMessage, clips, documents)
		if err == nil && len(actions) > 0 {
			return actions
		}
		if err != nil {
			p.logger.Warn("planner model failed, using heuristic", zap.Error(err))
		}
	}
	return p.heuristicPlan(userMessage)
}

func (p *Planner) planWithModel(ctx context.Context, userMessage string, clips []Clip, documents []string) ([]PlannedAction, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "User message: %s\n", userMessage)
	if len(documents) > 0 {
		fmt.Fprintf(&prompt, "Available documents: %s\n", strings.Join(documents, ", "))
	}
	if len(clips) > 0 {
		prompt.WriteString("Relevant prior context:\n")
		for _, clip := range clips {
			fmt.Fprintf(&prompt, "- %s\n", clip.Content)
		}
	}

	result, err := p.model.Generate(ctx, prompt.String(), llm.GenerationParams{
		SystemPrompt: plannerSystemPrompt,
		Temperature:  0.2,
	})
	if err != nil {
		return nil, err
	}
	return parsePlannedActions(result.Content, p.defaultDocument), nil
}

// parsePlannedActions reads the line format the planner prompt asks for.
// Unrecognized action types and stray lines are skipped rather than treated
// as errors.
func parsePlannedActions(text, defaultDocument string) []PlannedAction {
	var actions []PlannedAction
	var current *PlannedAction

	flush := func() {
		if current != nil && current.Type != "" {
			if current.DocumentID == "" {
				current.DocumentID = defaultDocument
			}
			actions = append(actions, *current)
		}
		current = nil
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "action":
			flush()
			actionType := ActionType(strings.ToLower(value))
			switch actionType {
			case ActionUpdateDocSection, ActionCreateDocument, ActionSuggestActions:
				current = &PlannedAction{Type: actionType, Priority: len(actions) + 1}
			default:
				current = nil
			}
		case "document":
			if current != nil {
				current.DocumentID = value
			}
		case "priority":
			if current != nil {
				if priority, err := strconv.Atoi(value); err == nil {
					current.Priority = priority
				}
			}
		case "content":
			if current != nil {
				current.Content = value
			}
		}
	}
	flush()

	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Priority < actions[j].Priority
	})
	return actions
}

// heuristicPlan is the deterministic fallback: match intent keywords in the
// message and target the default document.
func (p *Planner) heuristicPlan(userMessage string) []PlannedAction {
	lowered := strings.ToLower(userMessage)
	switch {
	case strings.Contains(lowered, "save") ||
		strings.Contains(lowered, "update") ||
		strings.Contains(lowered, "document"):
		return []PlannedAction{{
			Type:       ActionUpdateDocSection,
			DocumentID: p.defaultDocument,
			Priority:   1,
			Content:    userMessage,
		}}
	case strings.Contains(lowered, "create"):
		return []PlannedAction{{
			Type:     ActionCreateDocument,
			Priority: 1,
			Content:  userMessage,
		}}
	default:
		return []PlannedAction{{
			Type:     ActionSuggestActions,
			Priority: 1,
			Content:  userMessage,
		}}
	}
}
