package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MeridianWorksLab/compass/backend/internal/document"
	"github.com/MeridianWorksLab/compass/backend/internal/message"
)

type sequenceIDGenerator struct {
	next int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("id-%d", g.next), nil
}

type fakeWriter struct {
	docs     map[string]document.State
	applied  []document.Operation
	failDocs map[string]bool
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{docs: make(map[string]document.State), failDocs: make(map[string]bool)}
}

func (w *fakeWriter) FetchDocument(_ context.Context, documentID string) (document.State, error) {
	if w.failDocs[documentID] {
		return document.State{}, errors.New("document unavailable")
	}
	state, ok := w.docs[documentID]
	if !ok {
		return document.State{}, errors.New("document not found")
	}
	return state, nil
}

func (w *fakeWriter) CreateDocument(_ context.Context, documentID, title, content, _ string) (document.State, error) {
	state := document.State{
		DocumentID: documentID,
		Title:      title,
		Content:    content,
		Version:    1,
		Checksum:   document.ContentChecksum(content),
	}
	w.docs[documentID] = state
	return state, nil
}

func (w *fakeWriter) ApplyOperation(_ context.Context, documentID string, op document.Operation, _ int64, _ string) (document.ApplyResult, error) {
	state, ok := w.docs[documentID]
	if !ok {
		return document.ApplyResult{}, errors.New("document not found")
	}
	w.applied = append(w.applied, op)
	state.Content = state.Content[:op.Position] + op.Content + state.Content[op.Position:]
	state.Version++
	state.Checksum = document.ContentChecksum(state.Content)
	w.docs[documentID] = state
	return document.ApplyResult{
		NewVersion:      state.Version,
		ResolvedContent: state.Content,
		Checksum:        state.Checksum,
		Strategy:        document.StrategyOurs,
	}, nil
}

type recordingEmitter struct {
	envelopes []message.Envelope
}

func (r *recordingEmitter) Emit(envelope message.Envelope) {
	r.envelopes = append(r.envelopes, envelope)
}

func newTestPipeline(t *testing.T, model cannedModel, writer *fakeWriter) *Pipeline {
	t.Helper()
	pipeline, err := NewPipeline(PipelineConfig{
		Planner:         NewPlanner(model, "workspace-overview", nil),
		Documents:       writer,
		IDProvider:      &sequenceIDGenerator{},
		DefaultDocument: "workspace-overview",
		Clock:           func() time.Time { return time.Unix(1700000600, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to build pipeline: %v", err)
	}
	return pipeline
}

func TestRunCompletesWhenModelIsUnavailable(t *testing.T) {
	writer := newFakeWriter()
	writer.docs["workspace-overview"] = document.State{DocumentID: "workspace-overview", Content: "overview", Version: 3}
	pipeline := newTestPipeline(t, cannedModel{err: errors.New("model down")}, writer)

	emitter := &recordingEmitter{}
	result, err := pipeline.Run(context.Background(), Request{
		UserID:    "user-a",
		SessionID: "session-1",
		Message:   "please save my meeting notes",
	}, emitter)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.FinalState != StateComplete {
		t.Fatalf("expected complete, got %s", result.FinalState)
	}
	if len(result.Actions) != 1 || result.Actions[0].Action.DocumentID != "workspace-overview" {
		t.Fatalf("fallback plan should target the default document: %+v", result.Actions)
	}
	if result.Actions[0].Status != ActionStatusCompleted {
		t.Fatalf("expected completed action, got %+v", result.Actions[0])
	}
	if !strings.Contains(writer.docs["workspace-overview"].Content, "please save my meeting notes") {
		t.Fatalf("document was not updated: %q", writer.docs["workspace-overview"].Content)
	}
}

func TestRunSharesOneTraceIDAcrossAllEvents(t *testing.T) {
	writer := newFakeWriter()
	writer.docs["workspace-overview"] = document.State{DocumentID: "workspace-overview", Version: 1}
	pipeline := newTestPipeline(t, cannedModel{err: errors.New("down")}, writer)

	emitter := &recordingEmitter{}
	result, err := pipeline.Run(context.Background(), Request{
		UserID: "user-a", SessionID: "session-1", Message: "save this",
	}, emitter)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(emitter.envelopes) == 0 {
		t.Fatalf("expected progress events")
	}

	for _, envelope := range emitter.envelopes {
		var traceID string
		switch envelope.Type {
		case message.TypeResponseChunk:
			var payload message.ResponseChunkPayload
			if err := envelope.Decode(&payload); err != nil {
				t.Fatalf("bad chunk payload: %v", err)
			}
			traceID = payload.TraceID
		default:
			var payload message.ActionEventPayload
			if err := envelope.Decode(&payload); err != nil {
				t.Fatalf("bad action payload: %v", err)
			}
			traceID = payload.TraceID
		}
		if traceID != result.TraceID {
			t.Fatalf("event %s carries trace %q, want %q", envelope.Type, traceID, result.TraceID)
		}
	}
}

func TestRunEmitsStagesInOrderAndFinishesWithComplete(t *testing.T) {
	writer := newFakeWriter()
	writer.docs["workspace-overview"] = document.State{DocumentID: "workspace-overview", Version: 1}
	pipeline := newTestPipeline(t, cannedModel{err: errors.New("down")}, writer)

	emitter := &recordingEmitter{}
	if _, err := pipeline.Run(context.Background(), Request{
		UserID: "user-a", SessionID: "session-1", Message: "save this",
	}, emitter); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	var stages []string
	for _, envelope := range emitter.envelopes {
		if envelope.Type != message.TypeActionStart {
			continue
		}
		var payload message.ActionEventPayload
		if err := envelope.Decode(&payload); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		stages = append(stages, payload.Stage)
	}
	expected := []string{"retrieving", "planning", "executing", "responding"}
	if len(stages) != len(expected) {
		t.Fatalf("expected %d stage starts, got %v", len(expected), stages)
	}
	for i, stage := range expected {
		if stages[i] != stage {
			t.Fatalf("stage order wrong: %v", stages)
		}
	}

	last := emitter.envelopes[len(emitter.envelopes)-1]
	if last.Type != message.TypeActionComplete {
		t.Fatalf("run must end with action_complete, got %s", last.Type)
	}
}

func TestRunIsolatesActionFailures(t *testing.T) {
	writer := newFakeWriter()
	writer.failDocs["broken-doc"] = true
	plan := `Action: update_doc_section
Document: broken-doc
Priority: 1
Content: first

Action: create_document
Document: fresh-doc
Priority: 2
Content: second document body`
	pipeline := newTestPipeline(t, cannedModel{content: plan}, writer)

	result, err := pipeline.Run(context.Background(), Request{
		UserID: "user-a", SessionID: "session-1", Message: "do both things",
	}, &recordingEmitter{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.FinalState != StateComplete {
		t.Fatalf("pipeline must still complete, got %s", result.FinalState)
	}
	if len(result.Actions) != 2 {
		t.Fatalf("expected 2 action records, got %d", len(result.Actions))
	}
	if result.Actions[0].Status != ActionStatusFailed || result.Actions[0].Error == "" {
		t.Fatalf("first action should fail with a recorded error: %+v", result.Actions[0])
	}
	if result.Actions[1].Status != ActionStatusCompleted {
		t.Fatalf("second action must run despite the first failing: %+v", result.Actions[1])
	}
	if _, ok := writer.docs["fresh-doc"]; !ok {
		t.Fatalf("create_document never reached the writer")
	}
}

func TestRunStreamsResponseInWordChunks(t *testing.T) {
	writer := newFakeWriter()
	writer.docs["workspace-overview"] = document.State{DocumentID: "workspace-overview", Version: 1}
	pipeline := newTestPipeline(t, cannedModel{err: errors.New("down")}, writer)

	emitter := &recordingEmitter{}
	result, err := pipeline.Run(context.Background(), Request{
		UserID: "user-a", SessionID: "session-1", Message: "save this",
	}, emitter)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	var assembled strings.Builder
	sawDone := false
	for _, envelope := range emitter.envelopes {
		if envelope.Type != message.TypeResponseChunk {
			continue
		}
		var payload message.ResponseChunkPayload
		if err := envelope.Decode(&payload); err != nil {
			t.Fatalf("bad chunk: %v", err)
		}
		if sawDone {
			t.Fatalf("chunk received after the final one")
		}
		assembled.WriteString(payload.Chunk)
		sawDone = payload.Done
	}
	if !sawDone {
		t.Fatalf("final chunk never marked done")
	}
	if assembled.String() != result.Response {
		t.Fatalf("chunks reassemble to %q, want %q", assembled.String(), result.Response)
	}
}

func TestRunRejectsEmptyMessage(t *testing.T) {
	pipeline := newTestPipeline(t, cannedModel{}, newFakeWriter())
	if _, err := pipeline.Run(context.Background(), Request{UserID: "u", SessionID: "s", Message: "   "}, nil); err == nil {
		t.Fatalf("expected empty message to be rejected")
	}
}
