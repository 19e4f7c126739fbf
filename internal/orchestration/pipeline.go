package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MeridianWorksLab/compass/backend/internal/document"
	"github.com/MeridianWorksLab/compass/backend/internal/message"
)

// State names one pipeline phase. The run loop only ever moves forward
// through the sequence; complete is terminal.
type State string

const (
	StateRetrieving State = "retrieving"
	StatePlanning   State = "planning"
	StateExecuting  State = "executing"
	StateResponding State = "responding"
	StateComplete   State = "complete"
)

// ActionStatus tracks one executed action's lifecycle.
type ActionStatus string

const (
	ActionStatusPending   ActionStatus = "pending"
	ActionStatusRunning   ActionStatus = "running"
	ActionStatusCompleted ActionStatus = "completed"
	ActionStatusFailed    ActionStatus = "failed"
)

var (
	errMissingDocuments  = errors.New("document writer is required")
	errMissingPlanner    = errors.New("planner is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingMessage    = errors.New("request message is empty")
)

// DocumentWriter is the slice of the document synchronizer the executor
// drives.
type DocumentWriter interface {
	FetchDocument(ctx context.Context, documentID string) (document.State, error)
	CreateDocument(ctx context.Context, documentID, title, content, creatorID string) (document.State, error)
	ApplyOperation(ctx context.Context, documentID string, op document.Operation, expectedVersion int64, sessionID string) (document.ApplyResult, error)
}

// Emitter receives the envelopes a run produces, in order. The server wires
// this to the requesting client's websocket session.
type Emitter interface {
	Emit(envelope message.Envelope)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(envelope message.Envelope)

// Emit calls the wrapped function.
func (f EmitterFunc) Emit(envelope message.Envelope) {
	f(envelope)
}

// Request is one message addressed to the agent.
type Request struct {
	UserID     string
	SessionID  string
	DocumentID string
	Message    string
}

// ActionRecord is the post-run account of one planned action.
type ActionRecord struct {
	Action     PlannedAction `json:"action"`
	Status     ActionStatus  `json:"status"`
	Error      string        `json:"error,omitempty"`
	DurationMS int64         `json:"duration_ms"`
}

// RunResult summarizes a finished pipeline run.
type RunResult struct {
	TraceID        string
	FinalState     State
	RetrievedClips int
	Actions        []ActionRecord
	Response       string
}

// runContext is threaded through the stage transitions so each stage reads
// its inputs from, and writes its outputs to, one explicit place.
type runContext struct {
	traceID string
	request Request
	state   State

	clips    []Clip
	plan     []PlannedAction
	records  []ActionRecord
	response string
}

// PipelineConfig wires the orchestrator.
type PipelineConfig struct {
	Clips           *ClipStore
	Planner         *Planner
	Documents       DocumentWriter
	IDProvider      document.IDProvider
	DefaultDocument string
	ChunkWords      int
	Clock           func() time.Time
	Logger          *zap.Logger
}

// Pipeline runs the agent's retrieve, plan, execute and respond phases over
// the same document-mutation path human edits use.
type Pipeline struct {
	clips           *ClipStore
	planner         *Planner
	documents       DocumentWriter
	idProvider      document.IDProvider
	defaultDocument string
	chunkWords      int
	clock           func() time.Time
	logger          *zap.Logger
}

// NewPipeline validates the configuration and constructs a Pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Documents == nil {
		return nil, errMissingDocuments
	}
	if cfg.Planner == nil {
		return nil, errMissingPlanner
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	if cfg.ChunkWords <= 0 {
		cfg.ChunkWords = 3
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		clips:           cfg.Clips,
		planner:         cfg.Planner,
		documents:       cfg.Documents,
		idProvider:      cfg.IDProvider,
		defaultDocument: cfg.DefaultDocument,
		chunkWords:      cfg.ChunkWords,
		clock:           clock,
		logger:          logger,
	}, nil
}

// Run executes all four stages for one request. Individual stage failures
// are absorbed; the run always reaches the complete state. The returned
// error covers only unusable requests.
func (p *Pipeline) Run(ctx context.Context, req Request, emit Emitter) (RunResult, error) {
	if strings.TrimSpace(req.Message) == "" {
		return RunResult{}, errMissingMessage
	}
	if emit == nil {
		emit = EmitterFunc(func(message.Envelope) {})
	}

	traceID, err := p.idProvider.NewID()
	if err != nil {
		return RunResult{}, err
	}
	run := runContext{traceID: traceID, request: req, state: StateRetrieving}
	started := p.clock()

	for run.state != StateComplete {
		switch run.state {
		case StateRetrieving:
			p.runRetrieve(ctx, &run, emit)
			run.state = StatePlanning
		case StatePlanning:
			p.runPlan(ctx, &run, emit)
			run.state = StateExecuting
		case StateExecuting:
			p.runExecute(ctx, &run, emit)
			run.state = StateResponding
		case StateResponding:
			p.runRespond(ctx, &run, emit)
			run.state = StateComplete
		}
	}
	p.emitAction(emit, run.traceID, "pipeline", "", string(ActionStatusCompleted), "",
		p.clock().Sub(started), message.TypeActionComplete)

	return RunResult{
		TraceID:        run.traceID,
		FinalState:     run.state,
		RetrievedClips: len(run.clips),
		Actions:        run.records,
		Response:       run.response,
	}, nil
}

// runRetrieve looks up prior conversation relevant to the message. Any store
// failure yields an empty context instead of aborting the run.
func (p *Pipeline) runRetrieve(ctx context.Context, run *runContext, emit Emitter) {
	started := p.clock()
	p.emitAction(emit, run.traceID, string(StateRetrieving), "", string(ActionStatusRunning), "", 0, message.TypeActionStart)

	if p.clips != nil {
		clips, err := p.clips.SearchRelevant(ctx, run.request.SessionID, run.request.Message, defaultClipResults)
		if err != nil {
			p.logger.Warn("clip retrieval failed, continuing with empty context",
				zap.String("trace_id", run.traceID),
				zap.Error(err))
		} else {
			run.clips = clips
		}
		if err := p.clips.Save(ctx, run.request.SessionID, run.request.UserID, run.request.Message); err != nil {
			p.logger.Warn("clip save failed",
				zap.String("trace_id", run.traceID),
				zap.Error(err))
		}
	}

	detail := fmt.Sprintf("%d context clips", len(run.clips))
	p.emitAction(emit, run.traceID, string(StateRetrieving), "", string(ActionStatusCompleted), detail,
		p.clock().Sub(started), message.TypeActionProgress)
}

func (p *Pipeline) runPlan(ctx context.Context, run *runContext, emit Emitter) {
	started := p.clock()
	p.emitAction(emit, run.traceID, string(StatePlanning), "", string(ActionStatusRunning), "", 0, message.TypeActionStart)

	documents := []string{}
	if run.request.DocumentID != "" {
		documents = append(documents, run.request.DocumentID)
	}
	if p.defaultDocument != "" && p.defaultDocument != run.request.DocumentID {
		documents = append(documents, p.defaultDocument)
	}
	run.plan = p.planner.Plan(ctx, run.request.Message, run.clips, documents)

	detail := fmt.Sprintf("%d planned actions", len(run.plan))
	p.emitAction(emit, run.traceID, string(StatePlanning), "", string(ActionStatusCompleted), detail,
		p.clock().Sub(started), message.TypeActionProgress)
}

// runExecute drives each planned action through the synchronizer. Failures
// are recorded per action and never stop the remaining ones.
func (p *Pipeline) runExecute(ctx context.Context, run *runContext, emit Emitter) {
	p.emitAction(emit, run.traceID, string(StateExecuting), "", string(ActionStatusRunning), "", 0, message.TypeActionStart)

	run.records = make([]ActionRecord, 0, len(run.plan))
	for _, action := range run.plan {
		record := ActionRecord{Action: action, Status: ActionStatusPending}
		p.emitAction(emit, run.traceID, string(StateExecuting), string(action.Type),
			string(ActionStatusRunning), "", 0, message.TypeActionProgress)

		record.Status = ActionStatusRunning
		started := p.clock()
		err := p.executeAction(ctx, run.request, action)
		elapsed := p.clock().Sub(started)
		record.DurationMS = elapsed.Milliseconds()

		if err != nil {
			record.Status = ActionStatusFailed
			record.Error = err.Error()
			p.logger.Warn("planned action failed",
				zap.String("trace_id", run.traceID),
				zap.String("action", string(action.Type)),
				zap.Error(err))
		} else {
			record.Status = ActionStatusCompleted
		}
		p.emitAction(emit, run.traceID, string(StateExecuting), string(action.Type),
			string(record.Status), record.Error, elapsed, message.TypeActionProgress)
		run.records = append(run.records, record)
	}
}

func (p *Pipeline) executeAction(ctx context.Context, req Request, action PlannedAction) error {
	switch action.Type {
	case ActionUpdateDocSection:
		return p.appendSection(ctx, req, action)
	case ActionCreateDocument:
		return p.createDocument(ctx, req, action)
	case ActionSuggestActions:
		// Suggestions surface in the respond stage; nothing to mutate.
		return nil
	default:
		return fmt.Errorf("unknown action type %q", action.Type)
	}
}

func (p *Pipeline) appendSection(ctx context.Context, req Request, action PlannedAction) error {
	documentID := action.DocumentID
	if documentID == "" {
		documentID = p.defaultDocument
	}
	state, err := p.documents.FetchDocument(ctx, documentID)
	if err != nil {
		return err
	}

	section := action.Content
	if state.Content != "" {
		section = "\n\n" + section
	}
	op := document.Operation{
		Type:      document.OperationTypeInsert,
		Position:  len(state.Content),
		Content:   section,
		Timestamp: p.clock().UTC(),
		UserID:    req.UserID,
		Version:   state.Version,
	}
	_, err = p.documents.ApplyOperation(ctx, documentID, op, state.Version, req.SessionID)
	return err
}

func (p *Pipeline) createDocument(ctx context.Context, req Request, action PlannedAction) error {
	documentID := action.DocumentID
	if documentID == "" {
		id, err := p.idProvider.NewID()
		if err != nil {
			return err
		}
		documentID = id
	}
	title := firstWords(action.Content, 6)
	_, err := p.documents.CreateDocument(ctx, documentID, title, action.Content, req.UserID)
	return err
}

// runRespond composes a short acknowledgment and streams it in word chunks.
func (p *Pipeline) runRespond(_ context.Context, run *runContext, emit Emitter) {
	started := p.clock()
	p.emitAction(emit, run.traceID, string(StateResponding), "", string(ActionStatusRunning), "", 0, message.TypeActionStart)

	run.response = composeResponse(run.records)
	words := strings.Fields(run.response)
	for i := 0; i < len(words); i += p.chunkWords {
		end := i + p.chunkWords
		if end > len(words) {
			end = len(words)
		}
		chunk := strings.Join(words[i:end], " ")
		if end < len(words) {
			chunk += " "
		}
		p.emitChunk(emit, run.traceID, chunk, end == len(words))
	}

	p.emitAction(emit, run.traceID, string(StateResponding), "", string(ActionStatusCompleted), "",
		p.clock().Sub(started), message.TypeActionProgress)
}

func composeResponse(records []ActionRecord) string {
	if len(records) == 0 {
		return "I could not find anything actionable in that message, but I'm ready to help with your documents."
	}

	completed := make([]string, 0, len(records))
	failed := 0
	for _, record := range records {
		if record.Status != ActionStatusCompleted {
			failed++
			continue
		}
		switch record.Action.Type {
		case ActionUpdateDocSection:
			completed = append(completed, fmt.Sprintf("updated %s", record.Action.DocumentID))
		case ActionCreateDocument:
			completed = append(completed, "created a new document")
		case ActionSuggestActions:
			completed = append(completed, "gathered a few suggestions for you")
		}
	}

	var reply strings.Builder
	if len(completed) > 0 {
		reply.WriteString("Done: ")
		reply.WriteString(strings.Join(completed, ", "))
		reply.WriteString(".")
	}
	if failed > 0 {
		if reply.Len() > 0 {
			reply.WriteString(" ")
		}
		fmt.Fprintf(&reply, "%d action(s) could not be completed.", failed)
	}
	if reply.Len() == 0 {
		return "I planned some work but nothing completed cleanly. Please try again."
	}
	return reply.String()
}

func (p *Pipeline) emitAction(emit Emitter, traceID, stage, actionType, status, detail string, elapsed time.Duration, messageType message.Type) {
	envelope, err := message.New(messageType, message.ActionEventPayload{
		TraceID:    traceID,
		Stage:      stage,
		ActionType: actionType,
		Status:     status,
		Detail:     detail,
		ElapsedMS:  elapsed.Milliseconds(),
	})
	if err != nil {
		return
	}
	emit.Emit(envelope)
}

func (p *Pipeline) emitChunk(emit Emitter, traceID, chunk string, done bool) {
	envelope, err := message.New(message.TypeResponseChunk, message.ResponseChunkPayload{
		TraceID: traceID,
		Chunk:   chunk,
		Done:    done,
	})
	if err != nil {
		return
	}
	emit.Emit(envelope)
}

func firstWords(text string, n int) string {
	words := strings.Fields(text)
	if len(words) > n {
		words = words[:n]
	}
	if len(words) == 0 {
		return "Untitled"
	}
	return strings.Join(words, " ")
}
