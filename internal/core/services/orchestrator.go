package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/emberfell/scribeOS/internal/core/domain"
	"github.com/emberfell/scribeOS/internal/core/ports"
)

// ErrRunInProgressPending rejects a new message while the conversation has a
// suspended run awaiting a confirm/reject decision.
var ErrRunInProgressPending = errors.New("a pending operation awaits confirmation for this conversation")

// ChatParams is one user turn handed to the orchestrator.
type ChatParams struct {
	ConversationID domain.ConversationID
	Message        string
	Model          string
	MaxSteps       int
	AllowedTools   []string
}

// ToolInfo is the catalog view of one registered tool.
type ToolInfo struct {
	Name                 string           `json:"name"`
	Description          string           `json:"description"`
	RequiresConfirmation bool             `json:"requires_confirmation"`
	Parameters           *openapi3.Schema `json:"parameters"`
}

// Orchestrator is the façade over the agent loop: it owns conversation
// lifecycle, history windows, schema-aware prompts, run persistence and the
// confirmation handshake, and serializes runs per conversation. One active
// run per conversation at a time; the AgentState is never shared between
// concurrent invocations.
type Orchestrator struct {
	logger   *slog.Logger
	loop     *AgentLoop
	convs    *ConversationStore
	repo     ports.Repository
	data     ports.DataStore
	registry *domain.ToolRegistry
	bus      *EventBus
	cfg      domain.AgentConfig
	identity string

	mu    sync.Mutex
	locks map[domain.ConversationID]*sync.Mutex
}

func NewOrchestrator(
	logger *slog.Logger,
	loop *AgentLoop,
	convs *ConversationStore,
	repo ports.Repository,
	data ports.DataStore,
	registry *domain.ToolRegistry,
	bus *EventBus,
	cfg domain.AgentConfig,
	identity string,
) *Orchestrator {
	return &Orchestrator{
		logger:   logger,
		loop:     loop,
		convs:    convs,
		repo:     repo,
		data:     data,
		registry: registry,
		bus:      bus,
		cfg:      cfg,
		identity: identity,
		locks:    make(map[domain.ConversationID]*sync.Mutex),
	}
}

// lockConversation serializes runs for one conversation and returns the
// unlock function.
func (o *Orchestrator) lockConversation(id domain.ConversationID) func() {
	o.mu.Lock()
	l, ok := o.locks[id]
	if !ok {
		l = &sync.Mutex{}
		o.locks[id] = l
	}
	o.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Chat runs one full agent turn and returns the terminal or suspended
// response envelope.
func (o *Orchestrator) Chat(ctx context.Context, params ChatParams) (*domain.AgentResponse, error) {
	if params.Message == "" {
		return nil, fmt.Errorf("message is required")
	}

	convID, err := o.ensureConversation(ctx, params)
	if err != nil {
		return nil, err
	}

	unlock := o.lockConversation(convID)
	defer unlock()

	prep, err := o.prepareRun(ctx, convID, params)
	if err != nil {
		return nil, err
	}

	st := o.loop.Run(ctx, RunRequest{
		UserMessage:  params.Message,
		History:      prep.history,
		SystemPrompt: prep.system,
		Model:        params.Model,
		MaxSteps:     params.MaxSteps,
		Tools:        prep.tools,
		Observer:     o.stepObserver(convID),
	})

	resp := o.finishRun(ctx, convID, st, prep.history)
	return resp, nil
}

// ChatStream runs one agent turn, delivering events incrementally. The
// returned handle's stream always terminates with a done event; the final
// state is persisted before the stream closes.
func (o *Orchestrator) ChatStream(ctx context.Context, params ChatParams) (domain.ConversationID, *StreamHandle, error) {
	if params.Message == "" {
		return "", nil, fmt.Errorf("message is required")
	}

	convID, err := o.ensureConversation(ctx, params)
	if err != nil {
		return "", nil, err
	}

	unlock := o.lockConversation(convID)

	prep, err := o.prepareRun(ctx, convID, params)
	if err != nil {
		unlock()
		return "", nil, err
	}

	inner := o.loop.RunStreaming(ctx, RunRequest{
		UserMessage:  params.Message,
		History:      prep.history,
		SystemPrompt: prep.system,
		Model:        params.Model,
		MaxSteps:     params.MaxSteps,
		Tools:        prep.tools,
	})

	// The outer buffer matches the inner one, so a consumer that abandons
	// the stream can never wedge the forwarder (and with it the lock).
	outer := &StreamHandle{
		state:  inner.state,
		events: make(chan domain.StreamEvent, inner.state.MaxSteps+8),
		done:   make(chan struct{}),
	}

	go func() {
		defer unlock()
		for ev := range inner.Events() {
			o.publishStream(convID, ev)
			outer.events <- ev
		}
		st := inner.Wait()
		// The request context ends with the HTTP stream; persistence
		// must not be tied to it.
		o.persistOutcome(context.Background(), convID, st, prep.history)
		close(outer.events)
		close(outer.done)
	}()

	return convID, outer, nil
}

// Confirm executes the pending action captured for this conversation and
// resumes the run to a terminal outcome.
func (o *Orchestrator) Confirm(ctx context.Context, convID domain.ConversationID) (*domain.AgentResponse, error) {
	unlock := o.lockConversation(convID)
	defer unlock()

	paused, err := o.loadPaused(ctx, convID)
	if err != nil {
		return nil, err
	}

	prep, err := o.prepareResume(ctx, paused)
	if err != nil {
		return nil, err
	}

	st := o.loop.ContinueAfterConfirmation(ctx, ResumeRequest{
		State:        paused.State,
		History:      prep.history,
		SystemPrompt: prep.system,
		Observer:     o.stepObserver(convID),
	})

	resp := o.finishRun(ctx, convID, st, prep.history)
	return resp, nil
}

// Reject discards the pending action without executing it. The run completes
// with a cancellation answer; the transcript keeps its placeholder entry, so
// the pairing stays balanced and the model can see the call never ran.
func (o *Orchestrator) Reject(ctx context.Context, convID domain.ConversationID) (*domain.AgentResponse, error) {
	unlock := o.lockConversation(convID)
	defer unlock()

	paused, err := o.loadPaused(ctx, convID)
	if err != nil {
		return nil, err
	}

	st := paused.State
	pa := *st.PendingAction
	if err := st.Resume(); err != nil {
		return nil, fmt.Errorf("reject pending action: %w", err)
	}
	if err := st.Complete(fmt.Sprintf("Cancelled: %s was not executed.", pa.ToolName)); err != nil {
		return nil, fmt.Errorf("reject pending action: %w", err)
	}
	o.logger.Info("pending action rejected", "conversation_id", string(convID), "tool", pa.ToolName)

	resp := o.finishRun(ctx, convID, st, paused.History)
	return resp, nil
}

// DeleteConversation removes the conversation, its messages, and any paused run.
func (o *Orchestrator) DeleteConversation(ctx context.Context, convID domain.ConversationID) error {
	unlock := o.lockConversation(convID)
	defer unlock()

	if err := o.repo.DeleteAgentRun(ctx, convID); err != nil {
		o.logger.Warn("delete paused run", "conversation_id", string(convID), "error", err)
	}
	if err := o.convs.DeleteConversation(ctx, convID); err != nil {
		return err
	}

	o.mu.Lock()
	delete(o.locks, convID)
	o.mu.Unlock()
	return nil
}

// Conversations lists all conversations, most recently updated first.
func (o *Orchestrator) Conversations(ctx context.Context) ([]domain.Conversation, error) {
	return o.convs.ListConversations(ctx)
}

// Messages returns the messages of one conversation in chronological order.
func (o *Orchestrator) Messages(ctx context.Context, convID domain.ConversationID, limit int) ([]domain.Message, error) {
	if _, err := o.convs.GetConversation(ctx, convID); err != nil {
		return nil, err
	}
	return o.convs.GetMessages(ctx, convID, limit)
}

// PendingFor reports the pending action of a suspended run, if any.
func (o *Orchestrator) PendingFor(ctx context.Context, convID domain.ConversationID) (*domain.PendingAction, error) {
	paused, err := o.loadPaused(ctx, convID)
	if err != nil {
		if errors.Is(err, domain.ErrNoPendingRun) {
			return nil, nil
		}
		return nil, err
	}
	return paused.State.PendingAction, nil
}

// ToolCatalog lists the registered tools with their confirmation flags.
func (o *Orchestrator) ToolCatalog() []ToolInfo {
	names := o.registry.Names()
	infos := make([]ToolInfo, 0, len(names))
	for _, name := range names {
		tool, ok := o.registry.Get(name)
		if !ok {
			continue
		}
		infos = append(infos, ToolInfo{
			Name:                 tool.Name(),
			Description:          tool.Description(),
			RequiresConfirmation: tool.RequiresConfirmation(),
			Parameters:           tool.ParameterSchema(),
		})
	}
	return infos
}

// --- run preparation and persistence ---

type runPrep struct {
	history []domain.ChatMessage
	system  string
	tools   *domain.ToolRegistry
}

// ensureConversation resolves or auto-creates the conversation for a turn.
func (o *Orchestrator) ensureConversation(ctx context.Context, params ChatParams) (domain.ConversationID, error) {
	if params.ConversationID != "" {
		if _, err := o.convs.GetConversation(ctx, params.ConversationID); err != nil {
			return "", err
		}
		return params.ConversationID, nil
	}

	title := params.Message
	if len(title) > 50 {
		title = title[:50] + "..."
	}
	conv, err := o.convs.CreateConversation(ctx, title)
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	o.logger.Info("auto-created conversation", "conversation_id", string(conv.ID))
	return conv.ID, nil
}

// prepareRun builds the history window and schema-aware system prompt, then
// persists the user message. A paused run blocks new turns until resolved.
func (o *Orchestrator) prepareRun(ctx context.Context, convID domain.ConversationID, params ChatParams) (*runPrep, error) {
	if paused, err := o.repo.GetAgentRun(ctx, convID); err == nil && paused != nil {
		return nil, ErrRunInProgressPending
	}

	// The window is built before the new user message lands: the loop
	// appends the message itself, and a duplicate would skew the model.
	history, err := o.convs.BuildContextWindow(ctx, convID, o.cfg.HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("build context window: %w", err)
	}

	system := BuildSystemPrompt(o.identity, o.loadSchemas(ctx))

	var tools *domain.ToolRegistry
	if len(params.AllowedTools) > 0 {
		tools = o.registry.Subset(params.AllowedTools)
	}

	userMsg := domain.Message{
		ID:             domain.NewMessageID(),
		ConversationID: convID,
		Role:           domain.RoleUser,
		Content:        params.Message,
		CreatedAt:      time.Now(),
	}
	if err := o.convs.AddMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	return &runPrep{history: history, system: system, tools: tools}, nil
}

// prepareResume rebuilds the prompt for a resumed run. The history is the
// paused run's own captured window, not a fresh one: the model must see the
// same context it paused with.
func (o *Orchestrator) prepareResume(ctx context.Context, paused *domain.PausedRun) (*runPrep, error) {
	system := BuildSystemPrompt(o.identity, o.loadSchemas(ctx))
	return &runPrep{history: paused.History, system: system}, nil
}

// loadSchemas snapshots the user tables for the system prompt. Schema
// lookups failing must not block a chat turn; the model just works blind.
func (o *Orchestrator) loadSchemas(ctx context.Context) []TableSchema {
	tables, err := o.data.ListTables(ctx)
	if err != nil {
		o.logger.Warn("list tables for prompt", "error", err)
		return nil
	}
	schemas := make([]TableSchema, 0, len(tables))
	for _, table := range tables {
		cols, err := o.data.DescribeTable(ctx, table)
		if err != nil {
			o.logger.Warn("describe table for prompt", "table", table, "error", err)
			continue
		}
		schemas = append(schemas, TableSchema{Name: table, Columns: cols})
	}
	return schemas
}

// loadPaused fetches and validates the suspended run for a conversation.
func (o *Orchestrator) loadPaused(ctx context.Context, convID domain.ConversationID) (*domain.PausedRun, error) {
	paused, err := o.repo.GetAgentRun(ctx, convID)
	if err != nil {
		return nil, domain.ErrNoPendingRun
	}
	if paused == nil || paused.State == nil ||
		paused.State.Status != domain.StatusNeedsConfirmation || paused.State.PendingAction == nil {
		return nil, domain.ErrNoPendingRun
	}
	return paused, nil
}

// finishRun persists the outcome, publishes the terminal events, and shapes
// the response envelope.
func (o *Orchestrator) finishRun(ctx context.Context, convID domain.ConversationID, st *domain.AgentState, history []domain.ChatMessage) *domain.AgentResponse {
	resp := o.persistOutcome(ctx, convID, st, history)

	switch st.Status {
	case domain.StatusCompleted:
		o.publishStream(convID, domain.MessageEvent(st.FinalAnswer))
	case domain.StatusFailed:
		o.publishStream(convID, domain.ErrorEvent(st.FinalAnswer))
	case domain.StatusNeedsConfirmation:
		o.publishStream(convID, domain.ConfirmationEvent(st.PendingAction))
	}
	o.publishStream(convID, domain.DoneEvent(st.Steps, st.FinalAnswer))

	return resp
}

// persistOutcome stores a suspended run, or the assistant message for a
// terminal one, and returns the response envelope.
func (o *Orchestrator) persistOutcome(ctx context.Context, convID domain.ConversationID, st *domain.AgentState, history []domain.ChatMessage) *domain.AgentResponse {
	if st.Status == domain.StatusNeedsConfirmation {
		run := &domain.PausedRun{State: st, History: history}
		if err := o.repo.SaveAgentRun(ctx, convID, run); err != nil {
			o.logger.Error("persist paused run", "conversation_id", string(convID), "error", err)
		}
		return &domain.AgentResponse{
			ConversationID: convID,
			Status:         st.Status,
			Steps:          st.Steps,
			PendingAction:  st.PendingAction,
		}
	}

	msg := domain.Message{
		ID:             domain.NewMessageID(),
		ConversationID: convID,
		Role:           domain.RoleAssistant,
		Content:        st.FinalAnswer,
		Steps:          st.Steps,
		CreatedAt:      time.Now(),
	}
	if len(st.Steps) > 0 {
		msg.Thought = st.Steps[len(st.Steps)-1].Thought
	}
	if err := o.convs.AddMessage(ctx, msg); err != nil {
		o.logger.Error("persist assistant message", "conversation_id", string(convID), "error", err)
	}
	if err := o.repo.DeleteAgentRun(ctx, convID); err != nil {
		o.logger.Warn("clear paused run", "conversation_id", string(convID), "error", err)
	}

	return &domain.AgentResponse{
		ConversationID: convID,
		Status:         st.Status,
		Message:        st.FinalAnswer,
		Steps:          st.Steps,
	}
}

// stepObserver publishes finalized steps on the event bus as they happen.
func (o *Orchestrator) stepObserver(convID domain.ConversationID) StepObserver {
	return func(step domain.AgentStep) {
		o.publishStream(convID, domain.StepEvent(step))
	}
}

func (o *Orchestrator) publishStream(convID domain.ConversationID, ev domain.StreamEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	o.bus.Publish(Event{
		ConversationID: string(convID),
		Type:           EventType(ev.Kind),
		Data:           string(payload),
		Timestamp:      time.Now().UnixMilli(),
	})
}
