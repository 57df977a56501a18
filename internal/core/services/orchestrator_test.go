package services

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberfell/scribeOS/internal/core/domain"
)

// memRepo is an in-memory ports.Repository.
type memRepo struct {
	mu    sync.Mutex
	convs map[domain.ConversationID]domain.Conversation
	msgs  map[domain.ConversationID][]domain.Message
	runs  map[domain.ConversationID]*domain.PausedRun
	kv    map[string]string
}

func newMemRepo() *memRepo {
	return &memRepo{
		convs: make(map[domain.ConversationID]domain.Conversation),
		msgs:  make(map[domain.ConversationID][]domain.Message),
		runs:  make(map[domain.ConversationID]*domain.PausedRun),
		kv:    make(map[string]string),
	}
}

func (r *memRepo) CreateConversation(_ context.Context, conv domain.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.convs[conv.ID] = conv
	return nil
}

func (r *memRepo) GetConversation(_ context.Context, id domain.ConversationID) (domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.convs[id]
	if !ok {
		return domain.Conversation{}, domain.ErrConversationNotFound
	}
	return conv, nil
}

func (r *memRepo) ListConversations(_ context.Context) ([]domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Conversation, 0, len(r.convs))
	for _, c := range r.convs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (r *memRepo) UpdateConversationTitle(_ context.Context, id domain.ConversationID, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.convs[id]
	if !ok {
		return domain.ErrConversationNotFound
	}
	conv.Title = title
	r.convs[id] = conv
	return nil
}

func (r *memRepo) DeleteConversation(_ context.Context, id domain.ConversationID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.convs, id)
	delete(r.msgs, id)
	return nil
}

func (r *memRepo) AddMessage(_ context.Context, msg domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs[msg.ConversationID] = append(r.msgs[msg.ConversationID], msg)
	return nil
}

func (r *memRepo) ListMessages(_ context.Context, convID domain.ConversationID, limit int) ([]domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.msgs[convID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (r *memRepo) SaveAgentRun(_ context.Context, convID domain.ConversationID, run *domain.PausedRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[convID] = run
	return nil
}

func (r *memRepo) GetAgentRun(_ context.Context, convID domain.ConversationID) (*domain.PausedRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[convID]
	if !ok {
		return nil, domain.ErrNoPendingRun
	}
	return run, nil
}

func (r *memRepo) DeleteAgentRun(_ context.Context, convID domain.ConversationID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, convID)
	return nil
}

func (r *memRepo) GetSetting(_ context.Context, key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.kv[key], nil
}

func (r *memRepo) SaveSetting(_ context.Context, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kv[key] = value
	return nil
}

func (r *memRepo) pausedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// memData is an in-memory ports.DataStore exposing a fixed schema.
type memData struct {
	tables map[string][]domain.TableColumn
}

func (d *memData) ListTables(context.Context) ([]string, error) {
	names := make([]string, 0, len(d.tables))
	for name := range d.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (d *memData) DescribeTable(_ context.Context, table string) ([]domain.TableColumn, error) {
	return d.tables[table], nil
}

func (d *memData) QueryRows(context.Context, string, ...any) ([]map[string]any, error) {
	return nil, nil
}

func (d *memData) ExecStatement(context.Context, string, ...any) (int64, error) {
	return 0, nil
}

type orchFixture struct {
	orch *Orchestrator
	repo *memRepo
	bus  *EventBus
}

func newOrchestrator(t *testing.T, provider domain.LLMProvider, tools ...domain.Tool) *orchFixture {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	registry := domain.NewToolRegistry()
	for _, tool := range tools {
		require.NoError(t, registry.Register(tool))
	}

	repo := newMemRepo()
	convs := NewConversationStore(repo, 16)
	bus := NewEventBus(logger)
	tracer := NewTraceCollector(logger, bus, nil)
	cfg := domain.AgentConfig{MaxSteps: 6, ConfirmationExtraSteps: 3, HistoryWindow: 20}
	loop := NewAgentLoop(logger, provider, registry, tracer, cfg)

	data := &memData{tables: map[string][]domain.TableColumn{
		"customers": {{Name: "id", Type: "INTEGER"}, {Name: "name", Type: "VARCHAR"}},
		"orders":    {{Name: "id", Type: "INTEGER"}, {Name: "status", Type: "VARCHAR"}},
	}}

	orch := NewOrchestrator(logger, loop, convs, repo, data, registry, bus, cfg, "")
	return &orchFixture{orch: orch, repo: repo, bus: bus}
}

func TestOrchestrator_ChatPersistsTurn(t *testing.T) {
	provider := &scriptedProvider{script: []scriptTurn{textTurn("hello!")}}
	f := newOrchestrator(t, provider)

	resp, err := f.orch.Chat(context.Background(), ChatParams{Message: "hi"})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, resp.Status)
	assert.Equal(t, "hello!", resp.Message)
	assert.NotEmpty(t, resp.ConversationID)

	convs, err := f.orch.Conversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "hi", convs[0].Title)

	msgs, err := f.orch.Messages(context.Background(), resp.ConversationID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, domain.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "hello!", msgs[1].Content)
}

func TestOrchestrator_EmptyMessageRejected(t *testing.T) {
	f := newOrchestrator(t, &scriptedProvider{})

	_, err := f.orch.Chat(context.Background(), ChatParams{})
	assert.Error(t, err)
}

func TestOrchestrator_HistoryWindowCarriedForward(t *testing.T) {
	provider := &scriptedProvider{script: []scriptTurn{
		textTurn("first answer"),
		textTurn("second answer"),
	}}
	f := newOrchestrator(t, provider)

	resp1, err := f.orch.Chat(context.Background(), ChatParams{Message: "first question"})
	require.NoError(t, err)

	_, err = f.orch.Chat(context.Background(), ChatParams{
		ConversationID: resp1.ConversationID,
		Message:        "second question",
	})
	require.NoError(t, err)

	reqs := provider.recorded()
	require.Len(t, reqs, 2)

	// First turn: just the user message.
	require.Len(t, reqs[0].Messages, 1)
	assert.Equal(t, "first question", reqs[0].Messages[0].Content)

	// Second turn: prior exchange + new user message, no duplicates.
	require.Len(t, reqs[1].Messages, 3)
	assert.Equal(t, "first question", reqs[1].Messages[0].Content)
	assert.Equal(t, "first answer", reqs[1].Messages[1].Content)
	assert.Equal(t, domain.RoleAssistant, reqs[1].Messages[1].Role)
	assert.Equal(t, "second question", reqs[1].Messages[2].Content)
}

func TestOrchestrator_SchemaLandsInSystemPrompt(t *testing.T) {
	provider := &scriptedProvider{script: []scriptTurn{textTurn("ok")}}
	f := newOrchestrator(t, provider)

	_, err := f.orch.Chat(context.Background(), ChatParams{Message: "what tables exist?"})
	require.NoError(t, err)

	reqs := provider.recorded()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].System, "customers(id INTEGER, name VARCHAR)")
	assert.Contains(t, reqs[0].System, "orders(id INTEGER, status VARCHAR)")
}

func TestOrchestrator_AllowedToolsNarrowTheOffer(t *testing.T) {
	read := &stubTool{name: "read_records"}
	del := &stubTool{name: "delete_record", confirm: true}
	provider := &scriptedProvider{script: []scriptTurn{textTurn("ok")}}
	f := newOrchestrator(t, provider, read, del)

	_, err := f.orch.Chat(context.Background(), ChatParams{
		Message:      "look around",
		AllowedTools: []string{"read_records"},
	})
	require.NoError(t, err)

	reqs := provider.recorded()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, "read_records", reqs[0].Tools[0].Name)
}

func TestOrchestrator_ConfirmationHandshake(t *testing.T) {
	del := &stubTool{name: "delete_record", confirm: true, result: domain.ToolSuccess("1 row deleted", nil)}
	provider := &scriptedProvider{script: []scriptTurn{
		callTurn("removing order 42", domain.ToolCall{
			ID:     "call_1",
			Name:   "delete_record",
			Params: map[string]any{"table": "orders", "filters": map[string]any{"id": float64(42)}},
		}),
		textTurn("order 42 removed"),
	}}
	f := newOrchestrator(t, provider, del)

	ctx := context.Background()
	resp, err := f.orch.Chat(ctx, ChatParams{Message: "delete order 42"})
	require.NoError(t, err)

	require.Equal(t, domain.StatusNeedsConfirmation, resp.Status)
	require.NotNil(t, resp.PendingAction)
	assert.Equal(t, "delete_record", resp.PendingAction.ToolName)
	assert.Equal(t, 1, f.repo.pausedCount())
	assert.Equal(t, 0, del.executions())

	pending, err := f.orch.PendingFor(ctx, resp.ConversationID)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, "delete_record", pending.ToolName)

	// New turns are rejected while the decision is pending.
	_, err = f.orch.Chat(ctx, ChatParams{ConversationID: resp.ConversationID, Message: "another thing"})
	assert.ErrorIs(t, err, ErrRunInProgressPending)

	final, err := f.orch.Confirm(ctx, resp.ConversationID)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.Equal(t, "order 42 removed", final.Message)
	assert.Equal(t, 1, del.executions())
	assert.Equal(t, 0, f.repo.pausedCount(), "paused run cleared after resolution")

	msgs, err := f.orch.Messages(ctx, resp.ConversationID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "order 42 removed", msgs[1].Content)
	require.NotEmpty(t, msgs[1].Steps)
	assert.Contains(t, msgs[1].Steps[0].Observation, confirmedPrefix)
}

func TestOrchestrator_RejectLeavesNoSideEffects(t *testing.T) {
	del := &stubTool{name: "delete_record", confirm: true}
	provider := &scriptedProvider{script: []scriptTurn{
		callTurn("removing", domain.ToolCall{ID: "call_1", Name: "delete_record", Params: map[string]any{"table": "orders"}}),
	}}
	f := newOrchestrator(t, provider, del)

	ctx := context.Background()
	resp, err := f.orch.Chat(ctx, ChatParams{Message: "delete everything"})
	require.NoError(t, err)
	require.Equal(t, domain.StatusNeedsConfirmation, resp.Status)

	final, err := f.orch.Reject(ctx, resp.ConversationID)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.Equal(t, "Cancelled: delete_record was not executed.", final.Message)
	assert.Equal(t, 0, del.executions(), "rejected tool must never run")
	assert.Equal(t, 0, f.repo.pausedCount())

	// A rejected turn still produces a persisted assistant message.
	msgs, err := f.orch.Messages(ctx, resp.ConversationID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Cancelled: delete_record was not executed.", msgs[1].Content)
}

func TestOrchestrator_ConfirmWithoutPending(t *testing.T) {
	provider := &scriptedProvider{script: []scriptTurn{textTurn("done")}}
	f := newOrchestrator(t, provider)

	resp, err := f.orch.Chat(context.Background(), ChatParams{Message: "hi"})
	require.NoError(t, err)

	_, err = f.orch.Confirm(context.Background(), resp.ConversationID)
	assert.ErrorIs(t, err, domain.ErrNoPendingRun)

	_, err = f.orch.Reject(context.Background(), resp.ConversationID)
	assert.ErrorIs(t, err, domain.ErrNoPendingRun)
}

func TestOrchestrator_ChatStreamPersistsAndPublishes(t *testing.T) {
	read := &stubTool{name: "read_records", result: domain.ToolSuccess("5 rows", nil)}
	provider := &scriptedProvider{script: []scriptTurn{
		textTurn("hi"),
		callTurn("counting", domain.ToolCall{ID: "c1", Name: "read_records", Params: map[string]any{"table": "orders"}}),
		textTurn("there are 5 orders"),
	}}
	f := newOrchestrator(t, provider, read)

	// First turn creates the conversation so we can subscribe before streaming.
	first, err := f.orch.Chat(context.Background(), ChatParams{Message: "hello"})
	require.NoError(t, err)

	busCh, unsub := f.bus.Subscribe(string(first.ConversationID))
	defer unsub()

	convID, handle, err := f.orch.ChatStream(context.Background(), ChatParams{
		ConversationID: first.ConversationID,
		Message:        "how many orders?",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ConversationID, convID)

	var kinds []domain.StreamEventKind
	timeout := time.After(5 * time.Second)
	for {
		var done bool
		select {
		case ev, ok := <-handle.Events():
			if !ok {
				done = true
				break
			}
			kinds = append(kinds, ev.Kind)
		case <-timeout:
			t.Fatal("timed out waiting for stream")
		}
		if done {
			break
		}
	}

	assert.Equal(t, []domain.StreamEventKind{domain.EventStep, domain.EventMessage, domain.EventDone}, kinds)

	st := handle.Wait()
	assert.Equal(t, domain.StatusCompleted, st.Status)

	// Outcome persisted before the stream closed.
	msgs, err := f.orch.Messages(context.Background(), convID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "there are 5 orders", msgs[3].Content)

	// Bus subscribers saw at least the terminal events.
	var busKinds []EventType
	for {
		var drained bool
		select {
		case ev := <-busCh:
			busKinds = append(busKinds, ev.Type)
		default:
			drained = true
		}
		if drained {
			break
		}
	}
	assert.Contains(t, busKinds, EventType(domain.EventDone))
}

func TestOrchestrator_DeleteConversation(t *testing.T) {
	provider := &scriptedProvider{script: []scriptTurn{textTurn("hi")}}
	f := newOrchestrator(t, provider)

	resp, err := f.orch.Chat(context.Background(), ChatParams{Message: "hello"})
	require.NoError(t, err)

	require.NoError(t, f.orch.DeleteConversation(context.Background(), resp.ConversationID))

	_, err = f.orch.Messages(context.Background(), resp.ConversationID, 0)
	assert.ErrorIs(t, err, domain.ErrConversationNotFound)
}

func TestOrchestrator_ToolCatalog(t *testing.T) {
	read := &stubTool{name: "read_records"}
	del := &stubTool{name: "delete_record", confirm: true}
	f := newOrchestrator(t, &scriptedProvider{}, read, del)

	infos := f.orch.ToolCatalog()
	require.Len(t, infos, 2)
	assert.Equal(t, "read_records", infos[0].Name)
	assert.False(t, infos[0].RequiresConfirmation)
	assert.Equal(t, "delete_record", infos[1].Name)
	assert.True(t, infos[1].RequiresConfirmation)
}
