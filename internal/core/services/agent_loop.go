package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/emberfell/scribeOS/internal/core/domain"
)

const (
	// placeholderObservation stands in for a deferred tool result so the
	// transcript stays balanced while a run waits on the user.
	placeholderObservation = "pending confirmation"

	// observationSeparator joins the observations of one multi-call step.
	observationSeparator = "\n---\n"

	// budgetExhaustedMessage is the fixed failure text when the step budget
	// runs out with the model still calling tools.
	budgetExhaustedMessage = "step budget exhausted before reaching a final answer"

	// noPendingMessage reports a resume attempt on a run with nothing pending.
	noPendingMessage = "no pending operation to confirm"

	confirmedPrefix       = "Confirmed and executed. "
	confirmedFailedPrefix = "Confirmed but execution failed. "

	// parallelToolLimit caps concurrent tool executions within one step.
	parallelToolLimit = 4
)

// StepObserver is called synchronously each time a step is finalized, before
// the loop proceeds. It must not block for long: it gates forward progress.
type StepObserver func(step domain.AgentStep)

// RunRequest carries everything one run needs beyond the loop's own wiring.
// Zero-value fields fall back to the loop's configured defaults.
type RunRequest struct {
	UserMessage  string
	History      []domain.ChatMessage
	SystemPrompt string
	Model        string
	MaxSteps     int
	Tools        *domain.ToolRegistry
	Observer     StepObserver
}

// ResumeRequest resumes a run suspended on a confirmation.
type ResumeRequest struct {
	State        *domain.AgentState
	History      []domain.ChatMessage
	SystemPrompt string
	Model        string
	Tools        *domain.ToolRegistry
	Observer     StepObserver
}

// runParams is the per-run context the drive loop needs on every iteration.
type runParams struct {
	history  []domain.ChatMessage
	system   string
	model    string
	tools    *domain.ToolRegistry
	observer StepObserver
}

// AgentLoop drives the reason-act-observe cycle: build the request, call the
// model, execute or defer the tool calls it asks for, record a step, repeat
// until a text answer, a confirmation pause, or budget exhaustion. The loop
// mutates exactly one AgentState per invocation and is safe for concurrent
// use across distinct states; serializing runs per conversation is the
// orchestrator's job.
type AgentLoop struct {
	logger            *slog.Logger
	provider          domain.LLMProvider
	tools             *domain.ToolRegistry
	tracer            *TraceCollector
	maxSteps          int
	confirmationGrant int
}

func NewAgentLoop(logger *slog.Logger, provider domain.LLMProvider, tools *domain.ToolRegistry, tracer *TraceCollector, cfg domain.AgentConfig) *AgentLoop {
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 10
	}
	grant := cfg.ConfirmationExtraSteps
	if grant <= 0 {
		grant = 3
	}
	return &AgentLoop{
		logger:            logger,
		provider:          provider,
		tools:             tools,
		tracer:            tracer,
		maxSteps:          maxSteps,
		confirmationGrant: grant,
	}
}

// Run executes a fresh run to its terminal or suspended state. Every failure
// mode lands in the returned state; Run itself never errors.
func (l *AgentLoop) Run(ctx context.Context, req RunRequest) *domain.AgentState {
	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = l.maxSteps
	}
	st := domain.NewAgentState(req.UserMessage, maxSteps)

	ctx, traceID, _ := l.tracer.StartTrace(ctx, fmt.Sprintf("chat: %.60s", req.UserMessage), map[string]string{
		"max_steps": strconv.Itoa(maxSteps),
	})
	l.drive(ctx, st, runParams{
		history:  req.History,
		system:   req.SystemPrompt,
		model:    req.Model,
		tools:    req.Tools,
		observer: req.Observer,
	}, nil)
	l.endTrace(traceID, st)

	return st
}

// StreamHandle exposes a streaming run in progress. Events delivers each
// event in order and closes after the final done event; Wait blocks until
// the run finishes and returns the same final state a plain Run would have
// produced. The channel is buffered for the whole run, so a caller that only
// calls Wait never stalls the loop.
type StreamHandle struct {
	state  *domain.AgentState
	events chan domain.StreamEvent
	done   chan struct{}
}

// Events returns the ordered event stream for this run.
func (h *StreamHandle) Events() <-chan domain.StreamEvent { return h.events }

// Wait blocks until the run reaches its terminal or suspended state.
func (h *StreamHandle) Wait() *domain.AgentState {
	<-h.done
	return h.state
}

func (h *StreamHandle) send(ev domain.StreamEvent) { h.events <- ev }

// RunStreaming executes the same algorithm as Run, delivering each finalized
// step before the loop proceeds to the next one. The stream always ends with
// a done event, whatever happened, including a fault inside the run.
func (l *AgentLoop) RunStreaming(ctx context.Context, req RunRequest) *StreamHandle {
	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = l.maxSteps
	}
	st := domain.NewAgentState(req.UserMessage, maxSteps)

	h := &StreamHandle{
		state:  st,
		events: make(chan domain.StreamEvent, maxSteps+8),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(h.done)
		defer close(h.events)
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("streaming run panicked", "panic", r)
				if !st.Terminal() {
					st.Status = domain.StatusFailed
					st.FinalAnswer = fmt.Sprintf("run aborted: %v", r)
				}
				h.send(domain.ErrorEvent(st.FinalAnswer))
				h.send(domain.DoneEvent(st.Steps, st.FinalAnswer))
			}
		}()

		runCtx, traceID, _ := l.tracer.StartTrace(ctx, fmt.Sprintf("chat: %.60s", req.UserMessage), map[string]string{
			"max_steps": strconv.Itoa(maxSteps),
			"streaming": "true",
		})

		observer := func(step domain.AgentStep) {
			if req.Observer != nil {
				req.Observer(step)
			}
			h.send(domain.StepEvent(step))
		}

		l.drive(runCtx, st, runParams{
			history:  req.History,
			system:   req.SystemPrompt,
			model:    req.Model,
			tools:    req.Tools,
			observer: observer,
		}, nil)
		l.endTrace(traceID, st)

		switch st.Status {
		case domain.StatusCompleted:
			h.send(domain.MessageEvent(st.FinalAnswer))
		case domain.StatusNeedsConfirmation:
			h.send(domain.ConfirmationEvent(st.PendingAction))
		case domain.StatusFailed:
			h.send(domain.ErrorEvent(st.FinalAnswer))
		}
		h.send(domain.DoneEvent(st.Steps, st.FinalAnswer))
	}()

	return h
}

// ContinueAfterConfirmation executes the captured pending action exactly once,
// splices its real observation over the placeholder, and resumes the step
// loop so the model can wrap up. Calling it on a state with nothing pending
// yields a failed state without touching steps or transcript.
func (l *AgentLoop) ContinueAfterConfirmation(ctx context.Context, req ResumeRequest) *domain.AgentState {
	st := req.State
	if st == nil {
		st = domain.NewAgentState("", 0)
	}
	if st.Status != domain.StatusNeedsConfirmation || st.PendingAction == nil {
		st.Status = domain.StatusFailed
		st.FinalAnswer = noPendingMessage
		return st
	}

	pa := *st.PendingAction
	registry := req.Tools
	if registry == nil {
		registry = l.tools
	}

	ctx, traceID, _ := l.tracer.StartTrace(ctx, "confirm: "+pa.ToolName, map[string]string{
		"tool": pa.ToolName,
	})

	st.GrantSteps(l.confirmationGrant)

	result := l.executeTool(ctx, registry, domain.ToolCall{
		ID:     pa.ToolCallID,
		Name:   pa.ToolName,
		Params: pa.Params,
	})

	obs := confirmedPrefix + result.Observation()
	if !result.Success {
		obs = confirmedFailedPrefix + result.Observation()
	}

	if err := st.ReplaceToolResult(pa.ToolCallID, obs); err != nil {
		l.logger.Warn("no placeholder entry for confirmed call", "call_id", pa.ToolCallID, "error", err)
	}
	step, err := st.ReplaceLastObservation(obs)
	if err != nil {
		l.logger.Warn("no step to carry confirmed observation", "error", err)
	} else if req.Observer != nil {
		req.Observer(step)
	}

	if err := st.Resume(); err != nil {
		l.logger.Error("resume transition rejected", "error", err)
		l.endTrace(traceID, st)
		return st
	}

	l.drive(ctx, st, runParams{
		history:  req.History,
		system:   req.SystemPrompt,
		model:    req.Model,
		tools:    req.Tools,
		observer: req.Observer,
	}, result)
	l.endTrace(traceID, st)

	return st
}

// drive is the shared step loop. confirmed carries the just-executed tool's
// result on the resume path: if the budget runs out before the model wraps
// up, that result becomes the answer instead of a budget failure, so a
// confirmation always ends in a user-visible outcome.
func (l *AgentLoop) drive(ctx context.Context, st *domain.AgentState, p runParams, confirmed *domain.ToolResult) {
	registry := p.tools
	if registry == nil {
		registry = l.tools
	}

	for st.Status == domain.StatusRunning && st.StepsRemaining() > 0 {
		remaining := st.StepsRemaining()

		// Forced stop: on the last step the model gets no tools, which
		// forces a plain-text final answer.
		var defs []domain.FunctionDefinition
		if remaining > 1 {
			defs = registry.FunctionDefinitions()
		}

		system := p.system
		if notice := BudgetNotice(remaining); notice != "" {
			system += "\n\n" + notice
		}

		messages := make([]domain.ChatMessage, 0, len(p.history)+1+len(st.Transcript))
		messages = append(messages, p.history...)
		messages = append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: st.UserMessage})
		messages = append(messages, st.Transcript...)

		_, llmSpan := l.tracer.StartSpan(ctx, fmt.Sprintf("llm.chat (step %d)", st.StepsTaken()+1), domain.SpanKindLLM, map[string]string{
			"tools_offered": strconv.Itoa(len(defs)),
		})
		if p.model != "" {
			l.tracer.SetSpanModel(llmSpan, p.model)
		}
		l.tracer.SetSpanInput(llmSpan, st.UserMessage)

		res, err := l.provider.ChatWithTools(ctx, domain.ChatRequest{
			Model:    p.model,
			System:   system,
			Messages: messages,
			Tools:    defs,
		})
		if err != nil {
			l.tracer.EndSpan(llmSpan, domain.SpanStatusError, "", err.Error())
			l.logger.Error("model call failed", "error", err)
			_ = st.Fail(fmt.Sprintf("model call failed: %v", err))
			return
		}

		if !res.HasToolCalls() {
			l.tracer.EndSpan(llmSpan, domain.SpanStatusOK, res.Text, "")
			_ = st.Complete(res.Text)
			return
		}
		l.tracer.EndSpan(llmSpan, domain.SpanStatusOK, "tool calls: "+domain.JoinActionNames(res.ToolCalls), "")

		l.processBatch(ctx, st, registry, res, p.observer)
	}

	if st.Status != domain.StatusRunning {
		return
	}

	// Budget ran out with the model still working.
	if confirmed != nil {
		if confirmed.Success {
			answer := confirmed.Message
			if answer == "" {
				answer = confirmed.Observation()
			}
			_ = st.Complete(answer)
		} else {
			_ = st.Fail(confirmed.Observation())
		}
		return
	}
	_ = st.Fail(budgetExhaustedMessage)
}

// processBatch handles one tool-call response: transcript entries for every
// call first, then execution (or deferral) of each call, then exactly one
// step for the whole batch.
func (l *AgentLoop) processBatch(ctx context.Context, st *domain.AgentState, registry *domain.ToolRegistry, res *domain.ChatResult, observe StepObserver) {
	calls := res.ToolCalls

	// All call entries precede any result entry; thought rides the first.
	for i, call := range calls {
		thought := ""
		if i == 0 {
			thought = res.Thought
		}
		st.AppendAssistantCall(thought, call)
	}

	// A confirmation-requiring call is deferred, not executed. The first
	// such call becomes the pending action; the rest stay placeholders
	// until the model re-requests them after the resume.
	deferred := make([]bool, len(calls))
	var pending *domain.PendingAction
	for i, call := range calls {
		tool, ok := registry.Get(call.Name)
		if !ok || !tool.RequiresConfirmation() {
			continue
		}
		deferred[i] = true
		if pending == nil {
			pending = &domain.PendingAction{
				ToolName:    call.Name,
				Params:      call.Params,
				Description: res.Thought,
				ToolCallID:  call.ID,
			}
		}
	}

	// Execute the immediate calls, keeping results in call order.
	results := make([]*domain.ToolResult, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelToolLimit)
	for i, call := range calls {
		if deferred[i] {
			continue
		}
		g.Go(func() error {
			results[i] = l.executeTool(gctx, registry, call)
			return nil
		})
	}
	_ = g.Wait()

	for i, call := range calls {
		if deferred[i] {
			st.AppendToolResult(call.ID, placeholderObservation)
		} else {
			st.AppendToolResult(call.ID, results[i].Observation())
		}
	}

	step := domain.AgentStep{
		Thought:      res.Thought,
		Action:       domain.JoinActionNames(calls),
		ActionParams: calls[0].Params,
		Timestamp:    time.Now(),
	}

	if pending != nil {
		appended := st.AppendStep(step)
		if err := st.Suspend(pending); err != nil {
			l.logger.Error("suspend transition rejected", "error", err)
		}
		l.logger.Info("run suspended for confirmation",
			"tool", pending.ToolName, "call_id", pending.ToolCallID)
		if observe != nil {
			observe(appended)
		}
		return
	}

	observations := make([]string, len(calls))
	for i := range calls {
		observations[i] = results[i].Observation()
	}
	step.Observation = strings.Join(observations, observationSeparator)

	appended := st.AppendStep(step)
	l.logger.Info("agent step finalized",
		"index", appended.Index, "action", appended.Action)
	if observe != nil {
		observe(appended)
	}
}

// executeTool runs one call through the registry under a tool span. The
// registry converts every failure mode into a ToolResult, so this never
// errors.
func (l *AgentLoop) executeTool(ctx context.Context, registry *domain.ToolRegistry, call domain.ToolCall) *domain.ToolResult {
	toolCtx, spanID := l.tracer.StartSpan(ctx, "tool."+call.Name, domain.SpanKindTool, map[string]string{
		"tool": call.Name,
	})
	if in, err := json.Marshal(call.Params); err == nil {
		l.tracer.SetSpanInput(spanID, string(in))
	}

	result := registry.Execute(toolCtx, call.Name, call.Params)

	obs := result.Observation()
	if result.Success {
		l.tracer.EndSpan(spanID, domain.SpanStatusOK, obs, "")
	} else {
		l.tracer.EndSpan(spanID, domain.SpanStatusError, obs, result.Error)
	}
	l.logger.Info("tool executed", "tool", call.Name, "success", result.Success)

	return result
}

func (l *AgentLoop) endTrace(traceID domain.TraceID, st *domain.AgentState) {
	if st.Status == domain.StatusFailed {
		l.tracer.EndTrace(traceID, domain.SpanStatusError, st.FinalAnswer)
		return
	}
	l.tracer.EndTrace(traceID, domain.SpanStatusOK, "")
}
