package domain

import (
	"fmt"
	"strings"
	"time"
)

// AgentStatus is the lifecycle state of one agent run.
type AgentStatus string

const (
	// StatusRunning means the loop may take further steps.
	StatusRunning AgentStatus = "running"
	// StatusCompleted is terminal; FinalAnswer holds the answer text.
	StatusCompleted AgentStatus = "completed"
	// StatusFailed is terminal; FinalAnswer holds the failure explanation.
	StatusFailed AgentStatus = "failed"
	// StatusNeedsConfirmation means the run is suspended on a mutating tool
	// call awaiting an explicit user decision. PendingAction holds everything
	// needed to execute or discard it.
	StatusNeedsConfirmation AgentStatus = "needs_confirmation"
)

// allowedStatusTransitions defines the legal moves of the run state machine.
// running -> running covers an ordinary step with budget left.
var allowedStatusTransitions = map[AgentStatus][]AgentStatus{
	StatusRunning:           {StatusRunning, StatusCompleted, StatusFailed, StatusNeedsConfirmation},
	StatusNeedsConfirmation: {StatusRunning, StatusFailed},
	StatusCompleted:         {},
	StatusFailed:            {},
}

// AgentStep is one unit of reasoning progress: the model's thought, the
// action(s) it chose, and the combined observation once the action finished.
// Steps are immutable values; an in-flight step (action set, observation
// unset) is later substituted at the same index by an observation-bearing
// copy, never duplicated.
type AgentStep struct {
	Index        int            `json:"index"`
	Thought      string         `json:"thought,omitempty"`
	Action       string         `json:"action,omitempty"`
	ActionParams map[string]any `json:"action_params,omitempty"`
	Observation  string         `json:"observation,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// WithObservation returns a copy of the step carrying the given observation.
func (s AgentStep) WithObservation(obs string) AgentStep {
	s.Observation = obs
	return s
}

// PendingAction captures a deferred mutating tool call awaiting confirmation.
type PendingAction struct {
	ToolName    string         `json:"tool_name"`
	Params      map[string]any `json:"params,omitempty"`
	Description string         `json:"description,omitempty"`
	ToolCallID  string         `json:"tool_call_id"`
}

// AgentState is the execution context of one run: the step history, the
// tool-call transcript replayed to the model, and the terminal or suspended
// outcome. It is owned by exactly one in-flight run at a time; the
// orchestrator serializes access per conversation.
type AgentState struct {
	UserMessage   string         `json:"user_message"`
	MaxSteps      int            `json:"max_steps"`
	Steps         []AgentStep    `json:"steps"`
	Transcript    []ChatMessage  `json:"transcript,omitempty"`
	Status        AgentStatus    `json:"status"`
	FinalAnswer   string         `json:"final_answer,omitempty"`
	PendingAction *PendingAction `json:"pending_action,omitempty"`
}

// NewAgentState creates a fresh running state for one user message.
func NewAgentState(userMessage string, maxSteps int) *AgentState {
	return &AgentState{
		UserMessage: userMessage,
		MaxSteps:    maxSteps,
		Steps:       []AgentStep{},
		Transcript:  []ChatMessage{},
		Status:      StatusRunning,
	}
}

// transition moves the state machine, rejecting moves the lifecycle does not
// allow (e.g. reopening a completed run).
func (s *AgentState) transition(to AgentStatus) error {
	for _, allowed := range allowedStatusTransitions[s.Status] {
		if allowed == to {
			s.Status = to
			return nil
		}
	}
	return fmt.Errorf("illegal agent status transition: %s -> %s", s.Status, to)
}

// Complete marks the run finished with the model's final answer.
func (s *AgentState) Complete(answer string) error {
	if err := s.transition(StatusCompleted); err != nil {
		return err
	}
	s.FinalAnswer = answer
	return nil
}

// Fail marks the run failed with an explanation.
func (s *AgentState) Fail(reason string) error {
	if err := s.transition(StatusFailed); err != nil {
		return err
	}
	s.FinalAnswer = reason
	return nil
}

// Suspend pauses the run on a confirmation-requiring tool call.
func (s *AgentState) Suspend(pending *PendingAction) error {
	if pending == nil {
		return fmt.Errorf("suspend requires a pending action")
	}
	if err := s.transition(StatusNeedsConfirmation); err != nil {
		return err
	}
	s.PendingAction = pending
	return nil
}

// Resume returns a suspended run to running, clearing the pending action.
// Used for both confirm and reject decisions.
func (s *AgentState) Resume() error {
	if err := s.transition(StatusRunning); err != nil {
		return err
	}
	s.PendingAction = nil
	return nil
}

// StepsTaken reports how many steps have been recorded.
func (s *AgentState) StepsTaken() int {
	return len(s.Steps)
}

// StepsRemaining reports how much of the step budget is left.
func (s *AgentState) StepsRemaining() int {
	return s.MaxSteps - len(s.Steps)
}

// GrantSteps raises the step budget. The budget only ever grows; a shrink
// could strand already-recorded steps past the limit.
func (s *AgentState) GrantSteps(n int) {
	if n > 0 {
		s.MaxSteps += n
	}
}

// AppendStep records the next step, assigning the next 1-based index.
func (s *AgentState) AppendStep(step AgentStep) AgentStep {
	step.Index = len(s.Steps) + 1
	s.Steps = append(s.Steps, step)
	return step
}

// ReplaceLastObservation substitutes the last step in place with a copy
// carrying the observation. Index and the rest of the step are preserved.
func (s *AgentState) ReplaceLastObservation(obs string) (AgentStep, error) {
	if len(s.Steps) == 0 {
		return AgentStep{}, fmt.Errorf("no step to replace")
	}
	last := len(s.Steps) - 1
	s.Steps[last] = s.Steps[last].WithObservation(obs)
	return s.Steps[last], nil
}

// AppendAssistantCall records one requested tool call in the transcript.
// The thought travels only on the first entry of a batch; callers pass ""
// for the rest.
func (s *AgentState) AppendAssistantCall(thought string, call ToolCall) {
	s.Transcript = append(s.Transcript, ChatMessage{
		Role:      RoleAssistant,
		Content:   thought,
		ToolCalls: []ToolCall{call},
	})
}

// AppendToolResult records the result (or placeholder) for a tool call.
func (s *AgentState) AppendToolResult(callID, content string) {
	s.Transcript = append(s.Transcript, ChatMessage{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: callID,
	})
}

// ReplaceToolResult overwrites the result entry for callID in place. The
// transcript never grows here: replacement, not duplication, keeps the
// call/result pairing balanced.
func (s *AgentState) ReplaceToolResult(callID, content string) error {
	for i := range s.Transcript {
		if s.Transcript[i].Role == RoleTool && s.Transcript[i].ToolCallID == callID {
			s.Transcript[i].Content = content
			return nil
		}
	}
	return fmt.Errorf("no tool result entry for call %s", callID)
}

// UnbalancedCallIDs returns the ids of assistant tool calls that have no
// result entry yet. A balanced transcript returns an empty slice.
func (s *AgentState) UnbalancedCallIDs() []string {
	answered := make(map[string]bool)
	for _, m := range s.Transcript {
		if m.Role == RoleTool && m.ToolCallID != "" {
			answered[m.ToolCallID] = true
		}
	}
	var missing []string
	for _, m := range s.Transcript {
		if m.Role != RoleAssistant {
			continue
		}
		for _, c := range m.ToolCalls {
			if !answered[c.ID] {
				missing = append(missing, c.ID)
			}
		}
	}
	return missing
}

// Terminal reports whether the run has reached a final status.
func (s *AgentState) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// AgentSnapshot is the caller-facing serialization of a run.
type AgentSnapshot struct {
	Status        AgentStatus    `json:"status"`
	Steps         []AgentStep    `json:"steps"`
	FinalAnswer   string         `json:"final_answer,omitempty"`
	PendingAction *PendingAction `json:"pending_action,omitempty"`
}

// Snapshot renders the state for API responses and persistence envelopes.
func (s *AgentState) Snapshot() AgentSnapshot {
	steps := make([]AgentStep, len(s.Steps))
	copy(steps, s.Steps)
	return AgentSnapshot{
		Status:        s.Status,
		Steps:         steps,
		FinalAnswer:   s.FinalAnswer,
		PendingAction: s.PendingAction,
	}
}

// JoinActionNames renders the step action label for a batch of calls:
// a single tool name, or a comma-joined list when several fired together.
func JoinActionNames(calls []ToolCall) string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return strings.Join(names, ", ")
}

// PausedRun is the persisted form of a suspended run: the state plus the
// conversation history it started with, so a later resume replays exactly
// the window the model saw before pausing.
type PausedRun struct {
	State   *AgentState   `json:"state"`
	History []ChatMessage `json:"history,omitempty"`
}

// AgentResponse is the envelope the orchestrator hands to transports after a
// run reaches a terminal or suspended outcome.
type AgentResponse struct {
	ConversationID ConversationID `json:"conversation_id"`
	Status         AgentStatus    `json:"status"`
	Message        string         `json:"message,omitempty"`
	Steps          []AgentStep    `json:"steps,omitempty"`
	PendingAction  *PendingAction `json:"pending_action,omitempty"`
}
