package domain

import "context"

// ChatMessage is one role-tagged message in the model's native tool-calling
// protocol. Assistant entries may carry requested tool calls; tool entries
// carry the result for exactly one call id.
type ChatMessage struct {
	Role       MessageRole `json:"role"`
	Content    string      `json:"content,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// ChatRequest is a single reasoning request: system prompt, prior messages
// (conversation history plus the run's tool transcript) and the tool
// definitions offered for this turn. An empty Tools slice forces a text
// answer.
type ChatRequest struct {
	Model    string
	System   string
	Messages []ChatMessage
	Tools    []FunctionDefinition
}

// ChatResult is the model's reply: either final text, or one or more tool
// calls with an optional stated thought. Providers must support multiple
// calls in a single turn.
type ChatResult struct {
	Text      string
	Thought   string
	ToolCalls []ToolCall
}

// HasToolCalls reports whether the model requested tool execution.
func (r *ChatResult) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// LLMProvider is the reasoning boundary. Implementations translate between
// the neutral message shapes above and a concrete chat API.
type LLMProvider interface {
	ChatWithTools(ctx context.Context, req ChatRequest) (*ChatResult, error)
}
