package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/google/uuid"

	"github.com/emberfell/scribeOS/internal/core/domain"
)

// mergeAssistantCalls collapses consecutive assistant entries that each
// carry tool calls into a single entry carrying all of them. The transcript
// keeps one entry per call; chat APIs want one assistant message per batch.
func mergeAssistantCalls(msgs []domain.ChatMessage) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == domain.RoleAssistant && len(m.ToolCalls) > 0 && len(out) > 0 {
			last := &out[len(out)-1]
			if last.Role == domain.RoleAssistant && len(last.ToolCalls) > 0 {
				last.ToolCalls = append(last.ToolCalls, m.ToolCalls...)
				if last.Content == "" {
					last.Content = m.Content
				}
				continue
			}
		}
		cp := m
		cp.ToolCalls = append([]domain.ToolCall(nil), m.ToolCalls...)
		out = append(out, cp)
	}
	return out
}

// newCallID generates a call id for providers that omit one.
func newCallID() string {
	return "call_" + uuid.NewString()
}

// OllamaProvider talks to a local Ollama instance over /api/chat with
// native tool calling.
type OllamaProvider struct {
	baseURL      string
	defaultModel string
	client       *http.Client
}

// NewOllamaProvider creates the provider. An empty baseURL falls back to
// the standard local instance.
func NewOllamaProvider(baseURL, defaultModel string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if defaultModel == "" {
		defaultModel = "qwen2.5:7b"
	}
	return &OllamaProvider{
		baseURL:      baseURL,
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 120 * time.Second},
	}
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function ollamaFunctionCall `json:"function"`
}

type ollamaFunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Parameters  *openapi3.Schema `json:"parameters"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// ChatWithTools implements domain.LLMProvider.
func (p *OllamaProvider) ChatWithTools(ctx context.Context, req domain.ChatRequest) (*domain.ChatResult, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages := make([]ollamaMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: req.System})
	}
	for _, m := range mergeAssistantCalls(req.Messages) {
		wire := ollamaMessage{Role: string(m.Role), Content: m.Content}
		for _, call := range m.ToolCalls {
			wire.ToolCalls = append(wire.ToolCalls, ollamaToolCall{
				Function: ollamaFunctionCall{Name: call.Name, Arguments: call.Params},
			})
		}
		messages = append(messages, wire)
	}

	tools := make([]ollamaTool, 0, len(req.Tools))
	for _, def := range req.Tools {
		tools = append(tools, ollamaTool{
			Type: "function",
			Function: ollamaToolFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}

	body, err := json.Marshal(ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Tools:    tools,
		Stream:   false,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(raw))
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}

	result := &domain.ChatResult{}
	for _, call := range chatResp.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, domain.ToolCall{
			// Ollama does not assign call ids.
			ID:     newCallID(),
			Name:   call.Function.Name,
			Params: call.Function.Arguments,
		})
	}
	if result.HasToolCalls() {
		result.Thought = chatResp.Message.Content
	} else {
		result.Text = chatResp.Message.Content
	}
	return result, nil
}
