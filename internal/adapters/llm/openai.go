package llm

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/emberfell/scribeOS/internal/core/domain"
)

// OpenAIProvider implements the reasoning boundary over any
// OpenAI-compatible chat completions API (OpenAI, Azure, LiteLLM, Ollama's
// /v1 endpoint) using native tool calling.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider creates a remote provider. An empty baseURL targets
// the OpenAI API itself.
func NewOpenAIProvider(baseURL, apiKey, model string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// ChatWithTools implements domain.LLMProvider.
func (p *OpenAIProvider) ChatWithTools(ctx context.Context, req domain.ChatRequest) (*domain.ChatResult, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range mergeAssistantCalls(req.Messages) {
		wire := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, call := range m.ToolCalls {
			args, err := json.Marshal(call.Params)
			if err != nil {
				return nil, fmt.Errorf("marshal arguments for %s: %w", call.Name, err)
			}
			wire.ToolCalls = append(wire.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: string(args),
				},
			})
		}
		messages = append(messages, wire)
	}

	tools := make([]openai.Tool, 0, len(req.Tools))
	for _, def := range req.Tools {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Tools:    tools,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	msg := resp.Choices[0].Message
	result := &domain.ChatResult{}
	for _, call := range msg.ToolCalls {
		var params map[string]any
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &params); err != nil {
				return nil, fmt.Errorf("parse arguments for %s: %w", call.Function.Name, err)
			}
		}
		id := call.ID
		if id == "" {
			id = newCallID()
		}
		result.ToolCalls = append(result.ToolCalls, domain.ToolCall{
			ID:     id,
			Name:   call.Function.Name,
			Params: params,
		})
	}
	if result.HasToolCalls() {
		result.Thought = msg.Content
	} else {
		result.Text = msg.Content
	}
	return result, nil
}
