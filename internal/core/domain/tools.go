package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
)

// Tool is an executable capability offered to the reasoning model.
// Mutating tools report RequiresConfirmation and are deferred by the loop
// until the user approves them.
type Tool interface {
	Name() string
	Description() string
	ParameterSchema() *openapi3.Schema
	RequiresConfirmation() bool
	Execute(ctx context.Context, params map[string]any) (*ToolResult, error)
}

// ToolResult is the outcome of one tool execution.
type ToolResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ToolSuccess builds a successful result with an optional data payload.
func ToolSuccess(message string, data any) *ToolResult {
	return &ToolResult{Success: true, Message: message, Data: data}
}

// ToolFailure builds a failure result carrying the error text.
func ToolFailure(format string, args ...any) *ToolResult {
	return &ToolResult{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Observation renders the result as the single text block the model sees.
// Deterministic and information-preserving: nothing is truncated here.
func (r *ToolResult) Observation() string {
	if !r.Success {
		return "Error: " + r.Error
	}
	out := r.Message
	if r.Data != nil {
		if pretty, err := json.MarshalIndent(r.Data, "", "  "); err == nil {
			if out != "" {
				out += "\n"
			}
			out += string(pretty)
		}
	}
	return out
}

// FunctionDefinition is the model-facing projection of a registered tool.
type FunctionDefinition struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Parameters  *openapi3.Schema `json:"parameters"`
}

// ToolRegistry maps tool names to implementations and produces the ordered
// definition list sent to the model. Registration order is preserved so the
// model always sees a stable tool listing.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds a tool, overwriting any previous tool of the same name
// (last registration wins; the original ordering slot is kept).
func (r *ToolRegistry) Register(tool Tool) error {
	if tool == nil || tool.Name() == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if tool.ParameterSchema() == nil {
		return fmt.Errorf("tool %s has no parameter schema", tool.Name())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; !exists {
		r.order = append(r.order, tool.Name())
	}
	r.tools[tool.Name()] = tool
	return nil
}

// Get returns a tool by exact name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names in registration order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// FunctionDefinitions returns the model-facing tool definitions in
// registration order.
func (r *ToolRegistry) FunctionDefinitions() []FunctionDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]FunctionDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, FunctionDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.ParameterSchema(),
		})
	}
	return defs
}

// Subset returns a registry containing only the named tools, preserving
// this registry's ordering. Unknown names are skipped. Used to narrow the
// tool set offered for a single request.
func (r *ToolRegistry) Subset(names []string) *ToolRegistry {
	allowed := make(map[string]struct{}, len(names))
	for _, n := range names {
		allowed[n] = struct{}{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub := NewToolRegistry()
	for _, name := range r.order {
		if _, ok := allowed[name]; ok {
			sub.order = append(sub.order, name)
			sub.tools[name] = r.tools[name]
		}
	}
	return sub
}

// Execute dispatches a tool by name. It never returns an error or lets a
// fault escape: unknown names, schema violations, tool errors and panics all
// come back as failure results so the loop can report them to the model and
// keep running.
func (r *ToolRegistry) Execute(ctx context.Context, name string, params map[string]any) (res *ToolResult) {
	defer func() {
		if rec := recover(); rec != nil {
			res = ToolFailure("tool %s panicked: %v", name, rec)
		}
	}()

	tool, ok := r.Get(name)
	if !ok {
		return ToolFailure("unknown tool: %s", name)
	}

	if params == nil {
		params = map[string]any{}
	}
	if err := tool.ParameterSchema().VisitJSON(params); err != nil {
		return ToolFailure("invalid parameters for %s: %v", name, err)
	}

	result, err := tool.Execute(ctx, params)
	if err != nil {
		return ToolFailure("%v", err)
	}
	if result == nil {
		result = &ToolResult{Success: true}
	}
	return result
}
