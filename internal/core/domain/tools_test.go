package domain

import (
	"context"
	"fmt"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTool is a minimal Tool for registry tests.
type fakeTool struct {
	name    string
	confirm bool
	schema  *openapi3.Schema
	execute func(ctx context.Context, params map[string]any) (*ToolResult, error)
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "fake " + f.name }
func (f *fakeTool) ParameterSchema() *openapi3.Schema {
	if f.schema != nil {
		return f.schema
	}
	return openapi3.NewObjectSchema().WithAnyAdditionalProperties()
}
func (f *fakeTool) RequiresConfirmation() bool { return f.confirm }
func (f *fakeTool) Execute(ctx context.Context, params map[string]any) (*ToolResult, error) {
	if f.execute != nil {
		return f.execute(ctx, params)
	}
	return ToolSuccess("ok", nil), nil
}

func TestRegistry_RegisterAndOrder(t *testing.T) {
	reg := NewToolRegistry()
	require.NoError(t, reg.Register(&fakeTool{name: "read_records"}))
	require.NoError(t, reg.Register(&fakeTool{name: "delete_record", confirm: true}))
	require.NoError(t, reg.Register(&fakeTool{name: "list_tables"}))

	defs := reg.FunctionDefinitions()
	require.Len(t, defs, 3)
	assert.Equal(t, "read_records", defs[0].Name)
	assert.Equal(t, "delete_record", defs[1].Name)
	assert.Equal(t, "list_tables", defs[2].Name)
}

func TestRegistry_LastRegistrationWins(t *testing.T) {
	reg := NewToolRegistry()
	require.NoError(t, reg.Register(&fakeTool{name: "read_records"}))
	replacement := &fakeTool{name: "read_records", execute: func(context.Context, map[string]any) (*ToolResult, error) {
		return ToolSuccess("replacement ran", nil), nil
	}}
	require.NoError(t, reg.Register(replacement))

	// No duplicate definition, original ordering slot kept.
	require.Len(t, reg.FunctionDefinitions(), 1)

	res := reg.Execute(context.Background(), "read_records", nil)
	assert.True(t, res.Success)
	assert.Equal(t, "replacement ran", res.Message)
}

func TestRegistry_RegisterValidation(t *testing.T) {
	reg := NewToolRegistry()
	assert.Error(t, reg.Register(&fakeTool{name: ""}))
	assert.Error(t, reg.Register(nil))
}

func TestRegistry_ExecuteUnknownTool(t *testing.T) {
	reg := NewToolRegistry()
	res := reg.Execute(context.Background(), "drop_database", nil)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, "unknown tool: drop_database", res.Error)
}

func TestRegistry_ExecuteConvertsToolError(t *testing.T) {
	reg := NewToolRegistry()
	require.NoError(t, reg.Register(&fakeTool{
		name: "read_records",
		execute: func(context.Context, map[string]any) (*ToolResult, error) {
			return nil, fmt.Errorf("connection refused")
		},
	}))

	res := reg.Execute(context.Background(), "read_records", nil)
	assert.False(t, res.Success)
	assert.Equal(t, "connection refused", res.Error)
}

func TestRegistry_ExecuteRecoversPanic(t *testing.T) {
	reg := NewToolRegistry()
	require.NoError(t, reg.Register(&fakeTool{
		name: "read_records",
		execute: func(context.Context, map[string]any) (*ToolResult, error) {
			panic("nil table")
		},
	}))

	res := reg.Execute(context.Background(), "read_records", nil)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "panicked")
}

func TestRegistry_ExecuteValidatesParams(t *testing.T) {
	schema := openapi3.NewObjectSchema().
		WithProperty("table", openapi3.NewStringSchema())
	schema.Required = []string{"table"}

	reg := NewToolRegistry()
	require.NoError(t, reg.Register(&fakeTool{name: "describe_table", schema: schema}))

	res := reg.Execute(context.Background(), "describe_table", map[string]any{})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "invalid parameters for describe_table")

	res = reg.Execute(context.Background(), "describe_table", map[string]any{"table": "orders"})
	assert.True(t, res.Success)
}

func TestRegistry_Subset(t *testing.T) {
	reg := NewToolRegistry()
	require.NoError(t, reg.Register(&fakeTool{name: "read_records"}))
	require.NoError(t, reg.Register(&fakeTool{name: "delete_record", confirm: true}))
	require.NoError(t, reg.Register(&fakeTool{name: "list_tables"}))

	sub := reg.Subset([]string{"list_tables", "read_records", "not_a_tool"})
	assert.Equal(t, []string{"read_records", "list_tables"}, sub.Names())

	res := sub.Execute(context.Background(), "delete_record", nil)
	assert.False(t, res.Success)
	assert.Equal(t, "unknown tool: delete_record", res.Error)
}

func TestToolResult_Observation(t *testing.T) {
	tests := []struct {
		name   string
		result *ToolResult
		want   string
	}{
		{
			name:   "failure",
			result: ToolFailure("unknown tool: %s", "x"),
			want:   "Error: unknown tool: x",
		},
		{
			name:   "message_only",
			result: ToolSuccess("3 rows found", nil),
			want:   "3 rows found",
		},
		{
			name:   "message_and_data",
			result: ToolSuccess("1 row found", []map[string]any{{"id": float64(1)}}),
			want:   "1 row found\n[\n  {\n    \"id\": 1\n  }\n]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.result.Observation())
		})
	}
}
