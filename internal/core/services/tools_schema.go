package services

import (
	"context"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/emberfell/scribeOS/internal/core/domain"
	"github.com/emberfell/scribeOS/internal/core/ports"
)

// ListTablesTool lists the user tables. Kernel-owned tables are filtered
// out by the data store.
type ListTablesTool struct {
	data ports.DataStore
}

func NewListTablesTool(data ports.DataStore) *ListTablesTool {
	return &ListTablesTool{data: data}
}

func (t *ListTablesTool) Name() string { return "list_tables" }

func (t *ListTablesTool) Description() string {
	return "Lists all user tables in the database."
}

func (t *ListTablesTool) RequiresConfirmation() bool { return false }

func (t *ListTablesTool) ParameterSchema() *openapi3.Schema {
	return openapi3.NewObjectSchema()
}

func (t *ListTablesTool) Execute(ctx context.Context, _ map[string]any) (*domain.ToolResult, error) {
	tables, err := t.data.ListTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tables failed: %w", err)
	}
	if len(tables) == 0 {
		return domain.ToolSuccess("no user tables exist yet", nil), nil
	}
	return domain.ToolSuccess(fmt.Sprintf("%d table(s)", len(tables)), tables), nil
}

// DescribeTableTool reports the columns and types of one table.
type DescribeTableTool struct {
	data ports.DataStore
}

func NewDescribeTableTool(data ports.DataStore) *DescribeTableTool {
	return &DescribeTableTool{data: data}
}

func (t *DescribeTableTool) Name() string { return "describe_table" }

func (t *DescribeTableTool) Description() string {
	return "Describes a table: column names, types and nullability."
}

func (t *DescribeTableTool) RequiresConfirmation() bool { return false }

func (t *DescribeTableTool) ParameterSchema() *openapi3.Schema {
	schema := openapi3.NewObjectSchema().
		WithProperty("table", tableSchema("Table to describe."))
	schema.Required = []string{"table"}
	return schema
}

func (t *DescribeTableTool) Execute(ctx context.Context, params map[string]any) (*domain.ToolResult, error) {
	table, err := tableParam(params)
	if err != nil {
		return nil, err
	}
	cols, err := t.data.DescribeTable(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("describing %s failed: %w", table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %q does not exist", table)
	}
	return domain.ToolSuccess(fmt.Sprintf("%s has %d column(s)", table, len(cols)), cols), nil
}

// RegisterDataTools adds the built-in CRUD and introspection tools to a
// registry in their canonical order.
func RegisterDataTools(registry *domain.ToolRegistry, data ports.DataStore) error {
	tools := []domain.Tool{
		NewReadRecordsTool(data),
		NewCreateRecordTool(data),
		NewUpdateRecordTool(data),
		NewDeleteRecordTool(data),
		NewListTablesTool(data),
		NewDescribeTableTool(data),
	}
	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("registering %s: %w", tool.Name(), err)
		}
	}
	return nil
}
