package services

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/emberfell/scribeOS/internal/core/domain"
	"github.com/emberfell/scribeOS/internal/core/ports"
)

// internalTablePrefix marks kernel-owned tables. They are hidden from
// introspection and refused as tool targets.
const internalTablePrefix = "scribe_"

const (
	defaultReadLimit = 50
	maxReadLimit     = 200
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validIdentifier(name, kind string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid %s name: %q", kind, name)
	}
	return nil
}

func validTable(name string) error {
	if err := validIdentifier(name, "table"); err != nil {
		return err
	}
	if strings.HasPrefix(strings.ToLower(name), internalTablePrefix) {
		return fmt.Errorf("table %q is reserved", name)
	}
	return nil
}

func tableParam(params map[string]any) (string, error) {
	name, ok := params["table"].(string)
	if !ok || name == "" {
		return "", fmt.Errorf("table must be a non-empty string")
	}
	if err := validTable(name); err != nil {
		return "", err
	}
	return name, nil
}

func mapParam(params map[string]any, key string) (map[string]any, error) {
	raw, present := params[key]
	if !present || raw == nil {
		return nil, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an object", key)
	}
	return m, nil
}

func scalarValue(column string, v any) error {
	switch v.(type) {
	case map[string]any, []any:
		return fmt.Errorf("column %s: value must be a scalar", column)
	}
	return nil
}

// buildWhere renders an equality filter map as a WHERE clause with bound
// parameters. Keys are sorted so the generated SQL is deterministic. A nil
// filter value becomes IS NULL.
func buildWhere(filters map[string]any) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	conds := make([]string, 0, len(keys))
	var args []any
	for _, k := range keys {
		if err := validIdentifier(k, "column"); err != nil {
			return "", nil, err
		}
		v := filters[k]
		if v == nil {
			conds = append(conds, k+" IS NULL")
			continue
		}
		if err := scalarValue(k, v); err != nil {
			return "", nil, err
		}
		conds = append(conds, k+" = ?")
		args = append(args, v)
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func withDesc(s *openapi3.Schema, text string) *openapi3.Schema {
	s.Description = text
	return s
}

func tableSchema(desc string) *openapi3.Schema {
	return withDesc(openapi3.NewStringSchema().WithPattern(identifierPattern.String()), desc)
}

func filtersSchema(desc string) *openapi3.Schema {
	return withDesc(openapi3.NewObjectSchema().WithAnyAdditionalProperties(), desc)
}

// ReadRecordsTool runs SELECT queries against user tables.
type ReadRecordsTool struct {
	data ports.DataStore
}

func NewReadRecordsTool(data ports.DataStore) *ReadRecordsTool {
	return &ReadRecordsTool{data: data}
}

func (t *ReadRecordsTool) Name() string { return "read_records" }

func (t *ReadRecordsTool) Description() string {
	return "Reads rows from a table. Supports equality filters, column selection and a row limit. Returns rows as JSON."
}

func (t *ReadRecordsTool) RequiresConfirmation() bool { return false }

func (t *ReadRecordsTool) ParameterSchema() *openapi3.Schema {
	schema := openapi3.NewObjectSchema().
		WithProperty("table", tableSchema("Table to read from.")).
		WithProperty("filters", filtersSchema("Equality filters, e.g. {\"status\": \"open\"}.")).
		WithProperty("columns", withDesc(openapi3.NewArraySchema().WithItems(openapi3.NewStringSchema()), "Columns to return. Omit for all columns.")).
		WithProperty("limit", withDesc(openapi3.NewIntegerSchema().WithMin(1).WithMax(maxReadLimit), fmt.Sprintf("Maximum rows to return (default %d).", defaultReadLimit)))
	schema.Required = []string{"table"}
	return schema
}

func (t *ReadRecordsTool) Execute(ctx context.Context, params map[string]any) (*domain.ToolResult, error) {
	table, err := tableParam(params)
	if err != nil {
		return nil, err
	}

	cols := "*"
	if raw, ok := params["columns"].([]any); ok && len(raw) > 0 {
		names := make([]string, 0, len(raw))
		for _, c := range raw {
			name, ok := c.(string)
			if !ok {
				return nil, fmt.Errorf("columns must be strings")
			}
			if err := validIdentifier(name, "column"); err != nil {
				return nil, err
			}
			names = append(names, name)
		}
		cols = strings.Join(names, ", ")
	}

	filters, err := mapParam(params, "filters")
	if err != nil {
		return nil, err
	}
	where, args, err := buildWhere(filters)
	if err != nil {
		return nil, err
	}

	limit := defaultReadLimit
	if raw, ok := params["limit"].(float64); ok && raw >= 1 {
		limit = int(raw)
		if limit > maxReadLimit {
			limit = maxReadLimit
		}
	}

	query := fmt.Sprintf("SELECT %s FROM %s%s LIMIT ?", cols, table, where)
	rows, err := t.data.QueryRows(ctx, query, append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	if len(rows) == 0 {
		return domain.ToolSuccess(fmt.Sprintf("no rows in %s match", table), nil), nil
	}
	return domain.ToolSuccess(fmt.Sprintf("%d row(s) from %s", len(rows), table), rows), nil
}

// CreateRecordTool inserts one row. Mutating, so it is held for
// confirmation.
type CreateRecordTool struct {
	data ports.DataStore
}

func NewCreateRecordTool(data ports.DataStore) *CreateRecordTool {
	return &CreateRecordTool{data: data}
}

func (t *CreateRecordTool) Name() string { return "create_record" }

func (t *CreateRecordTool) Description() string {
	return "Inserts a new row into a table. The values object maps column names to values."
}

func (t *CreateRecordTool) RequiresConfirmation() bool { return true }

func (t *CreateRecordTool) ParameterSchema() *openapi3.Schema {
	schema := openapi3.NewObjectSchema().
		WithProperty("table", tableSchema("Table to insert into.")).
		WithProperty("values", withDesc(openapi3.NewObjectSchema().WithAnyAdditionalProperties(), "Column/value pairs for the new row."))
	schema.Required = []string{"table", "values"}
	return schema
}

func (t *CreateRecordTool) Execute(ctx context.Context, params map[string]any) (*domain.ToolResult, error) {
	table, err := tableParam(params)
	if err != nil {
		return nil, err
	}
	values, err := mapParam(params, "values")
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("values must not be empty")
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	cols := make([]string, 0, len(keys))
	marks := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		if err := validIdentifier(k, "column"); err != nil {
			return nil, err
		}
		if err := scalarValue(k, values[k]); err != nil {
			return nil, err
		}
		cols = append(cols, k)
		marks = append(marks, "?")
		args = append(args, values[k])
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(marks, ", "))
	affected, err := t.data.ExecStatement(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("insert failed: %w", err)
	}
	return domain.ToolSuccess(fmt.Sprintf("%d row(s) inserted into %s", affected, table), nil), nil
}

// UpdateRecordTool updates rows matched by equality filters. Mutating, so
// it is held for confirmation. Filters are mandatory: an unfiltered UPDATE
// would rewrite the whole table.
type UpdateRecordTool struct {
	data ports.DataStore
}

func NewUpdateRecordTool(data ports.DataStore) *UpdateRecordTool {
	return &UpdateRecordTool{data: data}
}

func (t *UpdateRecordTool) Name() string { return "update_record" }

func (t *UpdateRecordTool) Description() string {
	return "Updates rows in a table. Sets the given values on every row matching the equality filters. Filters are required."
}

func (t *UpdateRecordTool) RequiresConfirmation() bool { return true }

func (t *UpdateRecordTool) ParameterSchema() *openapi3.Schema {
	schema := openapi3.NewObjectSchema().
		WithProperty("table", tableSchema("Table to update.")).
		WithProperty("values", withDesc(openapi3.NewObjectSchema().WithAnyAdditionalProperties(), "Column/value pairs to set.")).
		WithProperty("filters", filtersSchema("Equality filters selecting the rows to update. Required."))
	schema.Required = []string{"table", "values", "filters"}
	return schema
}

func (t *UpdateRecordTool) Execute(ctx context.Context, params map[string]any) (*domain.ToolResult, error) {
	table, err := tableParam(params)
	if err != nil {
		return nil, err
	}
	values, err := mapParam(params, "values")
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("values must not be empty")
	}
	filters, err := mapParam(params, "filters")
	if err != nil {
		return nil, err
	}
	if len(filters) == 0 {
		return nil, fmt.Errorf("filters are required for update_record")
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sets := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		if err := validIdentifier(k, "column"); err != nil {
			return nil, err
		}
		if err := scalarValue(k, values[k]); err != nil {
			return nil, err
		}
		sets = append(sets, k+" = ?")
		args = append(args, values[k])
	}

	where, whereArgs, err := buildWhere(filters)
	if err != nil {
		return nil, err
	}

	stmt := fmt.Sprintf("UPDATE %s SET %s%s", table, strings.Join(sets, ", "), where)
	affected, err := t.data.ExecStatement(ctx, stmt, append(args, whereArgs...)...)
	if err != nil {
		return nil, fmt.Errorf("update failed: %w", err)
	}
	return domain.ToolSuccess(fmt.Sprintf("%d row(s) updated in %s", affected, table), nil), nil
}

// DeleteRecordTool deletes rows matched by equality filters. Mutating, so
// it is held for confirmation. Filters are mandatory: an unfiltered DELETE
// would empty the table.
type DeleteRecordTool struct {
	data ports.DataStore
}

func NewDeleteRecordTool(data ports.DataStore) *DeleteRecordTool {
	return &DeleteRecordTool{data: data}
}

func (t *DeleteRecordTool) Name() string { return "delete_record" }

func (t *DeleteRecordTool) Description() string {
	return "Deletes every row matching the equality filters from a table. Filters are required."
}

func (t *DeleteRecordTool) RequiresConfirmation() bool { return true }

func (t *DeleteRecordTool) ParameterSchema() *openapi3.Schema {
	schema := openapi3.NewObjectSchema().
		WithProperty("table", tableSchema("Table to delete from.")).
		WithProperty("filters", filtersSchema("Equality filters selecting the rows to delete. Required."))
	schema.Required = []string{"table", "filters"}
	return schema
}

func (t *DeleteRecordTool) Execute(ctx context.Context, params map[string]any) (*domain.ToolResult, error) {
	table, err := tableParam(params)
	if err != nil {
		return nil, err
	}
	filters, err := mapParam(params, "filters")
	if err != nil {
		return nil, err
	}
	if len(filters) == 0 {
		return nil, fmt.Errorf("filters are required for delete_record")
	}

	where, args, err := buildWhere(filters)
	if err != nil {
		return nil, err
	}

	stmt := fmt.Sprintf("DELETE FROM %s%s", table, where)
	affected, err := t.data.ExecStatement(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("delete failed: %w", err)
	}
	return domain.ToolSuccess(fmt.Sprintf("%d row(s) deleted from %s", affected, table), nil), nil
}
