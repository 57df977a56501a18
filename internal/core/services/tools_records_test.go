package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberfell/scribeOS/internal/core/domain"
)

// fakeData records the SQL it receives and returns canned results.
type fakeData struct {
	rows     []map[string]any
	affected int64
	tables   []string
	cols     []domain.TableColumn
	err      error

	lastQuery string
	lastArgs  []any
}

func (d *fakeData) ListTables(context.Context) ([]string, error) {
	return d.tables, d.err
}

func (d *fakeData) DescribeTable(context.Context, string) ([]domain.TableColumn, error) {
	return d.cols, d.err
}

func (d *fakeData) QueryRows(_ context.Context, query string, args ...any) ([]map[string]any, error) {
	d.lastQuery = query
	d.lastArgs = args
	return d.rows, d.err
}

func (d *fakeData) ExecStatement(_ context.Context, stmt string, args ...any) (int64, error) {
	d.lastQuery = stmt
	d.lastArgs = args
	return d.affected, d.err
}

func TestReadRecords_Defaults(t *testing.T) {
	data := &fakeData{rows: []map[string]any{{"id": int64(1)}, {"id": int64(2)}}}
	tool := NewReadRecordsTool(data)

	res, err := tool.Execute(context.Background(), map[string]any{"table": "orders"})
	require.NoError(t, err)

	assert.Equal(t, "SELECT * FROM orders LIMIT ?", data.lastQuery)
	assert.Equal(t, []any{defaultReadLimit}, data.lastArgs)
	assert.True(t, res.Success)
	assert.Equal(t, "2 row(s) from orders", res.Message)
	assert.Equal(t, data.rows, res.Data)
}

func TestReadRecords_FiltersColumnsAndLimit(t *testing.T) {
	data := &fakeData{rows: []map[string]any{{"name": "Ada"}}}
	tool := NewReadRecordsTool(data)

	_, err := tool.Execute(context.Background(), map[string]any{
		"table":   "customers",
		"columns": []any{"name", "email"},
		"filters": map[string]any{"status": "active", "city": "Lisbon"},
		"limit":   float64(5),
	})
	require.NoError(t, err)

	// Filter keys are sorted, so the SQL is deterministic.
	assert.Equal(t, "SELECT name, email FROM customers WHERE city = ? AND status = ? LIMIT ?", data.lastQuery)
	assert.Equal(t, []any{"Lisbon", "active", 5}, data.lastArgs)
}

func TestReadRecords_NullFilterBecomesIsNull(t *testing.T) {
	data := &fakeData{}
	tool := NewReadRecordsTool(data)

	res, err := tool.Execute(context.Background(), map[string]any{
		"table":   "orders",
		"filters": map[string]any{"shipped_at": nil},
	})
	require.NoError(t, err)

	assert.Equal(t, "SELECT * FROM orders WHERE shipped_at IS NULL LIMIT ?", data.lastQuery)
	assert.Equal(t, []any{defaultReadLimit}, data.lastArgs)
	assert.Equal(t, "no rows in orders match", res.Message)
}

func TestReadRecords_LimitClamped(t *testing.T) {
	data := &fakeData{}
	tool := NewReadRecordsTool(data)

	_, err := tool.Execute(context.Background(), map[string]any{
		"table": "orders",
		"limit": float64(9999),
	})
	require.NoError(t, err)
	assert.Equal(t, []any{maxReadLimit}, data.lastArgs)
}

func TestReadRecords_RejectsBadIdentifiers(t *testing.T) {
	tool := NewReadRecordsTool(&fakeData{})

	cases := []map[string]any{
		{"table": "orders; DROP TABLE users"},
		{"table": "orders", "columns": []any{"id, password"}},
		{"table": "orders", "filters": map[string]any{"id = 1 OR 1": float64(1)}},
		{"table": "scribe_messages"},
	}
	for _, params := range cases {
		_, err := tool.Execute(context.Background(), params)
		assert.Error(t, err, "params %v must be rejected", params)
	}
}

func TestReadRecords_RejectsNonScalarFilter(t *testing.T) {
	tool := NewReadRecordsTool(&fakeData{})

	_, err := tool.Execute(context.Background(), map[string]any{
		"table":   "orders",
		"filters": map[string]any{"tags": []any{"a", "b"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scalar")
}

func TestCreateRecord_BuildsInsert(t *testing.T) {
	data := &fakeData{affected: 1}
	tool := NewCreateRecordTool(data)

	res, err := tool.Execute(context.Background(), map[string]any{
		"table":  "customers",
		"values": map[string]any{"name": "Ada", "age": float64(36)},
	})
	require.NoError(t, err)

	assert.Equal(t, "INSERT INTO customers (age, name) VALUES (?, ?)", data.lastQuery)
	assert.Equal(t, []any{float64(36), "Ada"}, data.lastArgs)
	assert.Equal(t, "1 row(s) inserted into customers", res.Message)
	assert.True(t, tool.RequiresConfirmation())
}

func TestCreateRecord_RejectsEmptyValues(t *testing.T) {
	tool := NewCreateRecordTool(&fakeData{})

	_, err := tool.Execute(context.Background(), map[string]any{
		"table":  "customers",
		"values": map[string]any{},
	})
	assert.Error(t, err)
}

func TestUpdateRecord_BuildsUpdate(t *testing.T) {
	data := &fakeData{affected: 3}
	tool := NewUpdateRecordTool(data)

	res, err := tool.Execute(context.Background(), map[string]any{
		"table":   "orders",
		"values":  map[string]any{"status": "shipped"},
		"filters": map[string]any{"status": "open", "warehouse": "east"},
	})
	require.NoError(t, err)

	assert.Equal(t, "UPDATE orders SET status = ? WHERE status = ? AND warehouse = ?", data.lastQuery)
	assert.Equal(t, []any{"shipped", "open", "east"}, data.lastArgs)
	assert.Equal(t, "3 row(s) updated in orders", res.Message)
	assert.True(t, tool.RequiresConfirmation())
}

func TestUpdateRecord_RequiresFilters(t *testing.T) {
	tool := NewUpdateRecordTool(&fakeData{})

	_, err := tool.Execute(context.Background(), map[string]any{
		"table":  "orders",
		"values": map[string]any{"status": "shipped"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "filters are required")
}

func TestDeleteRecord_BuildsDelete(t *testing.T) {
	data := &fakeData{affected: 1}
	tool := NewDeleteRecordTool(data)

	res, err := tool.Execute(context.Background(), map[string]any{
		"table":   "orders",
		"filters": map[string]any{"id": float64(42)},
	})
	require.NoError(t, err)

	assert.Equal(t, "DELETE FROM orders WHERE id = ?", data.lastQuery)
	assert.Equal(t, []any{float64(42)}, data.lastArgs)
	assert.Equal(t, "1 row(s) deleted from orders", res.Message)
	assert.True(t, tool.RequiresConfirmation())
}

func TestDeleteRecord_RequiresFilters(t *testing.T) {
	tool := NewDeleteRecordTool(&fakeData{})

	_, err := tool.Execute(context.Background(), map[string]any{"table": "orders"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "filters are required")
}

func TestListTables(t *testing.T) {
	tool := NewListTablesTool(&fakeData{tables: []string{"customers", "orders"}})

	res, err := tool.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "2 table(s)", res.Message)
	assert.Equal(t, []string{"customers", "orders"}, res.Data)

	empty := NewListTablesTool(&fakeData{})
	res, err = empty.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "no user tables exist yet", res.Message)
}

func TestDescribeTable(t *testing.T) {
	cols := []domain.TableColumn{
		{Name: "id", Type: "INTEGER"},
		{Name: "name", Type: "VARCHAR", Nullable: true},
	}
	tool := NewDescribeTableTool(&fakeData{cols: cols})

	res, err := tool.Execute(context.Background(), map[string]any{"table": "customers"})
	require.NoError(t, err)
	assert.Equal(t, "customers has 2 column(s)", res.Message)
	assert.Equal(t, cols, res.Data)
}

func TestDescribeTable_MissingTable(t *testing.T) {
	tool := NewDescribeTableTool(&fakeData{})

	_, err := tool.Execute(context.Background(), map[string]any{"table": "ghosts"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestRegisterDataTools(t *testing.T) {
	registry := domain.NewToolRegistry()
	require.NoError(t, RegisterDataTools(registry, &fakeData{}))

	assert.Equal(t, []string{
		"read_records", "create_record", "update_record",
		"delete_record", "list_tables", "describe_table",
	}, registry.Names())

	// Schema validation happens at the registry boundary.
	res := registry.Execute(context.Background(), "read_records", map[string]any{})
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "invalid parameters")
}
