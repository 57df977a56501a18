package duckdb

import (
	"context"
	"fmt"

	"github.com/emberfell/scribeOS/internal/core/domain"
)

// ListTables returns the user tables in the main schema. Kernel tables
// (scribe_* prefix) are excluded.
func (r *Repository) ListTables(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = 'main'
		  AND table_name NOT LIKE 'scribe\_%' ESCAPE '\'
		ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// DescribeTable returns the columns of one user table in declaration order.
// Kernel tables are invisible here too: describing one returns no columns.
func (r *Repository) DescribeTable(ctx context.Context, table string) ([]domain.TableColumn, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT column_name, data_type, is_nullable FROM information_schema.columns
		WHERE table_schema = 'main'
		  AND table_name = ?
		  AND table_name NOT LIKE 'scribe\_%' ESCAPE '\'
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	defer rows.Close()

	out := []domain.TableColumn{}
	for rows.Next() {
		var col domain.TableColumn
		var nullable string
		if err := rows.Scan(&col.Name, &col.Type, &nullable); err != nil {
			return nil, err
		}
		col.Nullable = nullable == "YES"
		out = append(out, col)
	}
	return out, rows.Err()
}

// QueryRows runs a SELECT and returns the rows as column-to-value maps, in
// result order.
func (r *Repository) QueryRows(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ExecStatement runs a mutation and returns the number of affected rows.
func (r *Repository) ExecStatement(ctx context.Context, stmt string, args ...any) (int64, error) {
	res, err := r.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SeedDemo creates small customers/orders tables with sample rows so the
// agent has data to operate on out of the box. Idempotent: existing rows
// are left alone.
func (r *Repository) SeedDemo(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS customers (
			id    INTEGER PRIMARY KEY,
			name  VARCHAR NOT NULL,
			email VARCHAR,
			city  VARCHAR
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id          INTEGER PRIMARY KEY,
			customer_id INTEGER NOT NULL,
			status      VARCHAR NOT NULL,
			total       DOUBLE NOT NULL
		)`,
	}
	for _, stmt := range ddl {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("seed ddl: %w", err)
		}
	}

	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM customers`).Scan(&count); err != nil {
		return fmt.Errorf("seed count: %w", err)
	}
	if count > 0 {
		return nil
	}

	seed := []struct {
		stmt string
		args []any
	}{
		{`INSERT INTO customers VALUES (?, ?, ?, ?)`, []any{1, "Ada Lovelace", "ada@example.com", "London"}},
		{`INSERT INTO customers VALUES (?, ?, ?, ?)`, []any{2, "Grace Hopper", "grace@example.com", "New York"}},
		{`INSERT INTO customers VALUES (?, ?, ?, ?)`, []any{3, "Linus Pauling", "linus@example.com", "Portland"}},
		{`INSERT INTO orders VALUES (?, ?, ?, ?)`, []any{1, 1, "open", 120.50}},
		{`INSERT INTO orders VALUES (?, ?, ?, ?)`, []any{2, 1, "shipped", 32.00}},
		{`INSERT INTO orders VALUES (?, ?, ?, ?)`, []any{3, 2, "open", 540.25}},
		{`INSERT INTO orders VALUES (?, ?, ?, ?)`, []any{4, 3, "cancelled", 75.10}},
	}
	for _, s := range seed {
		if _, err := r.db.ExecContext(ctx, s.stmt, s.args...); err != nil {
			return fmt.Errorf("seed insert: %w", err)
		}
	}
	return nil
}
