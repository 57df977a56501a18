package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/emberfell/scribeOS/internal/core/domain"
	"github.com/emberfell/scribeOS/internal/core/ports"
)

// Repository is the DuckDB adapter. It owns two planes in one database:
// the kernel's bookkeeping tables (scribe_* prefix) and the user's own
// tables, which the record tools operate on. The scribe_* tables never
// appear in introspection results.
type Repository struct {
	db *sql.DB
}

var (
	_ ports.Repository = (*Repository)(nil)
	_ ports.DataStore  = (*Repository)(nil)
)

// NewRepository opens (or creates) the database at path and runs the
// schema migration. Use path "" for an in-memory database.
func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	r := &Repository{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return r, nil
}

func (r *Repository) migrate() error {
	stmts := []string{
		`CREATE SEQUENCE IF NOT EXISTS scribe_messages_seq`,
		`CREATE TABLE IF NOT EXISTS scribe_conversations (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scribe_messages (
			seq             BIGINT PRIMARY KEY DEFAULT nextval('scribe_messages_seq'),
			id              TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			thought         TEXT NOT NULL DEFAULT '',
			steps           TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scribe_messages_conv ON scribe_messages(conversation_id, seq)`,
		`CREATE TABLE IF NOT EXISTS scribe_agent_runs (
			conversation_id TEXT PRIMARY KEY,
			state           TEXT NOT NULL,
			updated_at      TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scribe_settings (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scribe_traces (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			status          TEXT NOT NULL,
			conversation_id TEXT NOT NULL DEFAULT '',
			root_span_id    TEXT NOT NULL DEFAULT '',
			start_time      TIMESTAMP NOT NULL,
			end_time        TIMESTAMP,
			duration_ms     BIGINT NOT NULL DEFAULT 0,
			span_count      INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS scribe_spans (
			id          TEXT PRIMARY KEY,
			trace_id    TEXT NOT NULL,
			parent_id   TEXT NOT NULL DEFAULT '',
			name        TEXT NOT NULL,
			kind        TEXT NOT NULL,
			status      TEXT NOT NULL,
			input       TEXT NOT NULL DEFAULT '',
			output      TEXT NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT '',
			model       TEXT NOT NULL DEFAULT '',
			attributes  TEXT NOT NULL DEFAULT '',
			start_time  TIMESTAMP NOT NULL,
			end_time    TIMESTAMP,
			duration_ms BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scribe_spans_trace ON scribe_spans(trace_id, start_time)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// --- conversations ---

func (r *Repository) CreateConversation(ctx context.Context, conv domain.Conversation) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO scribe_conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		string(conv.ID), conv.Title, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (r *Repository) GetConversation(ctx context.Context, id domain.ConversationID) (domain.Conversation, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM scribe_conversations WHERE id = ?`, string(id))

	var conv domain.Conversation
	var idStr string
	err := row.Scan(&idStr, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Conversation{}, domain.ErrConversationNotFound
	}
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	conv.ID = domain.ConversationID(idStr)
	return conv, nil
}

func (r *Repository) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at FROM scribe_conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := []domain.Conversation{}
	for rows.Next() {
		var conv domain.Conversation
		var idStr string
		if err := rows.Scan(&idStr, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, err
		}
		conv.ID = domain.ConversationID(idStr)
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (r *Repository) UpdateConversationTitle(ctx context.Context, id domain.ConversationID, title string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE scribe_conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now(), string(id))
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrConversationNotFound
	}
	return nil
}

func (r *Repository) DeleteConversation(ctx context.Context, id domain.ConversationID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range []string{
		`DELETE FROM scribe_messages WHERE conversation_id = ?`,
		`DELETE FROM scribe_agent_runs WHERE conversation_id = ?`,
		`DELETE FROM scribe_conversations WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, string(id)); err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
	}
	return tx.Commit()
}

// --- messages ---

func (r *Repository) AddMessage(ctx context.Context, msg domain.Message) error {
	stepsJSON := ""
	if len(msg.Steps) > 0 {
		b, err := json.Marshal(msg.Steps)
		if err != nil {
			return fmt.Errorf("marshal steps: %w", err)
		}
		stepsJSON = string(b)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO scribe_messages (id, conversation_id, role, content, thought, steps, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(msg.ID), string(msg.ConversationID), string(msg.Role),
		msg.Content, msg.Thought, stepsJSON, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE scribe_conversations SET updated_at = ? WHERE id = ?`,
		msg.CreatedAt, string(msg.ConversationID))
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return tx.Commit()
}

// ListMessages returns messages in chronological order. A positive limit
// keeps only the most recent limit messages.
func (r *Repository) ListMessages(ctx context.Context, convID domain.ConversationID, limit int) ([]domain.Message, error) {
	query := `SELECT id, conversation_id, role, content, thought, steps, created_at
		FROM scribe_messages WHERE conversation_id = ? ORDER BY seq ASC`
	args := []any{string(convID)}
	if limit > 0 {
		query = `SELECT id, conversation_id, role, content, thought, steps, created_at FROM (
			SELECT seq, id, conversation_id, role, content, thought, steps, created_at
			FROM scribe_messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := []domain.Message{}
	for rows.Next() {
		var msg domain.Message
		var idStr, convStr, roleStr, stepsJSON string
		if err := rows.Scan(&idStr, &convStr, &roleStr, &msg.Content, &msg.Thought, &stepsJSON, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.ID = domain.MessageID(idStr)
		msg.ConversationID = domain.ConversationID(convStr)
		msg.Role = domain.MessageRole(roleStr)
		if stepsJSON != "" {
			if err := json.Unmarshal([]byte(stepsJSON), &msg.Steps); err != nil {
				return nil, fmt.Errorf("unmarshal steps for %s: %w", idStr, err)
			}
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// --- paused agent runs ---

func (r *Repository) SaveAgentRun(ctx context.Context, convID domain.ConversationID, run *domain.PausedRun) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal paused run: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO scribe_agent_runs (conversation_id, state, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (conversation_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		string(convID), string(payload), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("save paused run: %w", err)
	}
	return nil
}

func (r *Repository) GetAgentRun(ctx context.Context, convID domain.ConversationID) (*domain.PausedRun, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT state FROM scribe_agent_runs WHERE conversation_id = ?`, string(convID))

	var payload string
	err := row.Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNoPendingRun
	}
	if err != nil {
		return nil, fmt.Errorf("get paused run: %w", err)
	}

	var run domain.PausedRun
	if err := json.Unmarshal([]byte(payload), &run); err != nil {
		return nil, fmt.Errorf("unmarshal paused run: %w", err)
	}
	return &run, nil
}

func (r *Repository) DeleteAgentRun(ctx context.Context, convID domain.ConversationID) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM scribe_agent_runs WHERE conversation_id = ?`, string(convID))
	return err
}

// --- settings ---

// GetSetting returns the stored value, or "" when the key was never set.
func (r *Repository) GetSetting(ctx context.Context, key string) (string, error) {
	row := r.db.QueryRowContext(ctx, `SELECT value FROM scribe_settings WHERE key = ?`, key)

	var value string
	err := row.Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

func (r *Repository) SaveSetting(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO scribe_settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("save setting %s: %w", key, err)
	}
	return nil
}
