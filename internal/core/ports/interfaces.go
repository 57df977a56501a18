package ports

import (
	"context"

	"github.com/emberfell/scribeOS/internal/core/domain"
)

// Repository abstracts the persistent storage (DuckDB)
type Repository interface {
	// Conversations
	CreateConversation(ctx context.Context, conv domain.Conversation) error
	GetConversation(ctx context.Context, id domain.ConversationID) (domain.Conversation, error)
	ListConversations(ctx context.Context) ([]domain.Conversation, error)
	UpdateConversationTitle(ctx context.Context, id domain.ConversationID, title string) error
	DeleteConversation(ctx context.Context, id domain.ConversationID) error

	// Messages
	AddMessage(ctx context.Context, msg domain.Message) error
	ListMessages(ctx context.Context, convID domain.ConversationID, limit int) ([]domain.Message, error)

	// Paused agent runs, keyed by conversation. A run is saved when it
	// suspends on a confirmation and deleted once it reaches a terminal
	// status.
	SaveAgentRun(ctx context.Context, convID domain.ConversationID, run *domain.PausedRun) error
	GetAgentRun(ctx context.Context, convID domain.ConversationID) (*domain.PausedRun, error)
	DeleteAgentRun(ctx context.Context, convID domain.ConversationID) error

	// Settings
	GetSetting(ctx context.Context, key string) (string, error)
	SaveSetting(ctx context.Context, key string, value string) error
}

// DataStore is the CRUD data plane the record tools operate on: the user's
// own tables, as opposed to the kernel's internal bookkeeping tables.
type DataStore interface {
	// ListTables returns user table names, hiding internal tables.
	ListTables(ctx context.Context) ([]string, error)
	// DescribeTable returns the columns of one user table.
	DescribeTable(ctx context.Context, table string) ([]domain.TableColumn, error)
	// QueryRows runs a SELECT and returns rows as column-to-value maps.
	QueryRows(ctx context.Context, query string, args ...any) ([]map[string]any, error)
	// ExecStatement runs an INSERT/UPDATE/DELETE and returns affected rows.
	ExecStatement(ctx context.Context, stmt string, args ...any) (int64, error)
}
