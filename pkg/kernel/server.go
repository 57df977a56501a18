package kernel

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/emberfell/scribeOS/internal/config"
	"github.com/emberfell/scribeOS/internal/core/domain"
	"github.com/emberfell/scribeOS/internal/core/services"
)

// TraceArchive is the persisted fallback behind the in-memory trace ring.
type TraceArchive interface {
	ListPersistedTraces(ctx context.Context, limit int) ([]domain.TraceSummary, error)
	GetPersistedTrace(ctx context.Context, id domain.TraceID) (*domain.Trace, error)
}

// Server exposes the kernel HTTP API: chat turns with the confirmation
// handshake, conversation history, tool and model catalogs, settings,
// and traces.
type Server struct {
	logger    *slog.Logger
	orch      *services.Orchestrator
	bus       *services.EventBus
	settings  *config.SettingsStore
	discovery *services.ModelDiscovery
	tracer    *services.TraceCollector
	archive   TraceArchive
}

func NewServer(
	logger *slog.Logger,
	orch *services.Orchestrator,
	bus *services.EventBus,
	settings *config.SettingsStore,
	discovery *services.ModelDiscovery,
	tracer *services.TraceCollector,
	archive TraceArchive,
) *Server {
	return &Server{
		logger:    logger,
		orch:      orch,
		bus:       bus,
		settings:  settings,
		discovery: discovery,
		tracer:    tracer,
		archive:   archive,
	}
}

// Handler mounts every kernel route on a fresh mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("POST /v1/chat/stream", s.handleChatStream)
	mux.HandleFunc("POST /v1/chat/confirm", s.handleConfirm)
	mux.HandleFunc("POST /v1/chat/reject", s.handleReject)

	mux.HandleFunc("GET /v1/conversations", s.handleListConversations)
	mux.HandleFunc("GET /v1/conversations/{id}/messages", s.handleListMessages)
	mux.HandleFunc("GET /v1/conversations/{id}/events", s.handleConversationSSE)
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.handleDeleteConversation)

	mux.HandleFunc("GET /v1/tools", s.handleListTools)
	mux.HandleFunc("GET /v1/models", s.handleListModels)

	mux.HandleFunc("GET /v1/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /v1/settings", s.handleUpdateSettings)

	mux.HandleFunc("GET /v1/traces", s.handleListTraces)
	mux.HandleFunc("GET /v1/traces/{id}", s.handleGetTrace)

	mux.HandleFunc("GET /v1/health", s.handleHealth)

	return mux
}

// handleHealth reports liveness.
// GET /v1/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
