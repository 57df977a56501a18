package kernel

import (
	"errors"
	"net/http"

	"github.com/oapi-codegen/runtime"

	"github.com/emberfell/scribeOS/internal/core/domain"
)

// handleListConversations lists conversations, most recently updated first.
// GET /v1/conversations?limit=&offset=
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	var limit, offset *int
	if err := runtime.BindQueryParameter("form", true, false, "limit", r.URL.Query(), &limit); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit: "+err.Error())
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "offset", r.URL.Query(), &offset); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset: "+err.Error())
		return
	}

	convs, err := s.orch.Conversations(r.Context())
	if err != nil {
		s.logger.Error("failed to list conversations", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	convs = pageConversations(convs, offset, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": convs,
		"count":         len(convs),
	})
}

// pageConversations applies the optional offset/limit window to a listing.
func pageConversations(convs []domain.Conversation, offset, limit *int) []domain.Conversation {
	if offset != nil && *offset > 0 {
		if *offset >= len(convs) {
			return []domain.Conversation{}
		}
		convs = convs[*offset:]
	}
	if limit != nil && *limit >= 0 && *limit < len(convs) {
		convs = convs[:*limit]
	}
	if convs == nil {
		convs = []domain.Conversation{}
	}
	return convs
}

// handleListMessages returns a conversation's messages in chronological
// order, keeping the most recent ones when a limit is set.
// GET /v1/conversations/{id}/messages?limit=
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := domain.ConversationID(r.PathValue("id"))

	var limit *int
	if err := runtime.BindQueryParameter("form", true, false, "limit", r.URL.Query(), &limit); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit: "+err.Error())
		return
	}
	n := 50
	if limit != nil && *limit > 0 {
		n = *limit
	}

	msgs, err := s.orch.Messages(r.Context(), id, n)
	if err != nil {
		if errors.Is(err, domain.ErrConversationNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.logger.Error("failed to list messages", "conversation_id", string(id), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"count":    len(msgs),
	})
}

// handleDeleteConversation removes a conversation, its messages, and any
// paused run waiting on confirmation.
// DELETE /v1/conversations/{id}
func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := domain.ConversationID(r.PathValue("id"))

	if err := s.orch.DeleteConversation(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrConversationNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.logger.Error("failed to delete conversation", "conversation_id", string(id), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
