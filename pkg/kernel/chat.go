package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/emberfell/scribeOS/internal/core/domain"
	"github.com/emberfell/scribeOS/internal/core/services"
)

// chatRequest is one user turn submitted over HTTP. An empty conversation_id
// starts a new conversation.
type chatRequest struct {
	ConversationID string   `json:"conversation_id,omitempty"`
	Message        string   `json:"message"`
	Model          string   `json:"model,omitempty"`
	MaxSteps       int      `json:"max_steps,omitempty"`
	AllowedTools   []string `json:"allowed_tools,omitempty"`
}

func (c chatRequest) params() services.ChatParams {
	return services.ChatParams{
		ConversationID: domain.ConversationID(c.ConversationID),
		Message:        c.Message,
		Model:          c.Model,
		MaxSteps:       c.MaxSteps,
		AllowedTools:   c.AllowedTools,
	}
}

// handleChat runs one synchronous agent turn and returns the response
// envelope, which may be suspended on a pending action.
// POST /v1/chat
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	resp, err := s.orch.Chat(r.Context(), req.params())
	if err != nil {
		s.writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleChatStream runs one agent turn as an SSE stream. The first frame
// names the conversation; after that the run's own events flow until the
// closing done frame.
// POST /v1/chat/stream
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	convID, stream, err := s.orch.ChatStream(r.Context(), req.params())
	if err != nil {
		s.writeChatError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	fmt.Fprintf(w, "event: conversation\ndata: {\"conversation_id\":%q}\n\n", string(convID))
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			// The run's forwarder keeps draining and persists the outcome.
			return
		case ev, ok := <-stream.Events():
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload)
			flusher.Flush()
		}
	}
}

// confirmRequest names the conversation whose pending action is decided.
type confirmRequest struct {
	ConversationID string `json:"conversation_id"`
}

// handleConfirm executes the pending action and resumes the suspended run.
// POST /v1/chat/confirm
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, s.orch.Confirm)
}

// handleReject discards the pending action without executing it.
// POST /v1/chat/reject
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, s.orch.Reject)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request, decide func(context.Context, domain.ConversationID) (*domain.AgentResponse, error)) {
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	resp, err := decide(r.Context(), domain.ConversationID(req.ConversationID))
	if err != nil {
		s.writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeChatError maps orchestration failures onto HTTP statuses.
func (s *Server) writeChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrNoPendingRun):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrRunInProgressPending):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("chat turn failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
