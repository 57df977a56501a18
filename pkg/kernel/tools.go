package kernel

import "net/http"

// handleListTools returns the registered tools with their parameter schemas
// and confirmation flags, in registration order.
// GET /v1/tools
func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools := s.orch.ToolCatalog()
	writeJSON(w, http.StatusOK, map[string]any{
		"tools": tools,
		"count": len(tools),
	})
}
