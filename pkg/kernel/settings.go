package kernel

import (
	"encoding/json"
	"net/http"

	"github.com/emberfell/scribeOS/internal/core/domain"
)

// handleGetSettings returns the active config with secrets masked.
// GET /v1/settings
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.GetMaskedConfig())
}

// handleUpdateSettings applies a config update and returns the masked
// result. Sending back the masked api_key from GET keeps the stored secret.
// PUT /v1/settings
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var update domain.AppConfig
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := s.settings.UpdateConfig(r.Context(), &update); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, s.settings.GetMaskedConfig())
}
