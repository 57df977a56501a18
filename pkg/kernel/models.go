package kernel

import (
	"net/http"

	"github.com/emberfell/scribeOS/internal/core/domain"
)

// handleListModels probes the configured Ollama host for installed models.
// A failed probe yields an empty catalog, not an error: the host may simply
// not be running yet.
// GET /v1/models
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	baseURL := s.settings.GetConfig().Providers.LLM.LocalURL

	models, err := s.discovery.DiscoverOllama(r.Context(), baseURL)
	if err != nil {
		s.logger.Warn("ollama model discovery failed", "base_url", baseURL, "error", err)
		models = nil
	}
	if models == nil {
		models = []domain.ModelSpec{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"models": models,
		"count":  len(models),
	})
}
