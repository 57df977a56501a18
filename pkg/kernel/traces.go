package kernel

import (
	"net/http"

	"github.com/oapi-codegen/runtime"

	"github.com/emberfell/scribeOS/internal/core/domain"
)

// handleListTraces lists recent traces, newest first. The in-memory ring is
// consulted first; when it is empty the persisted archive answers instead,
// so traces survive a kernel restart.
// GET /v1/traces?limit=
func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	var limitParam *int
	if err := runtime.BindQueryParameter("form", true, false, "limit", r.URL.Query(), &limitParam); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit: "+err.Error())
		return
	}
	limit := 50
	if limitParam != nil && *limitParam > 0 {
		limit = *limitParam
	}
	if limit > 500 {
		limit = 500
	}

	traces := s.tracer.ListTraces(limit)
	if len(traces) == 0 && s.archive != nil {
		persisted, err := s.archive.ListPersistedTraces(r.Context(), limit)
		if err != nil {
			s.logger.Warn("failed to list persisted traces", "error", err)
		} else {
			traces = persisted
		}
	}
	if traces == nil {
		traces = []domain.TraceSummary{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"traces": traces,
		"count":  len(traces),
	})
}

// handleGetTrace returns one trace with its spans, falling back to the
// archive when the ring has already evicted it.
// GET /v1/traces/{id}
func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	id := domain.TraceID(r.PathValue("id"))

	trace, err := s.tracer.GetTrace(id)
	if err != nil && s.archive != nil {
		trace, err = s.archive.GetPersistedTrace(r.Context(), id)
	}
	if err != nil {
		writeError(w, http.StatusNotFound, "trace not found")
		return
	}

	writeJSON(w, http.StatusOK, trace)
}
