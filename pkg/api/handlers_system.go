package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
)

// HealthResponse is the response of GET /health.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.health))
	for name := range h.health {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := HealthResponse{Status: "ok"}
	code := http.StatusOK
	for _, name := range names {
		if resp.Checks == nil {
			resp.Checks = make(map[string]string, len(names))
		}
		if err := h.health[name].HealthCheck(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	respondWithJSON(w, code, resp)
}

// handlePull resolves the source of a started pull transfer for a bearer of
// its token.
func (h *Handler) handlePull(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	token := bearerToken(r)
	if token == "" {
		respondWithError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	source, err := h.dataPlane.Authorize(r.Context(), id, token)
	if err != nil {
		respondWithEngineError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, source)
}
