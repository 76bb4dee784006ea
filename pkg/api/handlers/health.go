package handlers

import (
	"context"
	"net/http"
	"time"
)

// HealthHandler handles the unauthenticated health probes.
type HealthHandler struct {
	// ready checks downstream dependencies (metadata plane, blob backend).
	// Nil means liveness-only: readiness always succeeds.
	ready func(ctx context.Context) error
}

// NewHealthHandler creates a new health handler. ready may be nil.
func NewHealthHandler(ready func(ctx context.Context) error) *HealthHandler {
	return &HealthHandler{ready: ready}
}

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Liveness handles GET /health.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// Readiness handles GET /health/ready. It fails with 503 when a downstream
// dependency is unreachable.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.ready == nil {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.ready(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status: "unavailable",
			Error:  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
