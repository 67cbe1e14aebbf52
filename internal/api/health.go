package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/okotova/sage/internal/config"
	"github.com/okotova/sage/internal/store"
)

// HealthHandler serves readiness information.
type HealthHandler struct {
	repo store.Repository
	cfg  *config.Config
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(repo store.Repository, cfg *config.Config) *HealthHandler {
	return &HealthHandler{repo: repo, cfg: cfg}
}

// RegisterHealth registers readiness routes. Liveness is served by the
// router's heartbeat middleware.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health/ready", h.handleReady)
}

func (h *HealthHandler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]any{
		"database":       "ok",
		"generation_key": h.cfg.Generation.APIKey != "",
		"model_chain":    h.cfg.Generation.ModelChain,
	}

	if err := h.repo.Ping(ctx); err != nil {
		status["database"] = "unreachable"
		JSON(w, http.StatusServiceUnavailable, status)
		return
	}

	JSON(w, http.StatusOK, status)
}
