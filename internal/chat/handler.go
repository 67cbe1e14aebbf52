package chat

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/okotova/sage/internal/api"
	"github.com/okotova/sage/internal/config"
	"github.com/okotova/sage/internal/domain"
	"github.com/okotova/sage/internal/identity"
)

// maxRequestBodySize bounds chat request bodies. Document turns carry the
// extracted document text, so the cap is generous.
const maxRequestBodySize = 4 << 20 // 4MB

// Handler exposes the session orchestrator over HTTP.
type Handler struct {
	service     *Service
	rateLimiter *RateLimiter
}

// NewHandler creates a chat HTTP handler.
func NewHandler(service *Service, cfg config.RateLimitConfig) *Handler {
	return &Handler{
		service:     service,
		rateLimiter: NewRateLimiter(cfg.RequestsPerWindow, cfg.WindowDuration),
	}
}

// RegisterRoutes registers chat routes (behind the identity middleware).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Post("/send", h.handleSend)
		r.Get("/sessions", h.handleListSessions)
		r.Get("/sessions/{sessionID}", h.handleGetSession)
		r.Delete("/sessions/{sessionID}", h.handleDeleteSession)
		r.Post("/sessions/{sessionID}/activate", h.handleActivate)
	})
	r.Post("/api/documents/chat", h.handleDocumentSend)
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.rateLimiter.Close()
}

type sendRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Modality  string `json:"modality"`
	Directive string `json:"directive"`
}

type documentSendRequest struct {
	SessionID    string `json:"session_id"`
	Message      string `json:"message"`
	Directive    string `json:"directive"`
	DocumentText string `json:"document_text"`
}

type turnResponse struct {
	SessionID string          `json:"session_id"`
	Title     string          `json:"title"`
	Created   bool            `json:"created"`
	Reply     domain.Message  `json:"reply"`
	Model     string          `json:"model,omitempty"`
	Persisted bool            `json:"persisted"`
	Modality  domain.Modality `json:"modality"`
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if !h.rateLimiter.Allow(userID) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		api.Error(w, http.StatusBadRequest, "message is required")
		return
	}

	modality := domain.Modality(req.Modality)
	if req.Modality == "" {
		modality = domain.ModalityText
	}
	if !modality.IsValid() || modality == domain.ModalityDocument {
		api.Error(w, http.StatusBadRequest, "invalid modality")
		return
	}

	start := time.Now()
	result, err := h.service.Send(r.Context(), SendInput{
		UserID:    userID,
		SessionID: req.SessionID,
		Message:   req.Message,
		Modality:  modality,
		Directive: req.Directive,
		Channel:   "chat_http",
	})
	if err != nil {
		h.writeSendError(w, err)
		return
	}

	slog.Info("chat turn settled",
		"user_id", userID,
		"session_id", result.Session.ID,
		"model", result.Model,
		"created", result.Created,
		"persisted", result.Persisted,
		"duration", time.Since(start),
	)

	api.JSON(w, http.StatusOK, turnResult(result))
}

func (h *Handler) handleDocumentSend(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if !h.rateLimiter.Allow(userID) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req documentSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		api.Error(w, http.StatusBadRequest, "message is required")
		return
	}
	// The engine never persists document bodies, so every document turn
	// must carry the extracted text or the answer loses its grounding.
	if req.DocumentText == "" {
		api.Error(w, http.StatusBadRequest, "document_text is required")
		return
	}

	result, err := h.service.Send(r.Context(), SendInput{
		UserID:       userID,
		SessionID:    req.SessionID,
		Message:      req.Message,
		Modality:     domain.ModalityDocument,
		Directive:    req.Directive,
		DocumentText: req.DocumentText,
		Channel:      "document_http",
	})
	if err != nil {
		h.writeSendError(w, err)
		return
	}

	api.JSON(w, http.StatusOK, turnResult(result))
}

func (h *Handler) writeSendError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrSessionNotFound) {
		api.Error(w, http.StatusNotFound, "session not found")
		return
	}
	slog.Error("chat turn failed", "error", err)
	api.Error(w, http.StatusInternalServerError, "failed to process message")
}

func turnResult(result *TurnResult) turnResponse {
	return turnResponse{
		SessionID: result.Session.ID,
		Title:     result.Session.Title,
		Created:   result.Created,
		Reply:     result.Reply,
		Model:     result.Model,
		Persisted: result.Persisted,
		Modality:  result.Session.Modality,
	}
}

type sessionSummary struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Modality     domain.Modality `json:"modality"`
	MessageCount int             `json:"message_count"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	modality := domain.Modality(r.URL.Query().Get("modality"))
	if modality != "" && !modality.IsValid() {
		api.Error(w, http.StatusBadRequest, "invalid modality")
		return
	}

	sessions, activeID, err := h.service.ListSessions(r.Context(), userID, modality)
	if err != nil {
		slog.Error("failed to list sessions", "user_id", userID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	summaries := make([]sessionSummary, 0, len(sessions))
	for _, session := range sessions {
		summaries = append(summaries, sessionSummary{
			ID:           session.ID,
			Title:        session.Title,
			Modality:     session.Modality,
			MessageCount: len(session.Messages),
			CreatedAt:    session.CreatedAt,
			UpdatedAt:    session.UpdatedAt,
		})
	}

	api.JSON(w, http.StatusOK, map[string]any{
		"sessions":          summaries,
		"active_session_id": activeID,
	})
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	session, err := h.service.GetSession(r.Context(), userID, chi.URLParam(r, "sessionID"))
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			api.Error(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("failed to get session", "user_id", userID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to get session")
		return
	}

	api.JSON(w, http.StatusOK, session)
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	result, err := h.service.DeleteSession(r.Context(), userID, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			api.Error(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("failed to delete session", "user_id", userID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to delete session")
		return
	}

	slog.Info("session deleted",
		"user_id", userID,
		"session_id", sessionID,
		"was_active", result.WasActive,
		"replacement_id", result.ReplacementID,
		"persisted", result.Persisted,
	)

	api.JSON(w, http.StatusOK, map[string]any{
		"deleted":        true,
		"was_active":     result.WasActive,
		"replacement_id": result.ReplacementID,
		"persisted":      result.Persisted,
	})
}

func (h *Handler) handleActivate(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	err := h.service.SetActive(r.Context(), userID, chi.URLParam(r, "sessionID"))
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			api.Error(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("failed to activate session", "user_id", userID, "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to activate session")
		return
	}

	api.JSON(w, http.StatusOK, map[string]any{"activated": true})
}
