// Package voice exposes the voice-tutor conversation channel over WebSocket.
// Speech capture and synthesis happen in the client; this channel carries
// transcribed user utterances in and assistant replies out.
package voice

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/okotova/sage/internal/chat"
	"github.com/okotova/sage/internal/domain"
	"github.com/okotova/sage/internal/identity"
)

// Handler upgrades voice connections and relays turns to the orchestrator.
type Handler struct {
	service *chat.Service
	isDev   bool
	logger  *slog.Logger
}

// NewHandler creates a voice WebSocket handler.
func NewHandler(service *chat.Service, isDev bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, isDev: isDev, logger: logger}
}

// inbound is a client frame carrying one voice utterance.
type inbound struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Directive string `json:"directive"`
}

// outbound is a server frame carrying one assistant reply.
type outbound struct {
	Type      string         `json:"type"` // "reply" or "error"
	SessionID string         `json:"session_id,omitempty"`
	Title     string         `json:"title,omitempty"`
	Created   bool           `json:"created,omitempty"`
	Reply     domain.Message `json:"reply,omitempty"`
	Model     string         `json:"model,omitempty"`
	Persisted bool           `json:"persisted,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// ServeHTTP handles GET /ws/voice.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	opts := &websocket.AcceptOptions{}
	if h.isDev {
		opts.InsecureSkipVerify = true
	}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		h.logger.Warn("voice websocket accept failed", "user_id", userID, "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("voice websocket close", "error", closeErr)
		}
	}()

	h.logger.Info("voice channel connected", "user_id", userID)
	h.relayLoop(r.Context(), ws, userID)
	h.logger.Info("voice channel disconnected", "user_id", userID)
}

// relayLoop reads utterances and writes replies until the client goes away.
// Turns are sequential per connection, matching the one-send-at-a-time
// discipline of a spoken conversation.
func (h *Handler) relayLoop(ctx context.Context, ws *websocket.Conn, userID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				return
			}
			h.logger.Warn("voice websocket read failed", "user_id", userID, "error", err)
			return
		}

		var frame inbound
		if err := json.Unmarshal(data, &frame); err != nil {
			h.writeJSON(ctx, ws, outbound{Type: "error", Error: "invalid frame"})
			continue
		}
		if frame.Text == "" {
			h.writeJSON(ctx, ws, outbound{Type: "error", Error: "text is required"})
			continue
		}

		result, err := h.service.Send(ctx, chat.SendInput{
			UserID:    userID,
			SessionID: frame.SessionID,
			Message:   frame.Text,
			Modality:  domain.ModalityVoice,
			Directive: frame.Directive,
			Channel:   "voice_ws",
		})
		if err != nil {
			if errors.Is(err, chat.ErrSessionNotFound) {
				h.writeJSON(ctx, ws, outbound{Type: "error", Error: "session not found"})
				continue
			}
			h.logger.Error("voice turn failed", "user_id", userID, "error", err)
			h.writeJSON(ctx, ws, outbound{Type: "error", Error: "failed to process utterance"})
			continue
		}

		h.writeJSON(ctx, ws, outbound{
			Type:      "reply",
			SessionID: result.Session.ID,
			Title:     result.Session.Title,
			Created:   result.Created,
			Reply:     result.Reply,
			Model:     result.Model,
			Persisted: result.Persisted,
		})
	}
}

func (h *Handler) writeJSON(ctx context.Context, ws *websocket.Conn, v outbound) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn("failed to marshal voice frame", "error", err)
		return
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		h.logger.Debug("failed to write voice frame", "error", err)
	}
}
