package chat

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/okotova/sage/internal/config"
	"github.com/okotova/sage/internal/identity"
)

const testAnonID = "anon_0123456789abcdef0123456789abcdef"

func newTestRouter(t *testing.T, repo *memRepo, gateway *fakeGateway, rateCfg config.RateLimitConfig) http.Handler {
	t.Helper()
	handler := NewHandler(newTestService(repo, gateway), rateCfg)
	t.Cleanup(handler.Close)

	r := chi.NewRouter()
	r.Use(identity.Middleware(repo, true))
	handler.RegisterRoutes(r)
	return r
}

func defaultRateCfg() config.RateLimitConfig {
	return config.RateLimitConfig{RequestsPerWindow: 100, WindowDuration: time.Minute}
}

func doRequest(t *testing.T, router http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.AddCookie(&http.Cookie{Name: identity.AnonCookieName, Value: testAnonID})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandleSend(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, newMemRepo(), &fakeGateway{reply: "an answer"}, defaultRateCfg())

	rec := doRequest(t, router, http.MethodPost, "/api/chat/send", `{"message": "what is osmosis?"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp turnResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Created || resp.SessionID == "" {
		t.Errorf("expected a created session, got %+v", resp)
	}
	if resp.Reply.Content != "an answer" {
		t.Errorf("unexpected reply %q", resp.Reply.Content)
	}
	if resp.Model != "model-a" {
		t.Errorf("expected serving model in response, got %q", resp.Model)
	}
}

func TestHandleSendValidation(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, newMemRepo(), &fakeGateway{reply: "ok"}, defaultRateCfg())

	cases := []struct {
		name string
		body string
		want int
	}{
		{"empty message", `{"message": ""}`, http.StatusBadRequest},
		{"malformed json", `{"message": `, http.StatusBadRequest},
		{"document modality rejected", `{"message": "hi", "modality": "document"}`, http.StatusBadRequest},
		{"unknown modality", `{"message": "hi", "modality": "hologram"}`, http.StatusBadRequest},
		{"unknown session", `{"message": "hi", "session_id": "nope"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := doRequest(t, router, http.MethodPost, "/api/chat/send", tc.body)
			if rec.Code != tc.want {
				t.Errorf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandleDocumentSend(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, newMemRepo(), &fakeGateway{reply: "per the document..."}, defaultRateCfg())

	rec := doRequest(t, router, http.MethodPost, "/api/documents/chat",
		`{"message": "summarize", "document_text": "The water cycle describes..."}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp turnResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Modality != "document" {
		t.Errorf("expected document modality, got %q", resp.Modality)
	}

	// Document bodies are never persisted, so every turn must carry one.
	rec = doRequest(t, router, http.MethodPost, "/api/documents/chat", `{"message": "summarize"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without document_text, got %d", rec.Code)
	}
	rec = doRequest(t, router, http.MethodPost, "/api/documents/chat",
		`{"message": "and in more detail?", "session_id": "`+resp.SessionID+`"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a follow-up without document_text, got %d", rec.Code)
	}

	// Follow-up turns reuse the stored conversation but re-send the text.
	rec = doRequest(t, router, http.MethodPost, "/api/documents/chat",
		`{"message": "and in more detail?", "session_id": "`+resp.SessionID+`", "document_text": "The water cycle describes..."}`)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for a follow-up, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleSessionLifecycle(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, newMemRepo(), &fakeGateway{reply: "ok"}, defaultRateCfg())

	rec := doRequest(t, router, http.MethodPost, "/api/chat/send", `{"message": "first chat"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("send failed: %d", rec.Code)
	}
	var first turnResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	rec = doRequest(t, router, http.MethodGet, "/api/chat/sessions?modality=text", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list failed: %d", rec.Code)
	}
	var list struct {
		Sessions []sessionSummary `json:"sessions"`
		ActiveID string           `json:"active_session_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Sessions) != 1 || list.ActiveID != first.SessionID {
		t.Errorf("unexpected list: %+v", list)
	}
	if list.Sessions[0].MessageCount != 2 {
		t.Errorf("expected 2 messages in summary, got %d", list.Sessions[0].MessageCount)
	}

	rec = doRequest(t, router, http.MethodGet, "/api/chat/sessions/"+first.SessionID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get failed: %d", rec.Code)
	}

	rec = doRequest(t, router, http.MethodDelete, "/api/chat/sessions/"+first.SessionID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete failed: %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, router, http.MethodGet, "/api/chat/sessions/"+first.SessionID, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestHandleActivate(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, newMemRepo(), &fakeGateway{reply: "ok"}, defaultRateCfg())

	rec := doRequest(t, router, http.MethodPost, "/api/chat/send", `{"message": "older"}`)
	var older turnResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &older); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	doRequest(t, router, http.MethodPost, "/api/chat/send", `{"message": "newer"}`)

	rec = doRequest(t, router, http.MethodPost, "/api/chat/sessions/"+older.SessionID+"/activate", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("activate failed: %d", rec.Code)
	}

	rec = doRequest(t, router, http.MethodGet, "/api/chat/sessions", "")
	var list struct {
		ActiveID string `json:"active_session_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.ActiveID != older.SessionID {
		t.Errorf("expected %q active, got %q", older.SessionID, list.ActiveID)
	}

	rec = doRequest(t, router, http.MethodPost, "/api/chat/sessions/nope/activate", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandleSendRateLimited(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, newMemRepo(), &fakeGateway{reply: "ok"},
		config.RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute})

	for i := 0; i < 2; i++ {
		rec := doRequest(t, router, http.MethodPost, "/api/chat/send", `{"message": "hi"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d failed: %d", i+1, rec.Code)
		}
	}
	rec := doRequest(t, router, http.MethodPost, "/api/chat/send", `{"message": "hi"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 past the window limit, got %d", rec.Code)
	}
}
