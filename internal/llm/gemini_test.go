package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func geminiTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func replyWith(text string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]string{{"text": text}}}},
			},
		})
	}
}

func TestGeminiGenerate(t *testing.T) {
	t.Parallel()

	var captured geminiRequest
	server := geminiTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "models/gemini-test:generateContent") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("api key missing from query, got %q", r.URL.RawQuery)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		replyWith("generated answer")(w, r)
	})

	provider := NewGeminiProvider(server.URL, StaticKey("test-key"), 5*time.Second)
	text, err := provider.Generate(context.Background(), "gemini-test", []ChatMessage{
		{Role: RoleSystem, Text: "be helpful"},
		{Role: RoleUser, Text: "hello"},
		{Role: RoleAssistant, Text: "hi there"},
		{Role: RoleUser, Text: "explain osmosis"},
	}, GenerateOptions{Temperature: 0.7})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != "generated answer" {
		t.Errorf("unexpected text %q", text)
	}

	if captured.SystemInstruction == nil || captured.SystemInstruction.Parts[0].Text != "be helpful" {
		t.Error("system instruction must travel out of band")
	}
	if len(captured.Contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(captured.Contents))
	}
	if captured.Contents[1].Role != "model" {
		t.Errorf("assistant turns must map to role model, got %q", captured.Contents[1].Role)
	}
}

func TestGeminiStructuredRequestsJSONMimeType(t *testing.T) {
	t.Parallel()

	var captured geminiRequest
	server := geminiTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		replyWith(`{"title": "ok"}`)(w, r)
	})

	provider := NewGeminiProvider(server.URL, StaticKey("test-key"), 5*time.Second)
	if _, err := provider.Generate(context.Background(), "m", []ChatMessage{{Role: RoleUser, Text: "hi"}}, GenerateOptions{Structured: true}); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if captured.GenerationConfig.ResponseMimeType != "application/json" {
		t.Errorf("structured requests must set responseMimeType, got %q", captured.GenerationConfig.ResponseMimeType)
	}
}

func TestGeminiStatusClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, ErrRateLimited},
		{"server error", http.StatusInternalServerError, ErrServer},
		{"bad gateway", http.StatusBadGateway, ErrServer},
		{"unauthorized", http.StatusUnauthorized, ErrUnauthorized},
		{"forbidden", http.StatusForbidden, ErrUnauthorized},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			server := geminiTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			})
			provider := NewGeminiProvider(server.URL, StaticKey("test-key"), 5*time.Second)
			_, err := provider.Generate(context.Background(), "m", []ChatMessage{{Role: RoleUser, Text: "hi"}}, GenerateOptions{})
			if !errors.Is(err, tc.want) {
				t.Errorf("status %d classified as %v, want %v", tc.status, err, tc.want)
			}
		})
	}
}

func TestGeminiEmptyCandidates(t *testing.T) {
	t.Parallel()

	server := geminiTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates": []}`))
	})
	provider := NewGeminiProvider(server.URL, StaticKey("test-key"), 5*time.Second)
	_, err := provider.Generate(context.Background(), "m", []ChatMessage{{Role: RoleUser, Text: "hi"}}, GenerateOptions{})
	if !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("expected ErrEmptyPayload, got %v", err)
	}
}

func TestGeminiKeyInvalidatedOnAuthFailure(t *testing.T) {
	t.Parallel()

	var rejected atomic.Bool
	server := geminiTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if rejected.CompareAndSwap(false, true) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		replyWith("ok")(w, r)
	})

	var resolves atomic.Int64
	keyFn := func() (string, error) {
		resolves.Add(1)
		return "test-key", nil
	}
	provider := NewGeminiProvider(server.URL, keyFn, 5*time.Second)

	messages := []ChatMessage{{Role: RoleUser, Text: "hi"}}
	if _, err := provider.Generate(context.Background(), "m", messages, GenerateOptions{}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := provider.Generate(context.Background(), "m", messages, GenerateOptions{}); err != nil {
		t.Fatalf("expected recovery after key re-resolution, got %v", err)
	}
	if n := resolves.Load(); n != 2 {
		t.Errorf("expected the key to be re-resolved after the auth failure, got %d resolves", n)
	}
}

func TestStaticKeyEmpty(t *testing.T) {
	t.Parallel()

	provider := NewGeminiProvider("http://unused", StaticKey(""), time.Second)
	_, err := provider.Generate(context.Background(), "m", []ChatMessage{{Role: RoleUser, Text: "hi"}}, GenerateOptions{})
	if err == nil {
		t.Fatal("expected an error for a missing api key")
	}
}

func TestStripFences(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"```\n{\"a\": 1}\n```", `{"a": 1}`},
		{`{"a": 1}`, `{"a": 1}`},
		{"  plain text  ", "plain text"},
	}
	for _, tc := range cases {
		if got := StripFences(tc.in); got != tc.want {
			t.Errorf("StripFences(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
