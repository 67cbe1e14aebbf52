package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func corsHandler(t *testing.T, origins []string, nextCalled *bool) http.Handler {
	t.Helper()
	return CORS(origins)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if nextCalled != nil {
			*nextCalled = true
		}
		w.WriteHeader(http.StatusNoContent)
	}))
}

func TestCORSExplicitOriginGetsCredentials(t *testing.T) {
	t.Parallel()

	handler := corsHandler(t, []string{"https://sage.example.com"}, nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://sage.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://sage.example.com" {
		t.Errorf("allow-origin = %q", got)
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("explicit origins must be granted credentials")
	}
	if rec.Header().Get("Vary") != "Origin" {
		t.Error("responses must vary on Origin")
	}
}

func TestCORSWildcardNeverGrantsCredentials(t *testing.T) {
	t.Parallel()

	handler := corsHandler(t, []string{"*"}, nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://anywhere.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://anywhere.example.com" {
		t.Errorf("allow-origin = %q", got)
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Error("wildcard matches must not be granted credentials")
	}
}

func TestCORSDisallowedOrigin(t *testing.T) {
	t.Parallel()

	handler := corsHandler(t, []string{"https://sage.example.com"}, nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin echoed: %q", got)
	}
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	t.Parallel()

	nextCalled := false
	handler := corsHandler(t, []string{"*"}, &nextCalled)
	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://sage.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if nextCalled {
		t.Error("preflight must not reach the next handler")
	}
}
