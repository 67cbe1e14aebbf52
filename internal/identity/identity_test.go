package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okotova/sage/internal/domain"
	"github.com/okotova/sage/internal/store"
)

type fakeRepo struct {
	mu    sync.Mutex
	users map[string]*domain.User

	lastSeenCalls atomic.Int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{users: make(map[string]*domain.User)}
}

func (f *fakeRepo) GetUser(_ context.Context, userID string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[userID], nil
}

func (f *fakeRepo) UpsertUser(_ context.Context, user *domain.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.UserID] = user
	return nil
}

func (f *fakeRepo) UpdateLastSeen(context.Context, string, time.Time) error {
	f.lastSeenCalls.Add(1)
	return nil
}

func (f *fakeRepo) ListSessions(context.Context, string) ([]*domain.Session, error) {
	return nil, nil
}

func (f *fakeRepo) GetSession(context.Context, string) (*domain.Session, error) { return nil, nil }
func (f *fakeRepo) UpsertSession(context.Context, *domain.Session) error        { return nil }
func (f *fakeRepo) UpdateSessionTitle(context.Context, string, string) error    { return nil }
func (f *fakeRepo) DeleteSession(context.Context, string) error                 { return nil }
func (f *fakeRepo) UserScores(context.Context) ([]store.UserScore, error)       { return nil, nil }

func (f *fakeRepo) RecentQuizResults(context.Context, string, int) ([]domain.QuizResult, error) {
	return nil, nil
}

func (f *fakeRepo) OpenResearchProjects(context.Context, string, int) ([]domain.ResearchProject, error) {
	return nil, nil
}

func (f *fakeRepo) SavedMaterialTopics(context.Context, string, int) ([]domain.SavedMaterial, error) {
	return nil, nil
}

func (f *fakeRepo) CommunityPostCount(context.Context, string) (int, error) { return 0, nil }
func (f *fakeRepo) Ping(context.Context) error                              { return nil }
func (f *fakeRepo) Close() error                                            { return nil }

func echoUserID() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(UserIDFromContext(r.Context())))
	})
}

func TestMiddlewareIssuesIdentity(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	handler := Middleware(repo, true)(echoUserID())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	userID := rec.Body.String()
	if !isValidAnonID(userID) {
		t.Fatalf("issued id %q is not a valid anonymous id", userID)
	}

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == AnonCookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("identity cookie not set")
	}
	if cookie.Value != userID {
		t.Errorf("cookie %q does not match context id %q", cookie.Value, userID)
	}
	if !cookie.HttpOnly {
		t.Error("identity cookie must be http-only")
	}

	// The user record is created on first contact.
	user, _ := repo.GetUser(context.Background(), userID)
	if user == nil {
		t.Fatal("user not created")
	}
	if user.Username == "" {
		t.Error("username not derived")
	}
}

func TestMiddlewareReusesValidCookie(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	handler := Middleware(repo, true)(echoUserID())
	const existing = "anon_0123456789abcdef0123456789abcdef"

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: existing})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Body.String(); got != existing {
		t.Errorf("expected existing id %q reused, got %q", existing, got)
	}
}

func TestMiddlewareRejectsForgedCookie(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	handler := Middleware(repo, true)(echoUserID())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "anon_../../etc/passwd"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	got := rec.Body.String()
	if got == "anon_../../etc/passwd" {
		t.Fatal("forged cookie value accepted")
	}
	if !isValidAnonID(got) {
		t.Errorf("replacement id %q is not valid", got)
	}
}

func TestMiddlewareUpdatesLastSeen(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	handler := Middleware(repo, true)(echoUserID())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "anon_0123456789abcdef0123456789abcdef"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// The presence write happens off the request path.
	deadline := time.Now().Add(2 * time.Second)
	for repo.lastSeenCalls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("last_seen never updated")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDeriveUsername(t *testing.T) {
	t.Parallel()

	if got := deriveUsername("anon_0123456789abcdef0123456789abcdef"); got != "learner-89abcdef" {
		t.Errorf("unexpected username %q", got)
	}
	if got := deriveUsername("short"); got != "learner" {
		t.Errorf("unexpected fallback username %q", got)
	}
}
