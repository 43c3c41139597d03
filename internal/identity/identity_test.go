package identity

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/fastfollow/internal/store"
)

func newRepo(t *testing.T) store.Repository {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "identity.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestMiddlewareAssignsIdentity(t *testing.T) {
	repo := newRepo(t)
	var gotUser, gotSession string
	h := Middleware(repo, true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		gotUser = UserIDFromContext(r.Context())
		gotSession = SessionIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	req.Header.Set(SessionHeaderName, "tab-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if !isValidAnonID(gotUser) {
		t.Fatalf("Expected a valid anonymous ID, got %q", gotUser)
	}
	if gotSession != "tab-1" {
		t.Errorf("Expected session tab-1, got %q", gotSession)
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("Expected 1 cookie, got %d", len(cookies))
	}
	if cookies[0].Name != AnonCookieName || cookies[0].Value != gotUser {
		t.Errorf("Unexpected cookie %s=%s", cookies[0].Name, cookies[0].Value)
	}

	user, err := repo.GetUser(req.Context(), gotUser)
	if err != nil || user == nil {
		t.Fatalf("Expected user to be stored: user=%v err=%v", user, err)
	}
	if user.Username != DeriveUsername(gotUser) {
		t.Errorf("Expected username %q, got %q", DeriveUsername(gotUser), user.Username)
	}

	// The cookie is honoured on the next request.
	req = httptest.NewRequest(http.MethodGet, "/api/config?session_id=bad%20id", nil)
	req.AddCookie(cookies[0])
	first := gotUser
	h.ServeHTTP(httptest.NewRecorder(), req)
	if gotUser != first {
		t.Errorf("Expected cookie user %q, got %q", first, gotUser)
	}
	if gotSession != DefaultSessionIDValue {
		t.Errorf("Expected invalid session ID to fall back to %q, got %q", DefaultSessionIDValue, gotSession)
	}
}

func TestEnsureUserRefreshesLastSeen(t *testing.T) {
	repo := newRepo(t)
	ctx := t.Context()

	if err := EnsureUser(ctx, repo, "tg_1", "alice"); err != nil {
		t.Fatalf("EnsureUser failed: %v", err)
	}
	if err := repo.UpdateLastSeen(ctx, "tg_1", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("UpdateLastSeen failed: %v", err)
	}

	if err := EnsureUser(ctx, repo, "tg_1", "ignored"); err != nil {
		t.Fatalf("EnsureUser failed: %v", err)
	}
	user, err := repo.GetUser(ctx, "tg_1")
	if err != nil || user == nil {
		t.Fatalf("GetUser failed: user=%v err=%v", user, err)
	}
	if user.Username != "alice" {
		t.Errorf("Expected username to stay alice, got %q", user.Username)
	}
	if idle := user.IdleFor(time.Now()); idle >= time.Minute {
		t.Errorf("Expected last seen to be refreshed, idle for %v", idle)
	}
}

func TestWithIdentity(t *testing.T) {
	ctx := WithIdentity(t.Context(), "tg_42", "tg-chat-42")
	if got := UserIDFromContext(ctx); got != "tg_42" {
		t.Errorf("Expected user tg_42, got %q", got)
	}
	if got := SessionIDFromContext(ctx); got != "tg-chat-42" {
		t.Errorf("Expected session tg-chat-42, got %q", got)
	}
	if got := UsernameFromContext(ctx); got != "anon-user" {
		t.Errorf("Expected username anon-user, got %q", got)
	}

	if got := SessionIDFromContext(WithIdentity(t.Context(), "u", "")); got != DefaultSessionIDValue {
		t.Errorf("Expected default session, got %q", got)
	}
}
