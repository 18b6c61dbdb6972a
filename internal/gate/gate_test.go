package gate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/vnmchuo/llm-meter/internal/identity"
)

type mockStore struct {
	callers map[string]*Caller
	err     error
}

func (m *mockStore) GetCallerByToken(ctx context.Context, token string) (*Caller, error) {
	if m.err != nil {
		return nil, m.err
	}
	if c, ok := m.callers[token]; ok {
		return c, nil
	}
	return nil, ErrTokenNotFound
}

func (m *mockStore) Create(ctx context.Context, tok *AccessToken) error { return nil }
func (m *mockStore) Revoke(ctx context.Context, tokenID string) error   { return nil }

// unreachableCache returns a client whose every command fails, so the gate
// falls through to the store on each call.
func unreachableCache() *redis.Client {
	return redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
}

func testGate(store Store) *Gate {
	return New(store, unreachableCache())
}

func TestAuthorize_UnknownToken(t *testing.T) {
	g := testGate(&mockStore{})

	_, err := g.Authorize(context.Background(), "nope")
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("Expected ErrUnauthenticated, got %v", err)
	}
}

func TestAuthorize_EmptyToken(t *testing.T) {
	g := testGate(&mockStore{})

	_, err := g.Authorize(context.Background(), "")
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("Expected ErrUnauthenticated for empty token, got %v", err)
	}
}

func TestAuthorize_MemberForbidden(t *testing.T) {
	g := testGate(&mockStore{callers: map[string]*Caller{
		"member-token": {TokenID: "t1", UserID: "u1", Name: "Alice", Role: identity.RoleMember},
	}})

	_, err := g.Authorize(context.Background(), "member-token")
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("Expected ErrForbidden, got %v", err)
	}
}

func TestAuthorize_Admin(t *testing.T) {
	g := testGate(&mockStore{callers: map[string]*Caller{
		"admin-token": {TokenID: "t2", UserID: "u2", Name: "Bob", Role: identity.RoleAdmin},
	}})

	caller, err := g.Authorize(context.Background(), "admin-token")
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if caller.UserID != "u2" {
		t.Errorf("Expected caller u2, got %s", caller.UserID)
	}
}

func TestMiddleware_MissingHeader(t *testing.T) {
	g := testGate(&mockStore{})
	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not run without credentials")
	}))

	req := httptest.NewRequest("GET", "/v1/admin/usage-report", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestMiddleware_Forbidden(t *testing.T) {
	g := testGate(&mockStore{callers: map[string]*Caller{
		"member-token": {TokenID: "t1", UserID: "u1", Role: identity.RoleMember},
	}})
	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not run for non-admin caller")
	}))

	req := httptest.NewRequest("GET", "/v1/admin/usage-report", nil)
	req.Header.Set("Authorization", "Bearer member-token")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", w.Code)
	}
}

func TestMiddleware_AdminPasses(t *testing.T) {
	g := testGate(&mockStore{callers: map[string]*Caller{
		"admin-token": {TokenID: "t2", UserID: "u2", Role: identity.RoleAdmin},
	}})

	var seen *Caller
	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCaller(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/v1/admin/usage-report", nil)
	req.Header.Set("Authorization", "Bearer admin-token")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if seen == nil || seen.UserID != "u2" {
		t.Errorf("Expected caller u2 in context, got %v", seen)
	}
}
