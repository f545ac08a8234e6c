package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"conduct-integrity-service/internal/domain"
)

// mockAuthenticator はテスト用のモックセッション検証。
type mockAuthenticator struct {
	session   *domain.SessionToken
	err       error
	gotUserID string
	gotToken  string
}

func (m *mockAuthenticator) Authenticate(ctx context.Context, userID, token string) (*domain.SessionToken, error) {
	m.gotUserID = userID
	m.gotToken = token
	if m.err != nil {
		return nil, m.err
	}
	return m.session, nil
}

// mockBinder はテスト用のモックセキュリティコンテキスト設定。
type mockBinder struct {
	setErr error
	got    domain.SecurityContext
	calls  int
}

func (m *mockBinder) WithSecurityContext(ctx context.Context, sc domain.SecurityContext, fn func(ctx context.Context) error) error {
	m.calls++
	m.got = sc
	if m.setErr != nil {
		return m.setErr
	}
	return fn(domain.WithSecurityContext(ctx, sc))
}

func newAuthRequest(token, role string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/v1/keys", nil)
	req.RemoteAddr = "10.0.0.7:51234"
	req.Header.Set(HeaderUserID, "advisor-1")
	if role != "" {
		req.Header.Set(HeaderUserRole, role)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestSessionAuth_Success(t *testing.T) {
	auth := &mockAuthenticator{session: &domain.SessionToken{ID: "sess-1", UserID: "advisor-1", Role: "advisor"}}
	binder := &mockBinder{}

	var seen domain.SecurityContext
	handler := SessionAuth(auth, binder)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = domain.SecurityContextFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newAuthRequest("tok-123", "advisor"))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rec.Code)
	}
	if auth.gotUserID != "advisor-1" || auth.gotToken != "tok-123" {
		t.Errorf("unexpected credentials: user=%q token=%q", auth.gotUserID, auth.gotToken)
	}
	want := domain.SecurityContext{UserID: "advisor-1", Role: "advisor", SessionID: "sess-1", ClientIP: "10.0.0.7"}
	if binder.got != want {
		t.Errorf("expected security context %+v, got %+v", want, binder.got)
	}
	if seen != want {
		t.Errorf("handler saw %+v, want %+v", seen, want)
	}
}

func TestSessionAuth_Rejections(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		token       string
		role        string
		sessionRole string
		wantStatus  int
	}{
		{name: "missing token", err: domain.ErrSessionNotFound, role: "advisor", sessionRole: "advisor", wantStatus: http.StatusUnauthorized},
		{name: "expired", err: domain.ErrSessionExpired, token: "t", role: "advisor", sessionRole: "advisor", wantStatus: http.StatusUnauthorized},
		{name: "revoked", err: domain.ErrSessionRevoked, token: "t", role: "advisor", sessionRole: "advisor", wantStatus: http.StatusUnauthorized},
		{name: "repository failure", err: errors.New("db down"), token: "t", role: "advisor", sessionRole: "advisor", wantStatus: http.StatusInternalServerError},
		{name: "session without role", token: "t", role: "advisor", wantStatus: http.StatusUnauthorized},
		{name: "role header escalation", token: "t", role: "admin", sessionRole: "advisor", wantStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := &mockAuthenticator{err: tt.err, session: &domain.SessionToken{ID: "s", UserID: "advisor-1", Role: tt.sessionRole}}
			binder := &mockBinder{}
			called := false
			handler := SessionAuth(auth, binder)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			}))

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, newAuthRequest(tt.token, tt.role))

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if called {
				t.Error("handler should not be called")
			}
			if binder.calls != 0 {
				t.Error("security context should not be set")
			}
		})
	}
}

func TestSessionAuth_RoleFromSessionWithoutHeader(t *testing.T) {
	auth := &mockAuthenticator{session: &domain.SessionToken{ID: "sess-1", UserID: "advisor-1", Role: "auditor"}}
	binder := &mockBinder{}
	handler := SessionAuth(auth, binder)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newAuthRequest("tok", ""))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rec.Code)
	}
	if binder.got.Role != "auditor" {
		t.Errorf("expected role from session, got %q", binder.got.Role)
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name       string
		sc         *domain.SecurityContext
		wantStatus int
	}{
		{name: "allowed", sc: &domain.SecurityContext{UserID: "u", Role: "admin"}, wantStatus: http.StatusNoContent},
		{name: "other allowed", sc: &domain.SecurityContext{UserID: "u", Role: "auditor"}, wantStatus: http.StatusNoContent},
		{name: "forbidden", sc: &domain.SecurityContext{UserID: "u", Role: "student"}, wantStatus: http.StatusForbidden},
		{name: "no context", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := RequireRole("admin", "auditor")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusNoContent)
			}))

			req := httptest.NewRequest(http.MethodGet, "/v1/audit/entries", nil)
			if tt.sc != nil {
				req = req.WithContext(domain.WithSecurityContext(req.Context(), *tt.sc))
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if called != (tt.wantStatus == http.StatusNoContent) {
				t.Errorf("handler called = %v", called)
			}
		})
	}
}

func TestSessionAuth_SecurityContextUnavailable(t *testing.T) {
	auth := &mockAuthenticator{session: &domain.SessionToken{ID: "sess-1", UserID: "advisor-1", Role: "advisor"}}
	binder := &mockBinder{setErr: domain.ErrSecurityContextUnavailable}
	called := false
	handler := SessionAuth(auth, binder)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newAuthRequest("tok", "advisor"))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rec.Code)
	}
	if called {
		t.Error("handler should not run without a security context")
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{header: "Bearer abc", want: "abc"},
		{header: "bearer abc", want: "abc"},
		{header: "Basic abc", want: ""},
		{header: "Bearer ", want: ""},
		{header: "", want: ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		if got := bearerToken(req); got != tt.want {
			t.Errorf("bearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}
