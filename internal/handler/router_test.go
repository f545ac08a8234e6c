package handler

import (
	"net/http"
	"testing"
)

func TestRouter_Healthz(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, user{}, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	body := decode[map[string]string](t, rec)
	if body["status"] != "ok" {
		t.Errorf("want status ok, got %v", body)
	}
}

func TestRouter_Metrics(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, user{}, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("want status 200, got %d", rec.Code)
	}
}

func TestRouter_RequiresSession(t *testing.T) {
	s := newTestServer(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/v1/keys"},
		{http.MethodPost, "/v1/keys/rotate"},
		{http.MethodPost, "/v1/scores/SC1/approve"},
		{http.MethodGet, "/v1/audit/me"},
		{http.MethodPost, "/v1/sessions/logout"},
	}
	for _, p := range paths {
		rec := s.do(t, user{}, p.method, p.path, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: want status 401, got %d", p.method, p.path, rec.Code)
		}
	}
}

func TestRouter_WrongToken(t *testing.T) {
	s := newTestServer(t)
	u := s.login(t, "admin-1", "admin")
	u.token = "not-the-token"

	rec := s.do(t, u, http.MethodGet, "/v1/keys", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("want status 401, got %d", rec.Code)
	}
}

func TestRouter_EnforcesSessionRole(t *testing.T) {
	s := newTestServer(t)
	student := s.login(t, "student-1", "student")
	advisor := s.login(t, "advisor-1", "advisor")
	auditor := s.login(t, "auditor-1", "auditor")

	tests := []struct {
		name   string
		u      user
		method string
		path   string
		want   int
	}{
		{"student lists keys", student, http.MethodGet, "/v1/keys", http.StatusForbidden},
		{"advisor rotates key", advisor, http.MethodPost, "/v1/keys/rotate", http.StatusForbidden},
		{"student approves", student, http.MethodPost, "/v1/scores/SC1/approve", http.StatusForbidden},
		{"advisor reopens", advisor, http.MethodPost, "/v1/scores/SC1/reopen", http.StatusForbidden},
		{"advisor reads audit entries", advisor, http.MethodGet, "/v1/audit/entries", http.StatusForbidden},
		{"auditor reads field", auditor, http.MethodGet, "/v1/fields/students/ST1/phone", http.StatusForbidden},
		{"auditor reads audit entries", auditor, http.MethodGet, "/v1/audit/entries", http.StatusOK},
		{"student reads own audit", student, http.MethodGet, "/v1/audit/me", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.u, tt.method, tt.path, nil)
			if rec.Code != tt.want {
				t.Errorf("want status %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRouter_RoleHeaderCannotEscalate(t *testing.T) {
	s := newTestServer(t)
	u := s.login(t, "student-1", "student")
	u.role = "admin"

	rec := s.do(t, u, http.MethodGet, "/v1/keys", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("want status 403, got %d", rec.Code)
	}
	if body := decode[map[string]string](t, rec); body["code"] != "ROLE_MISMATCH" {
		t.Errorf("want ROLE_MISMATCH, got %v", body)
	}
}
