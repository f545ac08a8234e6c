package handler

import (
	"net/http"
	"testing"
)

func TestLogout_RevokesSession(t *testing.T) {
	s := newTestServer(t)
	u := s.login(t, "advisor-1", "advisor")

	if rec := s.do(t, u, http.MethodGet, "/v1/keys", nil); rec.Code != http.StatusOK {
		t.Fatalf("before logout: want 200, got %d", rec.Code)
	}

	rec := s.do(t, u, http.MethodPost, "/v1/sessions/logout", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("want status 204, got %d", rec.Code)
	}

	rec = s.do(t, u, http.MethodGet, "/v1/keys", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("after logout: want 401, got %d", rec.Code)
	}
	body := decode[map[string]string](t, rec)
	if body["code"] != "SESSION_REVOKED" {
		t.Errorf("want SESSION_REVOKED, got %s", body["code"])
	}
}

func TestLogin_SingleActivePolicy(t *testing.T) {
	s := newTestServer(t)
	first := s.login(t, "advisor-1", "advisor")
	second := s.login(t, "advisor-1", "advisor")

	if rec := s.do(t, first, http.MethodGet, "/v1/keys", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("first session: want 401, got %d", rec.Code)
	}
	if rec := s.do(t, second, http.MethodGet, "/v1/keys", nil); rec.Code != http.StatusOK {
		t.Errorf("second session: want 200, got %d", rec.Code)
	}
}
