package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"conduct-integrity-service/internal/domain"
)

func TestRotateKey_Success(t *testing.T) {
	s := newTestServer(t)
	admin := s.login(t, "admin-1", "admin")

	rec := s.do(t, admin, http.MethodPost, "/v1/keys/rotate", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("want status 201, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[KeyMetadataResponse](t, rec)
	if resp.KeyID != "K1" || resp.Generation != 1 || !resp.Active {
		t.Errorf("unexpected key metadata: %+v", resp)
	}
	if resp.Algorithm != domain.KeyAlgorithmRSA2048 {
		t.Errorf("want algorithm %s, got %s", domain.KeyAlgorithmRSA2048, resp.Algorithm)
	}
}

func TestListKeys_AfterRotation(t *testing.T) {
	s := newTestServer(t)
	admin := s.login(t, "admin-1", "admin")
	s.rotate(t)
	s.rotate(t)

	rec := s.do(t, admin, http.MethodGet, "/v1/keys", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	resp := decode[KeyListResponse](t, rec)
	if len(resp.Keys) != 2 {
		t.Fatalf("want 2 keys, got %d", len(resp.Keys))
	}

	active := 0
	for _, k := range resp.Keys {
		if k.Active {
			active++
			if k.KeyID != "K2" {
				t.Errorf("want K2 active, got %s", k.KeyID)
			}
		}
		if k.EncryptedFields == nil || *k.EncryptedFields != 0 {
			t.Errorf("want zero encrypted fields for %s, got %v", k.KeyID, k.EncryptedFields)
		}
	}
	if active != 1 {
		t.Errorf("want exactly one active key, got %d", active)
	}
	if resp.Keys[0].KeyID != "K1" || resp.Keys[0].SupersededBy == nil || *resp.Keys[0].SupersededBy != "K2" {
		t.Errorf("want K1 superseded by K2, got %+v", resp.Keys[0])
	}
}

func TestListKeys_Empty(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/keys", nil)
	req = req.WithContext(domain.WithSecurityContext(context.Background(), domain.SecurityContext{UserID: "admin-1", Role: "admin"}))
	rec := httptest.NewRecorder()
	s.h.Keys.ListKeys(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	resp := decode[KeyListResponse](t, rec)
	if len(resp.Keys) != 0 {
		t.Errorf("want no keys, got %d", len(resp.Keys))
	}
}
