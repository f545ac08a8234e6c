package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/gorm"

	"conduct-integrity-service/config"
	"conduct-integrity-service/internal/domain"
	"conduct-integrity-service/internal/infra"
	"conduct-integrity-service/internal/middleware"
	"conduct-integrity-service/internal/repository"
	"conduct-integrity-service/internal/usecase"
)

// testServer はSQLite上に組み立てた管理APIサーバー。
type testServer struct {
	db       *gorm.DB
	router   http.Handler
	scores   *repository.ScoreRepository
	keys     *usecase.KeyService
	sessions *usecase.SessionService
	h        Handlers
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := infra.NewDB(context.Background(), infra.SQLiteConfig(filepath.Join(t.TempDir(), "handler.db")))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := repository.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	kms, err := infra.NewLocalKMSFromKey(bytes.Repeat([]byte{0x17}, 32))
	if err != nil {
		t.Fatalf("local kms: %v", err)
	}

	tx := repository.NewTxManager(db)
	scores := repository.NewScoreRepository(db)
	keys := usecase.NewKeyService(repository.NewKeyRepository(db), kms, tx, 2048)
	audit := usecase.NewAuditService(repository.NewAuditRepository(db), tx)
	signatures := usecase.NewSignatureService(
		scores,
		repository.NewSignedRecordRepository(db),
		repository.NewSignatureAuditRepository(db),
		keys,
		audit,
		tx,
	)
	encryption := usecase.NewEncryptionService(keys, repository.NewEncryptedFieldRepository(db), audit, tx)
	sessions := usecase.NewSessionService(repository.NewSessionRepository(db), tx, audit, usecase.SessionPolicy{
		SingleActive: true,
		TTL:          time.Hour,
		Retention:    24 * time.Hour,
	})
	secctx := usecase.NewSecurityContextService(repository.NewSecurityContextRepository(db), repository.NewConnPinner(db))

	h := Handlers{
		Keys:     NewKeyHandler(keys, encryption),
		Scores:   NewScoreHandler(signatures),
		Audit:    NewAuditHandler(audit, 7),
		Sessions: NewSessionHandler(sessions),
		Fields:   NewFieldHandler(encryption),
	}
	cfg := &config.Config{RequestTimeout: 30 * time.Second}
	return &testServer{
		db:       db,
		router:   NewRouter(h, middleware.SessionAuth(sessions, secctx), cfg),
		scores:   scores,
		keys:     keys,
		sessions: sessions,
		h:        h,
	}
}

// user はログイン済みの利用者。
type user struct {
	id    string
	role  string
	token string
}

func (s *testServer) login(t *testing.T, userID, role string) user {
	t.Helper()
	token, err := s.sessions.CreateSession(context.Background(), userID, role, domain.ClientMetadata{ClientIP: "192.0.2.1"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return user{id: userID, role: role, token: token}
}

func (s *testServer) rotate(t *testing.T) {
	t.Helper()
	if _, err := s.keys.RotateKey(context.Background()); err != nil {
		t.Fatalf("rotate key: %v", err)
	}
}

func (s *testServer) createScore(t *testing.T, id string, total int) {
	t.Helper()
	err := s.scores.Create(context.Background(), &domain.ConductScore{
		ID:             id,
		StudentID:      "SV-" + id,
		TermID:         "2024-1",
		TotalScore:     total,
		Classification: "Good",
		Status:         domain.ScoreStatusPending,
		Version:        1,
	})
	if err != nil {
		t.Fatalf("create score: %v", err)
	}
}

func (s *testServer) do(t *testing.T, u user, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if u.id != "" {
		req.Header.Set(middleware.HeaderUserID, u.id)
		req.Header.Set(middleware.HeaderUserRole, u.role)
		req.Header.Set("Authorization", "Bearer "+u.token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return v
}
