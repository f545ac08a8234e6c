package usecase

import (
	"bytes"
	"context"
	"testing"

	"gorm.io/gorm"

	"conduct-integrity-service/internal/domain"
	"conduct-integrity-service/internal/infra"
	"conduct-integrity-service/internal/repository"
)

// fixture はSQLite上に組み立てた各サービス。
type fixture struct {
	db         *gorm.DB
	tx         *repository.TxManager
	scores     *repository.ScoreRepository
	fields     *repository.EncryptedFieldRepository
	keys       *KeyService
	audit      *AuditService
	signature  *SignatureService
	encryption *EncryptionService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	kms, err := infra.NewLocalKMSFromKey(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("local kms: %v", err)
	}

	tx := repository.NewTxManager(db)
	f := &fixture{
		db:     db,
		tx:     tx,
		scores: repository.NewScoreRepository(db),
		fields: repository.NewEncryptedFieldRepository(db),
		keys:   NewKeyService(repository.NewKeyRepository(db), kms, tx, 2048),
		audit:  NewAuditService(repository.NewAuditRepository(db), tx),
	}
	f.signature = NewSignatureService(
		f.scores,
		repository.NewSignedRecordRepository(db),
		repository.NewSignatureAuditRepository(db),
		f.keys,
		f.audit,
		tx,
	)
	f.encryption = NewEncryptionService(f.keys, f.fields, f.audit, tx)
	return f
}

// rotate は n 回鍵をローテーションする。
func (f *fixture) rotate(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := f.keys.RotateKey(context.Background()); err != nil {
			t.Fatalf("rotate key: %v", err)
		}
	}
}

func (f *fixture) createScore(t *testing.T, id string, total int) *domain.ConductScore {
	t.Helper()
	score := &domain.ConductScore{
		ID:             id,
		StudentID:      "SV-" + id,
		TermID:         "2024-1",
		TotalScore:     total,
		Classification: "Good",
		Status:         domain.ScoreStatusPending,
		Version:        1,
	}
	if err := f.scores.Create(context.Background(), score); err != nil {
		t.Fatalf("create score: %v", err)
	}
	return score
}

// tamperScore は監査を経由せずにスコアを直接書き換える。
func (f *fixture) tamperScore(t *testing.T, id string, total int) {
	t.Helper()
	if err := f.db.Exec("UPDATE conduct_scores SET total_score = ? WHERE id = ?", total, id).Error; err != nil {
		t.Fatalf("tamper score: %v", err)
	}
}
