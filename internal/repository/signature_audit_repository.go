package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"conduct-integrity-service/internal/domain"
)

// SignatureAuditModel はgorm用のモデル定義。
type SignatureAuditModel struct {
	ID                 string    `gorm:"type:varchar(36);primaryKey"`
	ScoreID            string    `gorm:"type:varchar(36);not null;index:idx_signature_audit_score"`
	SignedRecordID     string    `gorm:"type:varchar(36);index:idx_signature_audit_record_action"`
	ActionType         string    `gorm:"type:varchar(20);not null;index:idx_signature_audit_record_action"`
	PerformedBy        string    `gorm:"type:varchar(64);not null"`
	SignatureValue     string    `gorm:"type:text"`
	VerificationResult *bool
	DataHashBefore     string    `gorm:"type:varchar(64)"`
	DataHashAfter      string    `gorm:"type:varchar(64)"`
	Notes              string    `gorm:"type:text"`
	CreatedAt          time.Time `gorm:"not null;autoCreateTime"`
}

// TableName はテーブル名を返す。
func (SignatureAuditModel) TableName() string {
	return "signature_audit_entries"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *SignatureAuditModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func (m *SignatureAuditModel) toDomain() *domain.SignatureAuditEntry {
	return &domain.SignatureAuditEntry{
		ID:                 m.ID,
		ScoreID:            m.ScoreID,
		SignedRecordID:     m.SignedRecordID,
		ActionType:         domain.SignatureAction(m.ActionType),
		PerformedBy:        m.PerformedBy,
		SignatureValue:     m.SignatureValue,
		VerificationResult: m.VerificationResult,
		DataHashBefore:     m.DataHashBefore,
		DataHashAfter:      m.DataHashAfter,
		Notes:              m.Notes,
		CreatedAt:          m.CreatedAt,
	}
}

// SignatureAuditRepository は署名監査ログのデータアクセスを提供する。追記専用。
type SignatureAuditRepository struct {
	db *gorm.DB
}

// NewSignatureAuditRepository は新しいSignatureAuditRepositoryを生成する。
func NewSignatureAuditRepository(db *gorm.DB) *SignatureAuditRepository {
	return &SignatureAuditRepository{db: db}
}

// Append は署名監査ログを1件追加する。
func (r *SignatureAuditRepository) Append(ctx context.Context, e *domain.SignatureAuditEntry) error {
	model := &SignatureAuditModel{
		ScoreID:            e.ScoreID,
		SignedRecordID:     e.SignedRecordID,
		ActionType:         string(e.ActionType),
		PerformedBy:        e.PerformedBy,
		SignatureValue:     e.SignatureValue,
		VerificationResult: e.VerificationResult,
		DataHashBefore:     e.DataHashBefore,
		DataHashAfter:      e.DataHashAfter,
		Notes:              e.Notes,
	}
	if err := conn(ctx, r.db).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to append signature audit entry",
			"operation", "append",
			"score_id", e.ScoreID,
			"action_type", e.ActionType,
			"error", err,
		)
		return err
	}
	e.ID = model.ID
	e.CreatedAt = model.CreatedAt
	return nil
}

// ListByScore はスコアの署名監査ログを古い順に取得する。
func (r *SignatureAuditRepository) ListByScore(ctx context.Context, scoreID string) ([]*domain.SignatureAuditEntry, error) {
	var models []SignatureAuditModel
	err := conn(ctx, r.db).
		Where("score_id = ?", scoreID).
		Order("created_at ASC, id ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to list signature audit entries",
			"operation", "list_by_score",
			"score_id", scoreID,
			"error", err,
		)
		return nil, err
	}
	entries := make([]*domain.SignatureAuditEntry, len(models))
	for i := range models {
		entries[i] = models[i].toDomain()
	}
	return entries, nil
}

// HasAction は署名レコードに指定アクションのログが存在するかを返す。
func (r *SignatureAuditRepository) HasAction(ctx context.Context, signedRecordID string, action domain.SignatureAction) (bool, error) {
	var count int64
	err := conn(ctx, r.db).
		Model(&SignatureAuditModel{}).
		Where("signed_record_id = ? AND action_type = ?", signedRecordID, string(action)).
		Count(&count).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to check signature audit action",
			"operation", "has_action",
			"signed_record_id", signedRecordID,
			"action_type", action,
			"error", err,
		)
		return false, err
	}
	return count > 0, nil
}
