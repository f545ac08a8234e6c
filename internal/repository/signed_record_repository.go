package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"conduct-integrity-service/internal/domain"
)

// SignedRecordModel はgorm用のモデル定義。
type SignedRecordModel struct {
	ID                string    `gorm:"type:varchar(36);primaryKey"`
	EntityType        string    `gorm:"type:varchar(32);not null;uniqueIndex:uk_signed_records_entity_version"`
	EntityID          string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_signed_records_entity_version"`
	ApprovalVersion   uint      `gorm:"not null;uniqueIndex:uk_signed_records_entity_version"`
	CanonicalVersion  string    `gorm:"type:varchar(8);not null"`
	CanonicalDataHash string    `gorm:"type:varchar(64);not null"`
	Signature         string    `gorm:"type:text;not null"`
	KeyID             string    `gorm:"type:varchar(32);not null;index:idx_signed_records_key_id"`
	Algorithm         string    `gorm:"type:varchar(32);not null"`
	Verified          bool      `gorm:"not null"`
	SignedBy          string    `gorm:"type:varchar(64);not null"`
	SignedAt          time.Time `gorm:"not null"`
	SupersedesID      *string   `gorm:"type:varchar(36);index:idx_signed_records_supersedes"`
}

// TableName はテーブル名を返す。
func (SignedRecordModel) TableName() string {
	return "signed_records"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *SignedRecordModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func (m *SignedRecordModel) toDomain() *domain.SignedRecord {
	return &domain.SignedRecord{
		ID:                m.ID,
		EntityType:        m.EntityType,
		EntityID:          m.EntityID,
		ApprovalVersion:   m.ApprovalVersion,
		CanonicalVersion:  m.CanonicalVersion,
		CanonicalDataHash: m.CanonicalDataHash,
		Signature:         m.Signature,
		KeyID:             m.KeyID,
		Algorithm:         m.Algorithm,
		Verified:          m.Verified,
		SignedBy:          m.SignedBy,
		SignedAt:          m.SignedAt,
		SupersedesID:      m.SupersedesID,
	}
}

// SignedRecordRepository は署名レコードのデータアクセスを提供する。
// 作成と参照のみで、更新・削除は提供しない。
type SignedRecordRepository struct {
	db *gorm.DB
}

// NewSignedRecordRepository は新しいSignedRecordRepositoryを生成する。
func NewSignedRecordRepository(db *gorm.DB) *SignedRecordRepository {
	return &SignedRecordRepository{db: db}
}

// Create は署名レコードを保存する。
func (r *SignedRecordRepository) Create(ctx context.Context, rec *domain.SignedRecord) error {
	model := &SignedRecordModel{
		ID:                rec.ID,
		EntityType:        rec.EntityType,
		EntityID:          rec.EntityID,
		ApprovalVersion:   rec.ApprovalVersion,
		CanonicalVersion:  rec.CanonicalVersion,
		CanonicalDataHash: rec.CanonicalDataHash,
		Signature:         rec.Signature,
		KeyID:             rec.KeyID,
		Algorithm:         rec.Algorithm,
		Verified:          rec.Verified,
		SignedBy:          rec.SignedBy,
		SignedAt:          rec.SignedAt,
		SupersedesID:      rec.SupersedesID,
	}
	if err := conn(ctx, r.db).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create signed record",
			"operation", "create",
			"entity_type", rec.EntityType,
			"entity_id", rec.EntityID,
			"approval_version", rec.ApprovalVersion,
			"error", err,
		)
		return err
	}
	rec.ID = model.ID
	return nil
}

// FindLatestByEntity はエンティティの最新の署名レコードを取得する。存在しない場合は nil を返す。
func (r *SignedRecordRepository) FindLatestByEntity(ctx context.Context, entityType, entityID string) (*domain.SignedRecord, error) {
	var model SignedRecordModel
	err := conn(ctx, r.db).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("approval_version DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find latest signed record",
			"operation", "find_latest_by_entity",
			"entity_type", entityType,
			"entity_id", entityID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// ListCurrent は後継レコードを持たない（現行の）署名レコードを取得する。
// 行動評価スコアの場合、署名後に差し戻されて再承認待ちのスコアのレコードは除く。
func (r *SignedRecordRepository) ListCurrent(ctx context.Context, entityType string, limit int) ([]*domain.SignedRecord, error) {
	var models []SignedRecordModel
	q := conn(ctx, r.db).
		Where("entity_type = ?", entityType).
		Where("NOT EXISTS (SELECT 1 FROM signed_records s2 WHERE s2.supersedes_id = signed_records.id)")
	if entityType == domain.EntityTypeConductScore {
		q = q.Where(`NOT EXISTS (SELECT 1 FROM conduct_scores cs WHERE cs.id = signed_records.entity_id
			AND cs.status <> ? AND cs.version > signed_records.approval_version)`, domain.ScoreStatusApproved)
	}
	err := q.
		Order("signed_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to list current signed records",
			"operation", "list_current",
			"entity_type", entityType,
			"error", err,
		)
		return nil, err
	}
	recs := make([]*domain.SignedRecord, len(models))
	for i := range models {
		recs[i] = models[i].toDomain()
	}
	return recs, nil
}

// CountByEntity はエンティティの署名レコード数を返す。
func (r *SignedRecordRepository) CountByEntity(ctx context.Context, entityType, entityID string) (int64, error) {
	var count int64
	err := conn(ctx, r.db).
		Model(&SignedRecordModel{}).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Count(&count).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to count signed records",
			"operation", "count_by_entity",
			"entity_type", entityType,
			"entity_id", entityID,
			"error", err,
		)
		return 0, err
	}
	return count, nil
}
