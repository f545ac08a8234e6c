package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"conduct-integrity-service/internal/domain"
)

// EncryptedFieldModel はgorm用のモデル定義。
type EncryptedFieldModel struct {
	OwnerTable  string    `gorm:"type:varchar(64);primaryKey"`
	OwnerID     string    `gorm:"type:varchar(64);primaryKey"`
	FieldName   string    `gorm:"type:varchar(64);primaryKey"`
	Ciphertext  string    `gorm:"type:text;not null"`
	KeyID       string    `gorm:"type:varchar(32);not null;index:idx_encrypted_fields_key_id"`
	EncryptedAt time.Time `gorm:"not null"`
}

// TableName はテーブル名を返す。
func (EncryptedFieldModel) TableName() string {
	return "encrypted_fields"
}

// EncryptedFieldRepository は暗号化フィールドのデータアクセスを提供する。
type EncryptedFieldRepository struct {
	db *gorm.DB
}

// NewEncryptedFieldRepository は新しいEncryptedFieldRepositoryを生成する。
func NewEncryptedFieldRepository(db *gorm.DB) *EncryptedFieldRepository {
	return &EncryptedFieldRepository{db: db}
}

// Upsert は暗号化フィールドを保存する。既存の暗号文は上書きされる。
func (r *EncryptedFieldRepository) Upsert(ctx context.Context, f *domain.EncryptedField) error {
	model := &EncryptedFieldModel{
		OwnerTable:  f.OwnerTable,
		OwnerID:     f.OwnerID,
		FieldName:   f.FieldName,
		Ciphertext:  f.Ciphertext,
		KeyID:       f.KeyID,
		EncryptedAt: f.EncryptedAt.UTC(),
	}
	err := conn(ctx, r.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_table"}, {Name: "owner_id"}, {Name: "field_name"}},
			DoUpdates: clause.AssignmentColumns([]string{"ciphertext", "key_id", "encrypted_at"}),
		}).
		Create(model).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to upsert encrypted field",
			"operation", "upsert",
			"owner_table", f.OwnerTable,
			"owner_id", f.OwnerID,
			"field_name", f.FieldName,
			"error", err,
		)
		return err
	}
	return nil
}

// Find は暗号化フィールドを取得する。存在しない場合は nil を返す。
func (r *EncryptedFieldRepository) Find(ctx context.Context, ownerTable, ownerID, fieldName string) (*domain.EncryptedField, error) {
	var model EncryptedFieldModel
	err := conn(ctx, r.db).
		Where("owner_table = ? AND owner_id = ? AND field_name = ?", ownerTable, ownerID, fieldName).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find encrypted field",
			"operation", "find",
			"owner_table", ownerTable,
			"owner_id", ownerID,
			"field_name", fieldName,
			"error", err,
		)
		return nil, err
	}
	return &domain.EncryptedField{
		OwnerTable:  model.OwnerTable,
		OwnerID:     model.OwnerID,
		FieldName:   model.FieldName,
		Ciphertext:  model.Ciphertext,
		KeyID:       model.KeyID,
		EncryptedAt: model.EncryptedAt,
	}, nil
}

// CountByKeyID は指定鍵で暗号化されたフィールド数を返す。
func (r *EncryptedFieldRepository) CountByKeyID(ctx context.Context, keyID string) (int64, error) {
	var count int64
	err := conn(ctx, r.db).
		Model(&EncryptedFieldModel{}).
		Where("key_id = ?", keyID).
		Count(&count).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to count encrypted fields by key",
			"operation", "count_by_key_id",
			"key_id", keyID,
			"error", err,
		)
		return 0, err
	}
	return count, nil
}
