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

// KeyPairModel はgorm用のモデル定義。
type KeyPairModel struct {
	ID                  string    `gorm:"type:varchar(32);primaryKey"`
	Generation          uint      `gorm:"not null;uniqueIndex:uk_key_pairs_generation"`
	Algorithm           string    `gorm:"type:varchar(32);not null"`
	PublicKey           []byte    `gorm:"not null"`
	EncryptedPrivateKey []byte    `gorm:"not null"`
	Active              bool      `gorm:"not null;index:idx_key_pairs_active"`
	SupersededBy        *string   `gorm:"type:varchar(32)"`
	CreatedAt           time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt           time.Time `gorm:"not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (KeyPairModel) TableName() string {
	return "key_pairs"
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *KeyPairModel) toDomain() *domain.KeyPair {
	return &domain.KeyPair{
		ID:                  m.ID,
		Generation:          m.Generation,
		Algorithm:           m.Algorithm,
		PublicKeyPEM:        m.PublicKey,
		EncryptedPrivateKey: m.EncryptedPrivateKey,
		Active:              m.Active,
		SupersededBy:        m.SupersededBy,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
}

// KeyRepository は鍵ペアのデータアクセスを提供する。
// 鍵ペアの削除は提供しない。
type KeyRepository struct {
	db *gorm.DB
}

// NewKeyRepository は新しいKeyRepositoryを生成する。
func NewKeyRepository(db *gorm.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

// Create は新しい鍵ペアを保存する。
func (r *KeyRepository) Create(ctx context.Context, key *domain.KeyPair) error {
	model := &KeyPairModel{
		ID:                  key.ID,
		Generation:          key.Generation,
		Algorithm:           key.Algorithm,
		PublicKey:           key.PublicKeyPEM,
		EncryptedPrivateKey: key.EncryptedPrivateKey,
		Active:              key.Active,
		SupersededBy:        key.SupersededBy,
	}
	if err := conn(ctx, r.db).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create key pair",
			"operation", "create",
			"key_id", key.ID,
			"generation", key.Generation,
			"error", err,
		)
		return err
	}
	key.CreatedAt = model.CreatedAt
	key.UpdatedAt = model.UpdatedAt
	return nil
}

// FindByID は指定IDの鍵ペアを取得する。存在しない場合は nil を返す。
func (r *KeyRepository) FindByID(ctx context.Context, id string) (*domain.KeyPair, error) {
	var model KeyPairModel
	err := conn(ctx, r.db).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find key pair",
			"operation", "find_by_id",
			"key_id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindActive は有効な鍵ペアを取得する。存在しない場合は nil を返す。
func (r *KeyRepository) FindActive(ctx context.Context) (*domain.KeyPair, error) {
	var model KeyPairModel
	err := conn(ctx, r.db).
		Where("active = ?", true).
		Order("generation DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find active key pair",
			"operation", "find_active",
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// LockActive は有効な鍵ペアを行ロック付きで取得する。トランザクション内で呼ぶ。
func (r *KeyRepository) LockActive(ctx context.Context) ([]*domain.KeyPair, error) {
	var models []KeyPairModel
	err := conn(ctx, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("active = ?", true).
		Order("generation ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to lock active key pairs",
			"operation", "lock_active",
			"error", err,
		)
		return nil, err
	}
	keys := make([]*domain.KeyPair, len(models))
	for i := range models {
		keys[i] = models[i].toDomain()
	}
	return keys, nil
}

// FindAll は全世代の鍵ペアを世代順に取得する。
func (r *KeyRepository) FindAll(ctx context.Context) ([]*domain.KeyPair, error) {
	var models []KeyPairModel
	err := conn(ctx, r.db).Order("generation ASC").Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find all key pairs",
			"operation", "find_all",
			"error", err,
		)
		return nil, err
	}

	keys := make([]*domain.KeyPair, len(models))
	for i := range models {
		keys[i] = models[i].toDomain()
	}
	return keys, nil
}

// GetMaxGeneration は最大世代番号を取得する。鍵が無い場合は0。
func (r *KeyRepository) GetMaxGeneration(ctx context.Context) (uint, error) {
	var maxGen *uint
	err := conn(ctx, r.db).
		Model(&KeyPairModel{}).
		Select("MAX(generation)").
		Scan(&maxGen).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to get max generation",
			"operation", "get_max_generation",
			"error", err,
		)
		return 0, err
	}
	if maxGen == nil {
		return 0, nil
	}
	return *maxGen, nil
}

// RetireOthers は keepID 以外の有効な鍵ペアをすべて退役させ、後継として keepID を記録する。
// 退役させた鍵IDを世代順に返す。トランザクション内で新しい鍵の作成後に呼ぶ。
// ロック待ちの間に他のローテーションが確定していても、確定済みの有効鍵ごと退役させる。
func (r *KeyRepository) RetireOthers(ctx context.Context, keepID string) ([]string, error) {
	db := conn(ctx, r.db)
	var ids []string
	err := db.Model(&KeyPairModel{}).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("active = ? AND id <> ?", true, keepID).
		Order("generation ASC").
		Pluck("id", &ids).Error
	if err == nil && len(ids) > 0 {
		err = db.Model(&KeyPairModel{}).
			Where("active = ? AND id <> ?", true, keepID).
			Updates(map[string]any{
				"active":        false,
				"superseded_by": keepID,
			}).Error
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to retire key pairs",
			"operation", "retire_others",
			"superseded_by", keepID,
			"error", err,
		)
		return nil, err
	}
	return ids, nil
}
