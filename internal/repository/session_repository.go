package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"conduct-integrity-service/internal/domain"
)

// SessionTokenModel はgorm用のモデル定義。トークンはソルト付きハッシュのみ保存する。
type SessionTokenModel struct {
	ID        string     `gorm:"type:varchar(36);primaryKey"`
	UserID    string     `gorm:"type:varchar(64);not null;index:idx_session_tokens_user"`
	Role      string     `gorm:"type:varchar(32);not null;default:''"`
	TokenSalt []byte     `gorm:"not null"`
	TokenHash []byte     `gorm:"not null"`
	CreatedAt time.Time  `gorm:"not null"`
	ExpiresAt time.Time  `gorm:"not null;index:idx_session_tokens_expires_at"`
	RevokedAt *time.Time `gorm:"index:idx_session_tokens_revoked_at"`
	ClientIP  string     `gorm:"type:varchar(45)"`
	UserAgent string     `gorm:"type:varchar(255)"`
}

// TableName はテーブル名を返す。
func (SessionTokenModel) TableName() string {
	return "session_tokens"
}

// SessionUserModel はユーザー単位でセッション発行を直列化するためのロック行。
type SessionUserModel struct {
	UserID    string    `gorm:"type:varchar(64);primaryKey"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

// TableName はテーブル名を返す。
func (SessionUserModel) TableName() string {
	return "session_users"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *SessionTokenModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func (m *SessionTokenModel) toDomain() *domain.SessionToken {
	return &domain.SessionToken{
		ID:        m.ID,
		UserID:    m.UserID,
		Role:      m.Role,
		TokenSalt: m.TokenSalt,
		TokenHash: m.TokenHash,
		CreatedAt: m.CreatedAt,
		ExpiresAt: m.ExpiresAt,
		RevokedAt: m.RevokedAt,
		ClientIP:  m.ClientIP,
		UserAgent: m.UserAgent,
	}
}

// SessionRepository はセッショントークンのデータアクセスを提供する。
type SessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository は新しいSessionRepositoryを生成する。
func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create はセッショントークンを保存する。
func (r *SessionRepository) Create(ctx context.Context, s *domain.SessionToken) error {
	model := &SessionTokenModel{
		ID:        s.ID,
		UserID:    s.UserID,
		Role:      s.Role,
		TokenSalt: s.TokenSalt,
		TokenHash: s.TokenHash,
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
		RevokedAt: s.RevokedAt,
		ClientIP:  s.ClientIP,
		UserAgent: s.UserAgent,
	}
	if err := conn(ctx, r.db).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create session token",
			"operation", "create",
			"user_id", s.UserID,
			"error", err,
		)
		return err
	}
	s.ID = model.ID
	return nil
}

// LockUser はユーザーのロック行を必要なら作成し、行ロックを取る。
// トランザクション内で呼ぶと、同じユーザーへの発行はコミットまで待たされる。
func (r *SessionRepository) LockUser(ctx context.Context, userID string) error {
	db := conn(ctx, r.db)
	err := db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&SessionUserModel{UserID: userID}).Error
	if err == nil {
		var m SessionUserModel
		err = db.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).
			Take(&m).Error
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to lock session user",
			"operation", "lock_user",
			"user_id", userID,
			"error", err,
		)
		return err
	}
	return nil
}

// LockLiveByUser はユーザーの有効なトークンを作成順に行ロック付きで取得する。
func (r *SessionRepository) LockLiveByUser(ctx context.Context, userID string, now time.Time) ([]*domain.SessionToken, error) {
	var models []SessionTokenModel
	err := conn(ctx, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND revoked_at IS NULL AND expires_at > ?", userID, now.UTC()).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to lock live session tokens",
			"operation", "lock_live_by_user",
			"user_id", userID,
			"error", err,
		)
		return nil, err
	}
	return toSessionDomains(models), nil
}

// FindByUser はユーザーの全トークン（期限切れ・失効済みを含む）を取得する。
func (r *SessionRepository) FindByUser(ctx context.Context, userID string) ([]*domain.SessionToken, error) {
	var models []SessionTokenModel
	err := conn(ctx, r.db).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find session tokens",
			"operation", "find_by_user",
			"user_id", userID,
			"error", err,
		)
		return nil, err
	}
	return toSessionDomains(models), nil
}

func toSessionDomains(models []SessionTokenModel) []*domain.SessionToken {
	tokens := make([]*domain.SessionToken, len(models))
	for i := range models {
		tokens[i] = models[i].toDomain()
	}
	return tokens
}

// RevokeByIDs は指定IDのトークンを失効させる。
func (r *SessionRepository) RevokeByIDs(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	err := conn(ctx, r.db).
		Model(&SessionTokenModel{}).
		Where("id IN ? AND revoked_at IS NULL", ids).
		Update("revoked_at", at.UTC()).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to revoke session tokens",
			"operation", "revoke_by_ids",
			"count", len(ids),
			"error", err,
		)
		return err
	}
	return nil
}

// RevokeAllForUser はユーザーの未失効トークンをすべて失効させ、件数を返す。
func (r *SessionRepository) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	result := conn(ctx, r.db).
		Model(&SessionTokenModel{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Update("revoked_at", at.UTC())
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to revoke all session tokens",
			"operation", "revoke_all_for_user",
			"user_id", userID,
			"error", result.Error,
		)
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// DeleteStale は expiredBefore より前に期限切れ、または revokedBefore より前に失効したトークンを削除する。
func (r *SessionRepository) DeleteStale(ctx context.Context, expiredBefore, revokedBefore time.Time) (int64, error) {
	result := conn(ctx, r.db).
		Where("expires_at < ? OR (revoked_at IS NOT NULL AND revoked_at < ?)", expiredBefore.UTC(), revokedBefore.UTC()).
		Delete(&SessionTokenModel{})
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to delete stale session tokens",
			"operation", "delete_stale",
			"error", result.Error,
		)
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
