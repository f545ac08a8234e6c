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

// ConductScoreModel はgorm用のモデル定義。
// conduct_scores テーブルは画面側CRUDが所有し、ここでは署名対象列のみを扱う。
type ConductScoreModel struct {
	ID             string    `gorm:"type:varchar(36);primaryKey"`
	StudentID      string    `gorm:"type:varchar(64);not null;index:idx_conduct_scores_student_term"`
	TermID         string    `gorm:"type:varchar(32);not null;index:idx_conduct_scores_student_term"`
	TotalScore     int       `gorm:"not null"`
	Classification string    `gorm:"type:varchar(64);not null"`
	Status         string    `gorm:"type:varchar(16);not null"`
	Version        uint      `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (ConductScoreModel) TableName() string {
	return "conduct_scores"
}

func (m *ConductScoreModel) toDomain() *domain.ConductScore {
	return &domain.ConductScore{
		ID:             m.ID,
		StudentID:      m.StudentID,
		TermID:         m.TermID,
		TotalScore:     m.TotalScore,
		Classification: m.Classification,
		Status:         domain.ScoreStatus(m.Status),
		Version:        m.Version,
		UpdatedAt:      m.UpdatedAt,
	}
}

// ScoreRepository は行動評価スコアのデータアクセスを提供する。
type ScoreRepository struct {
	db *gorm.DB
}

// NewScoreRepository は新しいScoreRepositoryを生成する。
func NewScoreRepository(db *gorm.DB) *ScoreRepository {
	return &ScoreRepository{db: db}
}

// Create はスコアを保存する。初期データ投入とテストで使う。
func (r *ScoreRepository) Create(ctx context.Context, score *domain.ConductScore) error {
	score.Normalize()
	model := &ConductScoreModel{
		ID:             score.ID,
		StudentID:      score.StudentID,
		TermID:         score.TermID,
		TotalScore:     score.TotalScore,
		Classification: score.Classification,
		Status:         string(score.Status),
		Version:        score.Version,
	}
	if err := conn(ctx, r.db).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create conduct score",
			"operation", "create",
			"score_id", score.ID,
			"error", err,
		)
		return err
	}
	score.UpdatedAt = model.UpdatedAt
	return nil
}

// FindByID は指定IDのスコアを取得する。存在しない場合は nil を返す。
func (r *ScoreRepository) FindByID(ctx context.Context, id string) (*domain.ConductScore, error) {
	return r.find(ctx, id, false)
}

// FindByIDForUpdate は指定IDのスコアを行ロック付きで取得する。トランザクション内で呼ぶ。
func (r *ScoreRepository) FindByIDForUpdate(ctx context.Context, id string) (*domain.ConductScore, error) {
	return r.find(ctx, id, true)
}

func (r *ScoreRepository) find(ctx context.Context, id string, lock bool) (*domain.ConductScore, error) {
	var model ConductScoreModel
	q := conn(ctx, r.db)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := q.Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find conduct score",
			"operation", "find_by_id",
			"score_id", id,
			"locked", lock,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// UpdateStatus はバージョンが一致する場合のみステータスを更新し、バージョンを進める。
// 更新できた場合は true を返す。
func (r *ScoreRepository) UpdateStatus(ctx context.Context, id string, expectedVersion uint, status domain.ScoreStatus) (bool, error) {
	result := conn(ctx, r.db).
		Model(&ConductScoreModel{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(map[string]any{
			"status":  string(status),
			"version": gorm.Expr("version + ?", 1),
		})
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to update conduct score status",
			"operation", "update_status",
			"score_id", id,
			"expected_version", expectedVersion,
			"status", status,
			"error", result.Error,
		)
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
