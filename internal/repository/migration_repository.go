package repository

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"conduct-integrity-service/internal/domain"
)

// SchemaMigrationModel はschema_migrationsテーブルのモデル。
type SchemaMigrationModel struct {
	Version   string    `gorm:"column:version;primaryKey;type:varchar(14)"`
	Name      string    `gorm:"column:name;type:varchar(128)"`
	Checksum  string    `gorm:"column:checksum;type:varchar(64)"`
	AppliedAt time.Time `gorm:"column:applied_at;not null;autoCreateTime"`
}

// TableName はテーブル名を指定。
func (SchemaMigrationModel) TableName() string {
	return "schema_migrations"
}

// MigrationRepository はschema_migrationsへの履歴の読み書きとDDLの実行を担う。
type MigrationRepository struct {
	db *gorm.DB
}

// NewMigrationRepository は新しいMigrationRepositoryを生成する。
func NewMigrationRepository(db *gorm.DB) *MigrationRepository {
	return &MigrationRepository{db: db}
}

// EnsureTable は履歴テーブルを用意する。既存テーブルには不足カラムだけを足す。
func (r *MigrationRepository) EnsureTable(ctx context.Context) error {
	if err := conn(ctx, r.db).AutoMigrate(&SchemaMigrationModel{}); err != nil {
		slog.ErrorContext(ctx, "failed to ensure schema_migrations table",
			"operation", "ensure_table",
			"error", err,
		)
		return err
	}
	return nil
}

// AppliedByVersion は適用済み履歴をバージョンをキーに返す。
func (r *MigrationRepository) AppliedByVersion(ctx context.Context) (map[string]*domain.Migration, error) {
	var models []SchemaMigrationModel
	if err := conn(ctx, r.db).Order("version").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to load migration history",
			"operation", "applied_by_version",
			"error", err,
		)
		return nil, err
	}

	applied := make(map[string]*domain.Migration, len(models))
	for _, m := range models {
		at := m.AppliedAt
		applied[m.Version] = &domain.Migration{
			Version:   m.Version,
			Name:      m.Name,
			Checksum:  m.Checksum,
			Status:    domain.MigrationStatusApplied,
			AppliedAt: &at,
		}
	}
	return applied, nil
}

// Record は適用履歴を1件追加する。DDLと同じトランザクションで呼ぶ。
func (r *MigrationRepository) Record(ctx context.Context, m *domain.Migration) error {
	err := conn(ctx, r.db).Create(&SchemaMigrationModel{
		Version:  m.Version,
		Name:     m.Name,
		Checksum: m.Checksum,
	}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to record migration",
			"operation", "record",
			"version", m.Version,
			"error", err,
		)
	}
	return err
}

// Exec はSQLを1文実行する。
func (r *MigrationRepository) Exec(ctx context.Context, statement string) error {
	if err := conn(ctx, r.db).Exec(statement).Error; err != nil {
		slog.ErrorContext(ctx, "failed to execute migration statement",
			"operation", "exec",
			"error", err,
		)
		return err
	}
	return nil
}
