package usecase

import (
	"context"
	"path/filepath"
	"testing"

	"gorm.io/gorm"

	"conduct-integrity-service/internal/infra"
	"conduct-integrity-service/internal/repository"
)

// setupTestDB はテスト用のSQLiteデータベースを一時ディレクトリに作成する。
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := infra.NewDB(context.Background(), infra.SQLiteConfig(filepath.Join(t.TempDir(), "test.db")))
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
	return db
}
