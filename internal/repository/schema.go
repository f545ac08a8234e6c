package repository

import (
	"gorm.io/gorm"
)

// AutoMigrate は全テーブルをモデル定義から作成する。
// 本番スキーマは migrations/ のSQLで管理し、これはSQLiteでの開発・テスト用。
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&KeyPairModel{},
		&ConductScoreModel{},
		&SignedRecordModel{},
		&SignatureAuditModel{},
		&AuditEntryModel{},
		&SessionTokenModel{},
		&SessionUserModel{},
		&EncryptedFieldModel{},
		&SchemaMigrationModel{},
	)
}
