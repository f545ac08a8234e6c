package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"conduct-integrity-service/internal/domain"
)

// SecurityContextRepository は接続単位のセキュリティ属性を設定・解除する。
// 属性はDB側の行レベルポリシーが参照する。
//
//   - postgres: set_config('app.*') / current_setting
//   - mysql:    ユーザー変数 @app_*
//   - sqlite:   接続ごとの TEMP テーブル app_security_context
type SecurityContextRepository struct {
	db *gorm.DB
}

// NewSecurityContextRepository は新しいSecurityContextRepositoryを生成する。
func NewSecurityContextRepository(db *gorm.DB) *SecurityContextRepository {
	return &SecurityContextRepository{db: db}
}

const sqliteContextTable = "CREATE TEMP TABLE IF NOT EXISTS app_security_context (name TEXT PRIMARY KEY, value TEXT NOT NULL)"

// Set は現在の接続にセキュリティ属性を設定する。
func (r *SecurityContextRepository) Set(ctx context.Context, sc domain.SecurityContext) error {
	db := conn(ctx, r.db)
	var err error
	switch db.Dialector.Name() {
	case "postgres":
		err = db.Exec(
			"SELECT set_config('app.user_id', ?, false), set_config('app.role', ?, false), set_config('app.session_id', ?, false), set_config('app.client_ip', ?, false)",
			sc.UserID, sc.Role, sc.SessionID, sc.ClientIP,
		).Error
	case "mysql":
		err = db.Exec(
			"SET @app_user_id = ?, @app_role = ?, @app_session_id = ?, @app_client_ip = ?",
			sc.UserID, sc.Role, sc.SessionID, sc.ClientIP,
		).Error
	default:
		err = r.setSQLite(db, sc)
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to set security context",
			"operation", "set",
			"user_id", sc.UserID,
			"role", sc.Role,
			"error", err,
		)
		return err
	}
	return nil
}

func (r *SecurityContextRepository) setSQLite(db *gorm.DB, sc domain.SecurityContext) error {
	if err := db.Exec(sqliteContextTable).Error; err != nil {
		return err
	}
	if err := db.Exec("DELETE FROM temp.app_security_context").Error; err != nil {
		return err
	}
	return db.Exec(
		"INSERT INTO temp.app_security_context (name, value) VALUES ('user_id', ?), ('role', ?), ('session_id', ?), ('client_ip', ?)",
		sc.UserID, sc.Role, sc.SessionID, sc.ClientIP,
	).Error
}

// Clear は現在の接続のセキュリティ属性を解除する。
func (r *SecurityContextRepository) Clear(ctx context.Context) error {
	db := conn(ctx, r.db)
	var err error
	switch db.Dialector.Name() {
	case "postgres":
		err = db.Exec(
			"SELECT set_config('app.user_id', '', false), set_config('app.role', '', false), set_config('app.session_id', '', false), set_config('app.client_ip', '', false)",
		).Error
	case "mysql":
		err = db.Exec("SET @app_user_id = NULL, @app_role = NULL, @app_session_id = NULL, @app_client_ip = NULL").Error
	default:
		if err = db.Exec(sqliteContextTable).Error; err == nil {
			err = db.Exec("DELETE FROM temp.app_security_context").Error
		}
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to clear security context",
			"operation", "clear",
			"error", err,
		)
		return err
	}
	return nil
}

// Current は現在の接続に設定されているセキュリティ属性を読み出す。
// 未設定の属性は空文字になる。
func (r *SecurityContextRepository) Current(ctx context.Context) (domain.SecurityContext, error) {
	db := conn(ctx, r.db)
	var userID, role, sessionID, clientIP sql.NullString
	var err error
	switch db.Dialector.Name() {
	case "postgres":
		err = db.Raw(
			"SELECT NULLIF(current_setting('app.user_id', true), ''), NULLIF(current_setting('app.role', true), ''), NULLIF(current_setting('app.session_id', true), ''), NULLIF(current_setting('app.client_ip', true), '')",
		).Row().Scan(&userID, &role, &sessionID, &clientIP)
	case "mysql":
		err = db.Raw("SELECT @app_user_id, @app_role, @app_session_id, @app_client_ip").Row().Scan(&userID, &role, &sessionID, &clientIP)
	default:
		if err = db.Exec(sqliteContextTable).Error; err == nil {
			err = db.Raw(
				"SELECT (SELECT value FROM temp.app_security_context WHERE name = 'user_id'), (SELECT value FROM temp.app_security_context WHERE name = 'role'), (SELECT value FROM temp.app_security_context WHERE name = 'session_id'), (SELECT value FROM temp.app_security_context WHERE name = 'client_ip')",
			).Row().Scan(&userID, &role, &sessionID, &clientIP)
		}
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to read security context",
			"operation", "current",
			"error", err,
		)
		return domain.SecurityContext{}, err
	}
	return domain.SecurityContext{
		UserID:    userID.String,
		Role:      role.String,
		SessionID: sessionID.String,
		ClientIP:  clientIP.String,
	}, nil
}

// prepareSecurityContext は CurrentUserExpr を参照できるよう接続を準備する。
func prepareSecurityContext(db *gorm.DB) error {
	if db.Dialector.Name() == "sqlite" {
		return db.Exec(sqliteContextTable).Error
	}
	return nil
}

// CurrentUserExpr は接続に設定されたユーザーIDを返すSQL式。未設定時は NULL になる。
func CurrentUserExpr(db *gorm.DB) string {
	switch db.Dialector.Name() {
	case "postgres":
		return "NULLIF(current_setting('app.user_id', true), '')"
	case "mysql":
		return "@app_user_id"
	default:
		return "(SELECT value FROM temp.app_security_context WHERE name = 'user_id')"
	}
}

// CurrentUserScope は column が接続のユーザーIDと一致する行のみに絞り込むスコープを返す。
// コンテキスト未設定の接続では比較が NULL になり、行は返らない。
func CurrentUserScope(column string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where(fmt.Sprintf("%s = %s", column, CurrentUserExpr(db)))
	}
}
