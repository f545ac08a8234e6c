// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"

	"conduct-integrity-service/internal/domain"
)

// 操作結果
const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

// WriteOperationLog は管理APIの操作ログを出力する。
// 実行者はリクエストのセキュリティコンテキストから取得する。
func WriteOperationLog(ctx context.Context, operation, target, result string) {
	attrs := []any{
		"operation", operation,
		"target", target,
		"result", result,
	}
	if sc, ok := domain.SecurityContextFrom(ctx); ok {
		attrs = append(attrs, "user_id", sc.UserID, "role", sc.Role, "session_id", sc.SessionID)
	}
	if result == ResultSuccess {
		slog.InfoContext(ctx, "admin operation completed", attrs...)
		return
	}
	slog.WarnContext(ctx, "admin operation failed", attrs...)
}
