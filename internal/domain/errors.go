package domain

import "errors"

var (
	// ErrKeyNotFound は有効な鍵、または指定IDの鍵が存在しない場合のエラー。
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyInactiveForSigning は退役済みの鍵で署名しようとした場合のエラー。
	ErrKeyInactiveForSigning = errors.New("key is inactive for signing")

	// ErrSignatureVerificationFailed は改ざんを検知した場合のエラー。
	ErrSignatureVerificationFailed = errors.New("signature verification failed")

	// ErrDecryption は暗号文の破損や鍵の不在で復号できない場合のエラー。
	ErrDecryption = errors.New("decryption failed")

	// ErrSessionExpired はセッションの有効期限切れ。
	ErrSessionExpired = errors.New("session expired")

	// ErrSessionRevoked はセッションが失効済みの場合のエラー。
	ErrSessionRevoked = errors.New("session revoked")

	// ErrSessionNotFound は一致するセッションが存在しない場合のエラー。
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidRole はセッション発行時のロールが未知の場合のエラー。
	ErrInvalidRole = errors.New("invalid role")

	// ErrSecurityContextUnavailable はDBセキュリティコンテキストを設定・取得できない場合のエラー。
	// 依存するポリシーはアクセス拒否として扱う。
	ErrSecurityContextUnavailable = errors.New("security context unavailable")

	// ErrScoreNotFound は指定スコアが存在しない場合のエラー。
	ErrScoreNotFound = errors.New("conduct score not found")

	// ErrAlreadyApproved は承認済みスコアを再承認しようとした場合のエラー。
	ErrAlreadyApproved = errors.New("conduct score already approved")

	// ErrConcurrentApproval は同時承認で競合した場合のエラー。
	ErrConcurrentApproval = errors.New("concurrent approval detected")

	// ErrNotApproved は未承認スコアに対する操作のエラー。
	ErrNotApproved = errors.New("conduct score is not approved")

	// ErrInvalidAuditOperation は監査操作種別が不正な場合のエラー。
	ErrInvalidAuditOperation = errors.New("invalid audit operation")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrMigrationFileNotFound はマイグレーションファイルが見つからない場合のエラー。
	ErrMigrationFileNotFound = errors.New("migration file not found")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")

	// ErrMigrationModified は適用済みのマイグレーションの内容が変更されている場合のエラー。
	ErrMigrationModified = errors.New("applied migration has been modified")
)
