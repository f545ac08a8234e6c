// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"conduct-integrity-service/config"
	"conduct-integrity-service/internal/handler"
	"conduct-integrity-service/internal/infra"
	"conduct-integrity-service/internal/metrics"
	"conduct-integrity-service/internal/middleware"
	"conduct-integrity-service/internal/repository"
	"conduct-integrity-service/internal/usecase"
)

func main() {
	ctx := context.Background()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	// 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// トレーサー初期化（ロガー設定の前に実行）
	shutdownTracer, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracer(ctx); err != nil {
			slog.Error("failed to shutdown tracer", "error", err)
		}
	}()

	// トレース情報付きロガーを設定
	infra.SetupLogger(cfg)

	// DB初期化
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is not set")
		os.Exit(1)
	}
	db, err := infra.NewDB(ctx, infra.DBConfigFrom(cfg))
	if err != nil {
		slog.Error("failed to init database", "error", err)
		os.Exit(1)
	}
	// SQLiteは開発用。MySQL/PostgreSQLは keyctl migrate up で同梱スキーマを適用する
	if cfg.DatabaseDriver == "sqlite" {
		if err := repository.AutoMigrate(db); err != nil {
			slog.Error("failed to migrate sqlite schema", "error", err)
			os.Exit(1)
		}
	}

	// KMSクライアント初期化
	kmsClient, err := infra.NewKeyWrapper(ctx, cfg)
	if err != nil {
		slog.Error("failed to init KMS client", "provider", cfg.KMSProvider, "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := kmsClient.Close(); closeErr != nil {
			slog.Error("failed to close KMS client", "error", closeErr)
		}
	}()

	// DI
	m := metrics.New()
	tx := repository.NewTxManager(db)
	keys := usecase.NewKeyService(repository.NewKeyRepository(db), kmsClient, tx, cfg.RSAKeyBits).WithMetrics(m)
	audit := usecase.NewAuditService(repository.NewAuditRepository(db), tx).WithMetrics(m)
	signatures := usecase.NewSignatureService(
		repository.NewScoreRepository(db),
		repository.NewSignedRecordRepository(db),
		repository.NewSignatureAuditRepository(db),
		keys,
		audit,
		tx,
	).WithMetrics(m)
	encryption := usecase.NewEncryptionService(keys, repository.NewEncryptedFieldRepository(db), audit, tx).WithMetrics(m)
	sessions := usecase.NewSessionService(repository.NewSessionRepository(db), tx, audit, sessionPolicy(cfg)).WithMetrics(m)
	secctx := usecase.NewSecurityContextService(
		repository.NewSecurityContextRepository(db),
		repository.NewConnPinner(db),
	).WithMetrics(m)

	// 有効鍵が無ければ初期鍵を生成する
	if meta, created, err := keys.EnsureActiveKey(ctx); err != nil {
		slog.Error("failed to ensure active key", "error", err)
		os.Exit(1)
	} else if created {
		slog.Info("bootstrapped initial key pair", "key_id", meta.ID)
	}

	h := handler.Handlers{
		Keys:     handler.NewKeyHandler(keys, encryption),
		Scores:   handler.NewScoreHandler(signatures),
		Audit:    handler.NewAuditHandler(audit, cfg.AuditSummaryDays),
		Sessions: handler.NewSessionHandler(sessions),
		Fields:   handler.NewFieldHandler(encryption),
	}
	router := handler.NewRouter(h, middleware.SessionAuth(sessions, secctx), cfg)

	// 期限切れセッションの定期削除
	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go sessions.RunSweeper(sweepCtx, cfg.SessionSweepInterval)

	// サーバー起動
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down server...")
		stopSweeper()
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server",
		"port", cfg.Port,
		"database_driver", cfg.DatabaseDriver,
		"session_policy", cfg.SessionPolicy,
	)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

// sessionPolicy は設定値からセッション発行ポリシーを組み立てる。
func sessionPolicy(cfg *config.Config) usecase.SessionPolicy {
	return usecase.SessionPolicy{
		SingleActive:  cfg.SessionPolicy == config.SessionPolicySingle,
		MaxConcurrent: cfg.SessionMaxConcurrent,
		TTL:           cfg.SessionTTL,
		Retention:     cfg.SessionRetention,
	}
}
