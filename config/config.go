// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// SessionPolicy はユーザーごとのセッション同時保持ポリシーを表す。
type SessionPolicy string

const (
	// SessionPolicySingle は1ユーザー1セッションのみ有効とする。
	SessionPolicySingle SessionPolicy = "single"
	// SessionPolicyMultiple は SessionMaxConcurrent 件まで同時セッションを許可する。
	SessionPolicyMultiple SessionPolicy = "multiple"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string `env:"PORT" envDefault:"8080"`
	DatabaseDriver     string `env:"DATABASE_DRIVER" envDefault:"mysql"`
	DatabaseURL        string `env:"DATABASE_URL"`
	KMSProvider        string `env:"KMS_PROVIDER" envDefault:"gcp"`
	KMSKeyName         string `env:"KMS_KEY_NAME"`
	LocalMasterKey     string `env:"LOCAL_MASTER_KEY"`
	GoogleCloudProject string `env:"GOOGLE_CLOUD_PROJECT"`
	LogLevel           string `env:"LOG_LEVEL" envDefault:"INFO"`
	RSAKeyBits         int    `env:"RSA_KEY_BITS" envDefault:"2048"`
	MigrationsDir      string `env:"MIGRATIONS_DIR"` // 空なら同梱のスキーマを使う

	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"10"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`

	OtelEnabled      bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OtelEndpoint     string  `env:"OTEL_ENDPOINT" envDefault:"localhost:4317"`
	OtelInsecure     bool    `env:"OTEL_INSECURE" envDefault:"false"`
	OtelServiceName  string  `env:"OTEL_SERVICE_NAME" envDefault:"conduct-integrity-service"`
	OtelSamplingRate float64 `env:"OTEL_SAMPLING_RATE" envDefault:"1.0"`

	SessionPolicy        SessionPolicy `env:"SESSION_POLICY" envDefault:"single"`
	SessionTTL           time.Duration `env:"SESSION_TTL" envDefault:"8h"`
	SessionMaxConcurrent int           `env:"SESSION_MAX_CONCURRENT" envDefault:"3"`
	SessionRetention     time.Duration `env:"SESSION_RETENTION" envDefault:"720h"`
	SessionSweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL" envDefault:"15m"`

	AuditSummaryDays int           `env:"AUDIT_SUMMARY_DAYS" envDefault:"30"`
	RequestTimeout   time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
}

// Load は環境変数から設定を読み込む。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は設定値の組み合わせを検証する。
func (c *Config) Validate() error {
	switch c.SessionPolicy {
	case SessionPolicySingle, SessionPolicyMultiple:
	default:
		return fmt.Errorf("invalid SESSION_POLICY %q (expected single or multiple)", c.SessionPolicy)
	}
	if c.SessionPolicy == SessionPolicyMultiple && c.SessionMaxConcurrent < 1 {
		return fmt.Errorf("SESSION_MAX_CONCURRENT must be >= 1, got %d", c.SessionMaxConcurrent)
	}
	switch c.DatabaseDriver {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("invalid DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	switch c.KMSProvider {
	case "gcp", "local":
	default:
		return fmt.Errorf("invalid KMS_PROVIDER %q", c.KMSProvider)
	}
	if c.RSAKeyBits < 2048 {
		return fmt.Errorf("RSA_KEY_BITS must be >= 2048, got %d", c.RSAKeyBits)
	}
	return nil
}
