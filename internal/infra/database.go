// Package infra は外部サービスとの接続を提供する。
package infra

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"conduct-integrity-service/config"
)

// DBConfig はデータベース接続とコネクションプールの設定。
type DBConfig struct {
	Driver          string // mysql / postgres / sqlite
	DSN             string
	Tracing         bool
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DBConfigFrom はアプリケーション設定から DBConfig を組み立てる。
func DBConfigFrom(cfg *config.Config) DBConfig {
	return DBConfig{
		Driver:          cfg.DatabaseDriver,
		DSN:             cfg.DatabaseURL,
		Tracing:         cfg.OtelEnabled,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	}
}

// SQLiteConfig はテストや手元実行向けのSQLite設定を返す。
func SQLiteConfig(path string) DBConfig {
	return DBConfig{Driver: "sqlite", DSN: path}
}

func dialectorFor(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "mysql":
		return mysql.Open(dsn), nil
	case "postgres":
		return postgres.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(dsn), nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

// NewDB は接続を開き、疎通を確認してから返す。
func NewDB(ctx context.Context, c DBConfig) (*gorm.DB, error) {
	dialector, err := dialectorFor(c.Driver, c.DSN)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", c.Driver, err)
	}
	if c.Tracing {
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			return nil, fmt.Errorf("registering tracing plugin: %w", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	switch {
	case c.Driver == "sqlite":
		// 書き込みを1接続に直列化する
		sqlDB.SetMaxOpenConns(1)
	case c.MaxOpenConns > 0:
		sqlDB.SetMaxOpenConns(c.MaxOpenConns)
	}
	if c.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(c.MaxIdleConns)
	}
	if c.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(c.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging %s database: %w", c.Driver, err)
	}
	return db, nil
}
