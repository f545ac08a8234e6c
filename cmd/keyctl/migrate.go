package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"conduct-integrity-service/config"
	"conduct-integrity-service/internal/domain"
	"conduct-integrity-service/internal/infra"
	"conduct-integrity-service/internal/repository"
	"conduct-integrity-service/internal/usecase"
	"conduct-integrity-service/migrations"
)

var migrationsDir string

// openDB は環境変数の設定でデータベースに直接接続する。
func openDB(ctx context.Context) (*gorm.DB, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	db, err := infra.NewDB(ctx, infra.DBConfigFrom(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	// SQLiteはサーバーと同じくモデル定義からスキーマを作る
	if cfg.DatabaseDriver == "sqlite" {
		if err := repository.AutoMigrate(db); err != nil {
			closeDB(db)
			return nil, nil, fmt.Errorf("failed to migrate sqlite schema: %w", err)
		}
	}
	return db, cfg, nil
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}

// migrationSource は --dir、MIGRATIONS_DIR、ドライバーごとの同梱スキーマの順にSQLの置き場所を決める。
func migrationSource(cfg *config.Config) (fs.FS, string, error) {
	dir := migrationsDir
	if dir == "" {
		dir = cfg.MigrationsDir
	}
	if dir != "" {
		return os.DirFS(dir), dir, nil
	}
	source, err := migrations.For(cfg.DatabaseDriver)
	if err != nil {
		return nil, "", fmt.Errorf("%w; pass --dir or set MIGRATIONS_DIR", err)
	}
	return source, "bundled " + cfg.DatabaseDriver, nil
}

// withMigrationService はDBに接続して MigrationService を組み立て、fn に渡す。
func withMigrationService(cmd *cobra.Command, fn func(svc *usecase.MigrationService) error) error {
	db, cfg, err := openDB(cmd.Context())
	if err != nil {
		return err
	}
	defer closeDB(db)

	source, where, err := migrationSource(cfg)
	if err != nil {
		return err
	}
	if output != "json" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Using %s migrations.\n", where)
	}
	return fn(usecase.NewMigrationService(
		repository.NewMigrationRepository(db),
		repository.NewTxManager(db),
		source,
	))
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
		Long:  "Apply or inspect schema migrations against DATABASE_URL directly (no API server involved)",
	}
	cmd.PersistentFlags().StringVar(&migrationsDir, "dir", "", "Directory of {version}_{name}.sql files (default: MIGRATIONS_DIR or bundled for DATABASE_DRIVER)")
	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateStatusCmd())
	return cmd
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrationService(cmd, func(svc *usecase.MigrationService) error {
				n, err := svc.ApplyMigrations(cmd.Context())
				if err != nil {
					return fmt.Errorf("migration failed after %d applied: %w", n, err)
				}
				if output == "json" {
					return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]int{"applied": n})
				}
				if n == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No pending migrations.")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", n)
				return nil
			})
		},
	}
}

type migrationRow struct {
	Version   string     `json:"version"`
	Name      string     `json:"name"`
	Status    string     `json:"status"`
	AppliedAt *time.Time `json:"applied_at,omitempty"`
}

func migrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show migration status (pending, applied, modified)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrationService(cmd, func(svc *usecase.MigrationService) error {
				list, err := svc.GetMigrationStatus(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}

				rows := make([]migrationRow, len(list))
				modified := 0
				for i, m := range list {
					rows[i] = migrationRow{Version: m.Version, Name: m.Name, Status: string(m.Status), AppliedAt: m.AppliedAt}
					if m.Status == domain.MigrationStatusModified {
						modified++
					}
				}
				if output == "json" {
					return json.NewEncoder(cmd.OutOrStdout()).Encode(rows)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
				for _, r := range rows {
					appliedAt := "-"
					if r.AppliedAt != nil {
						appliedAt = r.AppliedAt.UTC().Format(time.RFC3339)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Version, r.Name, r.Status, appliedAt)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				if modified > 0 {
					return fmt.Errorf("%d applied migration(s) modified on disk: %w", modified, domain.ErrMigrationModified)
				}
				return nil
			})
		},
	}
}
