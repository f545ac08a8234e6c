package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"

	"conduct-integrity-service/internal/domain"
)

// MigrationRepository はマイグレーション履歴とDDL実行のインターフェース。
type MigrationRepository interface {
	EnsureTable(ctx context.Context) error
	AppliedByVersion(ctx context.Context) (map[string]*domain.Migration, error)
	Record(ctx context.Context, m *domain.Migration) error
	Exec(ctx context.Context, statement string) error
}

// MigrationService は source 直下の .sql ファイルをバージョン順に適用する。
type MigrationService struct {
	repo   MigrationRepository
	tx     Transactor
	source fs.FS
}

// NewMigrationService は新しいMigrationServiceを生成する。
func NewMigrationService(repo MigrationRepository, tx Transactor, source fs.FS) *MigrationService {
	return &MigrationService{repo: repo, tx: tx, source: source}
}

// scan は source の .sql ファイルを読み、チェックサム付きでバージョン順に返す。
func (s *MigrationService) scan() ([]*domain.Migration, error) {
	entries, err := fs.ReadDir(s.source, ".")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMigrationFileNotFound, err)
	}

	var migrations []*domain.Migration
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}
		version, name, err := parseMigrationFileName(entry.Name())
		if err != nil {
			return nil, err
		}
		content, err := fs.ReadFile(s.source, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", entry.Name(), err)
		}
		sum := sha256.Sum256(content)
		migrations = append(migrations, &domain.Migration{
			Version:  version,
			Name:     name,
			Path:     entry.Name(),
			Checksum: hex.EncodeToString(sum[:]),
			Status:   domain.MigrationStatusPending,
		})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version == migrations[i-1].Version {
			return nil, fmt.Errorf("%w: duplicate version %s", domain.ErrInvalidMigrationFile, migrations[i].Version)
		}
	}
	return migrations, nil
}

// parseMigrationFileName は {version}_{name}.sql からバージョンと名前を取り出す。
func parseMigrationFileName(filename string) (version, name string, err error) {
	version, name, ok := strings.Cut(strings.TrimSuffix(filename, ".sql"), "_")
	if !ok || version == "" || name == "" {
		return "", "", fmt.Errorf("%w: %s (expected format: {version}_{name}.sql)", domain.ErrInvalidMigrationFile, filename)
	}
	return version, name, nil
}

// splitStatements はSQLスクリプトを文単位に分割する。
// 行末の ";" を区切りとし、"--" で始まる行は無視する。
func splitStatements(script string) []string {
	var (
		statements []string
		current    strings.Builder
	)
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			if stmt := strings.TrimSpace(current.String()); stmt != ";" {
				statements = append(statements, stmt)
			}
			current.Reset()
		}
	}
	if rest := strings.TrimSpace(current.String()); rest != "" {
		statements = append(statements, rest)
	}
	return statements
}

// plan はファイルと適用履歴を突き合わせ、各マイグレーションの状態を決める。
func (s *MigrationService) plan(ctx context.Context) ([]*domain.Migration, error) {
	if err := s.repo.EnsureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to prepare schema_migrations: %w", err)
	}
	migrations, err := s.scan()
	if err != nil {
		return nil, err
	}
	applied, err := s.repo.AppliedByVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch applied migrations: %w", err)
	}

	for _, m := range migrations {
		rec, ok := applied[m.Version]
		if !ok {
			continue
		}
		m.AppliedAt = rec.AppliedAt
		m.Status = domain.MigrationStatusApplied
		if m.Drifted(rec.Checksum) {
			m.Status = domain.MigrationStatusModified
		}
	}
	return migrations, nil
}

// ApplyMigrations は未適用のマイグレーションを番号順に適用し、適用件数を返す。
// 適用済みのファイルが書き換えられている場合は何も適用しない。
func (s *MigrationService) ApplyMigrations(ctx context.Context) (int, error) {
	migrations, err := s.plan(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to plan migrations",
			"operation", "apply_migrations",
			"error", err,
		)
		return 0, err
	}
	for _, m := range migrations {
		if m.Status == domain.MigrationStatusModified {
			return 0, fmt.Errorf("%w: version %s", domain.ErrMigrationModified, m.Version)
		}
	}

	appliedCount := 0
	for _, m := range migrations {
		if m.Status != domain.MigrationStatusPending {
			continue
		}
		if err := s.apply(ctx, m); err != nil {
			slog.ErrorContext(ctx, "failed to apply migration",
				"operation", "apply_migrations",
				"version", m.Version,
				"error", err,
			)
			return appliedCount, fmt.Errorf("%w: version %s: %v", domain.ErrMigrationFailed, m.Version, err)
		}
		slog.InfoContext(ctx, "migration applied",
			"operation", "apply_migrations",
			"version", m.Version,
			"name", m.Name,
		)
		appliedCount++
	}
	return appliedCount, nil
}

// apply は1ファイル分のSQLを実行し、同じトランザクションで履歴を記録する。
func (s *MigrationService) apply(ctx context.Context, m *domain.Migration) error {
	script, err := fs.ReadFile(s.source, m.Path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", m.Path, err)
	}

	return s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		for _, stmt := range splitStatements(string(script)) {
			if err := s.repo.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute migration SQL: %w", err)
			}
		}
		return s.repo.Record(ctx, m)
	})
}

// GetMigrationStatus は全マイグレーションの状態を返す。
func (s *MigrationService) GetMigrationStatus(ctx context.Context) ([]*domain.Migration, error) {
	return s.plan(ctx)
}
