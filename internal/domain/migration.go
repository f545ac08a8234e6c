package domain

import "time"

// MigrationStatus はスキーマ変更1件の状態。
type MigrationStatus string

const (
	MigrationStatusPending  MigrationStatus = "pending"
	MigrationStatusApplied  MigrationStatus = "applied"
	MigrationStatusModified MigrationStatus = "modified" // 適用後に内容が変わった
)

// Migration は {version}_{name}.sql 1ファイル分のスキーマ変更。
// Checksum は内容のSHA-256で、適用時に記録した値と突き合わせて改変を検出する。
type Migration struct {
	Version   string
	Name      string
	Path      string
	Checksum  string
	Status    MigrationStatus
	AppliedAt *time.Time
}

// Drifted は記録済みのチェックサムと現在の内容が食い違うかを返す。
// チェックサムを記録していない履歴は判定しない。
func (m *Migration) Drifted(recorded string) bool {
	return recorded != "" && recorded != m.Checksum
}
