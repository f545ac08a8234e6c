// Package migrations は同梱のスキーマ定義をDBドライバーごとに提供する。
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
)

// FS はドライバー名のディレクトリ配下に {version}_{name}.sql 形式のファイルを持つ。
//
//go:embed mysql/*.sql postgres/*.sql
var FS embed.FS

// For はドライバーに対応するマイグレーション群を返す。
// sqlite は開発・テスト用でモデル定義から作成するため同梱しない。
func For(driver string) (fs.FS, error) {
	switch driver {
	case "mysql", "postgres":
		return fs.Sub(FS, driver)
	default:
		return nil, fmt.Errorf("no bundled migrations for driver %q", driver)
	}
}
