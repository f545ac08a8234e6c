package domain

import "time"

// AuditOperation は監査対象の変更種別。
type AuditOperation string

const (
	AuditOperationInsert AuditOperation = "INSERT"
	AuditOperationUpdate AuditOperation = "UPDATE"
	AuditOperationDelete AuditOperation = "DELETE"
)

// Valid は定義済みの操作かどうかを返す。
func (o AuditOperation) Valid() bool {
	switch o {
	case AuditOperationInsert, AuditOperationUpdate, AuditOperationDelete:
		return true
	}
	return false
}

// AuditEntry は管理対象レコードの変更履歴。追記のみで更新・削除はしない。
type AuditEntry struct {
	ID             string
	TableName      string
	RecordID       string
	Operation      AuditOperation
	OldValues      map[string]any
	NewValues      map[string]any
	ChangedColumns []string
	PerformedBy    string
	PerformedAt    time.Time
	ClientIP       string
	Justification  string
	// BestEffort は呼び出し元のトランザクション外で書き込まれたことを示す。
	BestEffort bool
}

// AuditFilter は監査ログ検索条件。ゼロ値の項目は条件に含めない。
type AuditFilter struct {
	TableName string
	Operation AuditOperation
	UserID    string
	From      time.Time
	To        time.Time
	Page      int
	PageSize  int
}

// AuditPage は監査ログ検索結果の1ページ分。
type AuditPage struct {
	Entries    []*AuditEntry
	Total      int64
	Page       int
	PageSize   int
	Statistics map[AuditOperation]int64
}

// AuditDailySummary は日付・テーブル・操作ごとの集計行。
type AuditDailySummary struct {
	Date           string
	TableName      string
	Operation      AuditOperation
	Count          int64
	DistinctActors int64
}
