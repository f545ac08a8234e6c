package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"conduct-integrity-service/internal/domain"
)

// AuditEntryModel はgorm用のモデル定義。
type AuditEntryModel struct {
	ID             string    `gorm:"type:varchar(36);primaryKey"`
	TargetTable    string    `gorm:"column:table_name;type:varchar(64);not null;index:idx_audit_entries_table_record"`
	RecordID       string    `gorm:"type:varchar(64);not null;index:idx_audit_entries_table_record"`
	Operation      string    `gorm:"type:varchar(8);not null"`
	OldValues      string    `gorm:"type:text"`
	NewValues      string    `gorm:"type:text"`
	ChangedColumns string    `gorm:"type:text"`
	PerformedBy    string    `gorm:"type:varchar(64);not null;index:idx_audit_entries_performed_by"`
	PerformedAt    time.Time `gorm:"not null;index:idx_audit_entries_performed_at"`
	ClientIP       string    `gorm:"type:varchar(45)"`
	Justification  string    `gorm:"type:text"`
	BestEffort     bool      `gorm:"not null"`
}

// TableName はテーブル名を返す。
func (AuditEntryModel) TableName() string {
	return "audit_entries"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *AuditEntryModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func (m *AuditEntryModel) toDomain() (*domain.AuditEntry, error) {
	e := &domain.AuditEntry{
		ID:            m.ID,
		TableName:     m.TargetTable,
		RecordID:      m.RecordID,
		Operation:     domain.AuditOperation(m.Operation),
		PerformedBy:   m.PerformedBy,
		PerformedAt:   m.PerformedAt,
		ClientIP:      m.ClientIP,
		Justification: m.Justification,
		BestEffort:    m.BestEffort,
	}
	if err := unmarshalIfPresent(m.OldValues, &e.OldValues); err != nil {
		return nil, fmt.Errorf("decoding old_values: %w", err)
	}
	if err := unmarshalIfPresent(m.NewValues, &e.NewValues); err != nil {
		return nil, fmt.Errorf("decoding new_values: %w", err)
	}
	if err := unmarshalIfPresent(m.ChangedColumns, &e.ChangedColumns); err != nil {
		return nil, fmt.Errorf("decoding changed_columns: %w", err)
	}
	return e, nil
}

func unmarshalIfPresent(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

func marshalOrEmpty(v any) (string, error) {
	switch x := v.(type) {
	case map[string]any:
		if x == nil {
			return "", nil
		}
	case []string:
		if x == nil {
			return "", nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type dailySummaryRow struct {
	Day            string
	TargetTable    string `gorm:"column:table_name"`
	Operation      string
	EntryCount     int64
	DistinctActors int64
}

// AuditRepository は監査ログのデータアクセスを提供する。
// 追記と参照のみで、更新・削除は提供しない。
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository は新しいAuditRepositoryを生成する。
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append は監査ログを1件追加する。
func (r *AuditRepository) Append(ctx context.Context, e *domain.AuditEntry) error {
	oldValues, err := marshalOrEmpty(e.OldValues)
	if err != nil {
		return fmt.Errorf("encoding old_values: %w", err)
	}
	newValues, err := marshalOrEmpty(e.NewValues)
	if err != nil {
		return fmt.Errorf("encoding new_values: %w", err)
	}
	changed, err := marshalOrEmpty(e.ChangedColumns)
	if err != nil {
		return fmt.Errorf("encoding changed_columns: %w", err)
	}

	model := &AuditEntryModel{
		TargetTable:    e.TableName,
		RecordID:       e.RecordID,
		Operation:      string(e.Operation),
		OldValues:      oldValues,
		NewValues:      newValues,
		ChangedColumns: changed,
		PerformedBy:    e.PerformedBy,
		PerformedAt:    e.PerformedAt,
		ClientIP:       e.ClientIP,
		Justification:  e.Justification,
		BestEffort:     e.BestEffort,
	}
	if err := conn(ctx, r.db).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to append audit entry",
			"operation", "append",
			"table_name", e.TableName,
			"record_id", e.RecordID,
			"audit_operation", e.Operation,
			"error", err,
		)
		return err
	}
	e.ID = model.ID
	return nil
}

func applyAuditFilter(q *gorm.DB, f domain.AuditFilter) *gorm.DB {
	if f.TableName != "" {
		q = q.Where("table_name = ?", f.TableName)
	}
	if f.Operation != "" {
		q = q.Where("operation = ?", string(f.Operation))
	}
	if f.UserID != "" {
		q = q.Where("performed_by = ?", f.UserID)
	}
	if !f.From.IsZero() {
		q = q.Where("performed_at >= ?", f.From.UTC())
	}
	if !f.To.IsZero() {
		q = q.Where("performed_at < ?", f.To.UTC())
	}
	return q
}

// Query は条件に一致する監査ログを新しい順に1ページ分取得する。
func (r *AuditRepository) Query(ctx context.Context, f domain.AuditFilter) ([]*domain.AuditEntry, int64, map[domain.AuditOperation]int64, error) {
	return r.query(ctx, f)
}

// QueryOwn は接続のセキュリティコンテキストのユーザーが実行した監査ログのみを取得する。
// コンテキスト未設定の接続では1件も返らない。
func (r *AuditRepository) QueryOwn(ctx context.Context, f domain.AuditFilter) ([]*domain.AuditEntry, int64, map[domain.AuditOperation]int64, error) {
	if err := prepareSecurityContext(conn(ctx, r.db)); err != nil {
		return nil, 0, nil, err
	}
	return r.query(ctx, f, CurrentUserScope("performed_by"))
}

func (r *AuditRepository) query(ctx context.Context, f domain.AuditFilter, scopes ...func(*gorm.DB) *gorm.DB) ([]*domain.AuditEntry, int64, map[domain.AuditOperation]int64, error) {
	base := func() *gorm.DB {
		return applyAuditFilter(conn(ctx, r.db).Model(&AuditEntryModel{}).Scopes(scopes...), f)
	}

	var total int64
	if err := base().Count(&total).Error; err != nil {
		slog.ErrorContext(ctx, "failed to count audit entries",
			"operation", "query",
			"error", err,
		)
		return nil, 0, nil, err
	}

	var models []AuditEntryModel
	err := base().
		Order("performed_at DESC, id DESC").
		Offset((f.Page - 1) * f.PageSize).
		Limit(f.PageSize).
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to query audit entries",
			"operation", "query",
			"error", err,
		)
		return nil, 0, nil, err
	}

	var statRows []struct {
		Operation  string
		EntryCount int64
	}
	err = base().
		Select("operation, COUNT(*) AS entry_count").
		Group("operation").
		Scan(&statRows).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to aggregate audit statistics",
			"operation", "query",
			"error", err,
		)
		return nil, 0, nil, err
	}
	stats := make(map[domain.AuditOperation]int64, len(statRows))
	for _, s := range statRows {
		stats[domain.AuditOperation(s.Operation)] = s.EntryCount
	}

	entries := make([]*domain.AuditEntry, 0, len(models))
	for i := range models {
		e, err := models[i].toDomain()
		if err != nil {
			return nil, 0, nil, err
		}
		entries = append(entries, e)
	}
	return entries, total, stats, nil
}

// DailySummary は since 以降の監査ログを日付・テーブル・操作で集計する。
func (r *AuditRepository) DailySummary(ctx context.Context, since time.Time) ([]*domain.AuditDailySummary, error) {
	db := conn(ctx, r.db)
	var rows []dailySummaryRow
	err := db.
		Model(&AuditEntryModel{}).
		Select(dayExpr(db)+" AS day, table_name, operation, COUNT(*) AS entry_count, COUNT(DISTINCT performed_by) AS distinct_actors").
		Where("performed_at >= ?", since.UTC()).
		Group("day, table_name, operation").
		Order("day DESC, table_name ASC, operation ASC").
		Scan(&rows).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to aggregate daily audit summary",
			"operation", "daily_summary",
			"since", since,
			"error", err,
		)
		return nil, err
	}

	summaries := make([]*domain.AuditDailySummary, len(rows))
	for i, row := range rows {
		summaries[i] = &domain.AuditDailySummary{
			Date:           row.Day,
			TableName:      row.TargetTable,
			Operation:      domain.AuditOperation(row.Operation),
			Count:          row.EntryCount,
			DistinctActors: row.DistinctActors,
		}
	}
	return summaries, nil
}

// dayExpr は performed_at を YYYY-MM-DD 文字列にするダイアレクト別の式を返す。
func dayExpr(db *gorm.DB) string {
	switch db.Dialector.Name() {
	case "mysql":
		return "DATE_FORMAT(performed_at, '%Y-%m-%d')"
	case "postgres":
		return "to_char(performed_at, 'YYYY-MM-DD')"
	default:
		return "strftime('%Y-%m-%d', performed_at)"
	}
}
